// Dagrt
// Copyright (C) 2013-2020+ James Shubin and the project contributors
// Written by James Shubin <james@shubin.ca> and the project contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command dagrtdemo runs the worked scenarios this engine's node kinds were
// built to exercise: a two-adder data chain fed by an input batch, a
// diamond-shaped message relay, and a port-array sum kernel, printing the
// observed values at each step.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/iobatch"
	"github.com/purpleidea/dagrt/jobsys"
	"github.com/purpleidea/dagrt/kernels"
	"github.com/purpleidea/dagrt/kind"
	"github.com/purpleidea/dagrt/port"
	dagrtprometheus "github.com/purpleidea/dagrt/prometheus"
	"github.com/purpleidea/dagrt/rendergraph"
	"github.com/purpleidea/dagrt/scheduler"
	"github.com/purpleidea/dagrt/simgraph"
	"github.com/purpleidea/dagrt/topo"
)

// Args is the CLI parsing structure for this demo binary.
type Args struct {
	Scenario string `arg:"--scenario" default:"all" help:"which worked scenario to run: chain, diamond, array, or all"`
}

func main() {
	args := &Args{Scenario: "all"}
	arg.MustParse(args)

	run := map[string]func() error{
		"chain":   runChainScenario,
		"diamond": runDiamondScenario,
		"array":   runArrayScenario,
	}

	scenarios := []string{"chain", "diamond", "array"}
	if args.Scenario != "all" {
		if _, ok := run[args.Scenario]; !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", args.Scenario)
			os.Exit(1)
		}
		scenarios = []string{args.Scenario}
	}

	for _, name := range scenarios {
		fmt.Printf("=== %s ===\n", name)
		if err := run[name](); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
	}
}

func asInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func putInt64(buf []byte, v int64) {
	binary.LittleEndian.PutUint64(buf, uint64(v))
}

// runChainScenario builds a two-adder data chain (A -> B), submits an input
// batch of 5 into A, runs one tick through the scheduler, and reads B's
// output back through a graph value. Expected result: 5 -> 6 -> 7.
func runChainScenario() error {
	kinds := kind.NewRegistry()
	adderID, err := kernels.RegisterAdder(kinds)
	if err != nil {
		return errwrap.Wrapf(err, "register adder")
	}

	render := rendergraph.NewGraph()
	ns := simgraph.New(kinds, render)

	tel := &dagrtprometheus.Telemetry{}
	if err := tel.Init(); err != nil {
		return errwrap.Wrapf(err, "init telemetry")
	}
	ns.Telemetry = tel

	a, err := ns.Create(adderID)
	if err != nil {
		return errwrap.Wrapf(err, "create a")
	}
	b, err := ns.Create(adderID)
	if err != nil {
		return errwrap.Wrapf(err, "create b")
	}

	inPort := port.NewID(kernels.PortIn, port.IsDFGPort)
	outPort := port.NewID(kernels.PortOut, port.IsDFGPort)

	if err := ns.Connect(a, outPort, b, inPort, topo.Data); err != nil {
		return errwrap.Wrapf(err, "connect a->b")
	}
	if err := ns.Update(); err != nil {
		return errwrap.Wrapf(err, "tick 1 (topology settle)")
	}

	pool := jobsys.NewPool(4)
	batches := iobatch.NewManager()
	metrics := scheduler.NewMetrics(tel.Registry)
	sched := scheduler.New(pool, render, batches, metrics)

	in := make([]byte, 8)
	putInt64(in, 5)
	writeTarget := port.Target{Node: a, Port: inPort, Index: -1}
	bh := batches.SubmitBatch(render.RenderVersion(), []iobatch.Write{{Target: writeTarget, Data: in}}, 0)

	gv := batches.CreateGraphValue(b, outPort)

	tick, err := sched.RunTick(render.RenderVersion(), ns,
		[]scheduler.PendingBatch{{Handle: bh, Targets: []port.Target{writeTarget}}},
		[]scheduler.PendingGraphValue{{Handle: gv, Node: b}})
	if err != nil {
		return errwrap.Wrapf(err, "run tick")
	}
	if err := pool.Complete(tick); err != nil {
		return errwrap.Wrapf(err, "complete tick")
	}

	out, err := batches.GetValue(gv, pool.Complete, render)
	if err != nil {
		return errwrap.Wrapf(err, "get value")
	}
	fmt.Printf("input 5 -> A(+1) -> B(+1) -> %d\n", asInt64(out))
	fmt.Printf("render-graph snapshot: %d bytes dumped\n", len(render.Dump()))
	fmt.Printf("traversal cache snapshot: %d bytes dumped\n", len(ns.Cache().Dump()))

	families, err := tel.Registry.Gather()
	if err != nil {
		return errwrap.Wrapf(err, "gather telemetry")
	}
	fmt.Printf("telemetry: %d metric families recorded (live nodes, ticks, scheduler jobs)\n", len(families))

	if err := batches.DisposeBatch(bh); err != nil {
		return errwrap.Wrapf(err, "dispose batch")
	}

	// Second tick: pin A's input with set_data instead of a batch.
	pinned := make([]byte, 8)
	putInt64(pinned, 10)
	if err := ns.SetData(a, inPort, pinned); err != nil {
		return errwrap.Wrapf(err, "set data")
	}
	if err := ns.Update(); err != nil {
		return errwrap.Wrapf(err, "tick 2")
	}
	tick, err = sched.RunTick(render.RenderVersion(), ns, nil,
		[]scheduler.PendingGraphValue{{Handle: gv, Node: b}})
	if err != nil {
		return errwrap.Wrapf(err, "run tick 2")
	}
	if err := pool.Complete(tick); err != nil {
		return errwrap.Wrapf(err, "complete tick 2")
	}
	out, err = batches.GetValue(gv, pool.Complete, render)
	if err != nil {
		return errwrap.Wrapf(err, "get value 2")
	}
	fmt.Printf("set_data 10 -> A(+1) -> B(+1) -> %d\n", asInt64(out))

	return batches.ReleaseGraphValue(gv)
}

// runDiamondScenario builds a -> b -> d, a -> c -> d, d -> e and sends one
// message into a, printing each node's observed (pre-increment) value as
// it is delivered. Expected: a:1, b:2, c:2, d:3 and 3, e:4 and 4.
func runDiamondScenario() error {
	kinds := kind.NewRegistry()
	var ns *simgraph.NodeSet

	emit := func(ctx interface{}, p port.ID, msg interface{}) error {
		return ns.EmitMessage(ctx, p, msg)
	}
	names := map[arena.Handle]string{}
	observed := func(node arena.Handle, v kernels.PlusOneMessage) {
		fmt.Printf("%s observed %d\n", names[node], v)
	}

	relayID, err := kernels.RegisterRelay(kinds, emit, observed)
	if err != nil {
		return errwrap.Wrapf(err, "register relay")
	}

	render := rendergraph.NewGraph()
	ns = simgraph.New(kinds, render)

	handles := make(map[string]arena.Handle, 5)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		h, err := ns.Create(relayID)
		if err != nil {
			return errwrap.Wrapf(err, "create %s", name)
		}
		handles[name] = h
		names[h] = name
	}

	inPort := port.NewID(kernels.PortIn, port.IsDFGPort)
	outPort := port.NewID(kernels.PortOut, port.IsDFGPort)
	edges := [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}, {"d", "e"}}
	for _, e := range edges {
		if err := ns.Connect(handles[e[0]], outPort, handles[e[1]], inPort, topo.Message); err != nil {
			return errwrap.Wrapf(err, "connect %s->%s", e[0], e[1])
		}
	}
	if err := ns.Update(); err != nil {
		return errwrap.Wrapf(err, "settle topology")
	}

	return ns.SendMessage(handles["a"], inPort, kernels.PlusOneMessage(1))
}

// runArrayScenario builds three Adder sources feeding the three slots of an
// ArraySum node's port array, runs one tick, then shrinks the array to 2
// slots (auto-disconnecting the third source) and runs another tick.
// Expected output: 60, then 30.
func runArrayScenario() error {
	kinds := kind.NewRegistry()
	adderID, err := kernels.RegisterAdder(kinds)
	if err != nil {
		return errwrap.Wrapf(err, "register adder")
	}
	sumID, err := kernels.RegisterArraySum(kinds)
	if err != nil {
		return errwrap.Wrapf(err, "register array sum")
	}

	render := rendergraph.NewGraph()
	ns := simgraph.New(kinds, render)
	ns.OnAutoDisconnect = func(e topo.AutoDisconnectEvent) {
		fmt.Printf("auto-disconnected slot %d of the sum node's input array\n", e.Connection.DestIndex)
	}

	sources := make([]arena.Handle, 3)
	for i := range sources {
		h, err := ns.Create(adderID)
		if err != nil {
			return errwrap.Wrapf(err, "create source %d", i)
		}
		sources[i] = h
	}
	sum, err := ns.Create(sumID)
	if err != nil {
		return errwrap.Wrapf(err, "create array sum")
	}

	inPort := port.NewID(kernels.PortIn, port.IsDFGPort)
	outPort := port.NewID(kernels.PortOut, port.IsDFGPort)

	if err := ns.SetPortArraySize(sum, inPort, 3); err != nil {
		return errwrap.Wrapf(err, "set array size 3")
	}
	for i, src := range sources {
		if err := ns.ConnectArraySlot(src, outPort, -1, sum, inPort, int32(i), topo.Data); err != nil {
			return errwrap.Wrapf(err, "connect source %d", i)
		}
	}
	if err := ns.Update(); err != nil {
		return errwrap.Wrapf(err, "settle topology")
	}

	pool := jobsys.NewPool(4)
	batches := iobatch.NewManager()
	metrics := scheduler.NewMetrics(prometheus.NewRegistry())
	sched := scheduler.New(pool, render, batches, metrics)

	// feedAndSum submits one input batch per source (so each Adder's
	// kernel sees a fresh value this tick -- batches are retained for a
	// single render version) and reads the sum back via a graph value.
	feedAndSum := func(values []int64) (int64, error) {
		var targets []port.Target
		var writes []iobatch.Write
		for i, v := range values {
			buf := make([]byte, 8)
			putInt64(buf, v)
			tgt := port.Target{Node: sources[i], Port: inPort, Index: -1}
			targets = append(targets, tgt)
			writes = append(writes, iobatch.Write{Target: tgt, Data: buf})
		}
		bh := batches.SubmitBatch(render.RenderVersion()+1, writes, 0)
		gv := batches.CreateGraphValue(sum, outPort)

		tick, err := sched.RunTick(render.RenderVersion()+1, ns,
			[]scheduler.PendingBatch{{Handle: bh, Targets: targets}},
			[]scheduler.PendingGraphValue{{Handle: gv, Node: sum}})
		if err != nil {
			return 0, errwrap.Wrapf(err, "run tick")
		}
		if err := pool.Complete(tick); err != nil {
			return 0, errwrap.Wrapf(err, "complete tick")
		}
		out, err := batches.GetValue(gv, pool.Complete, render)
		if err != nil {
			return 0, errwrap.Wrapf(err, "get value")
		}
		if err := batches.DisposeBatch(bh); err != nil {
			return 0, errwrap.Wrapf(err, "dispose batch")
		}
		if err := batches.ReleaseGraphValue(gv); err != nil {
			return 0, errwrap.Wrapf(err, "release graph value")
		}
		return asInt64(out), nil
	}

	sum3, err := feedAndSum([]int64{9, 19, 29}) // Adder does +1: 10, 20, 30
	if err != nil {
		return err
	}
	fmt.Printf("size 3, sources 10+20+30 -> %d\n", sum3)

	if err := ns.SetPortArraySize(sum, inPort, 2); err != nil {
		return errwrap.Wrapf(err, "shrink array to 2")
	}
	if err := ns.Update(); err != nil {
		return errwrap.Wrapf(err, "settle shrink")
	}

	sum2, err := feedAndSum([]int64{9, 19, 29})
	if err != nil {
		return err
	}
	fmt.Printf("size 2 (last connection auto-disconnected), sources 10+20 -> %d\n", sum2)
	return nil
}
