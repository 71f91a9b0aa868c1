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

package kernels

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/iobatch"
	"github.com/purpleidea/dagrt/jobsys"
	"github.com/purpleidea/dagrt/kind"
	"github.com/purpleidea/dagrt/port"
	"github.com/purpleidea/dagrt/rendergraph"
	"github.com/purpleidea/dagrt/scheduler"
	"github.com/purpleidea/dagrt/simgraph"
	"github.com/purpleidea/dagrt/topo"
)

func TestAdderKernelIncrements(t *testing.T) {
	r := kind.NewRegistry()
	id, err := RegisterAdder(r)
	if err != nil {
		t.Fatal(err)
	}
	nk, ok := r.Lookup(id)
	if !ok || nk.Kernel == nil {
		t.Fatalf("expected Adder to register with a kernel")
	}

	in := make([]byte, 8)
	putInt64(in, 5)
	out := make([]byte, 8)

	ports := &scheduler.PortsView{
		Inputs:  map[scheduler.PortKey]*rendergraph.Buffer{{Port: port.NewID(PortIn, port.IsDFGPort), Index: -1}: {Data: in}},
		Outputs: map[scheduler.PortKey]*rendergraph.Buffer{{Port: port.NewID(PortOut, port.IsDFGPort), Index: -1}: {Data: out}},
	}
	if err := nk.Kernel.Managed(nil, nil, nil, ports); err != nil {
		t.Fatal(err)
	}
	if got := asInt64(out); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
}

func TestArraySumKernelSumsInputs(t *testing.T) {
	r := kind.NewRegistry()
	id, err := RegisterArraySum(r)
	if err != nil {
		t.Fatal(err)
	}
	nk, _ := r.Lookup(id)

	a := make([]byte, 8)
	putInt64(a, 10)
	b := make([]byte, 8)
	putInt64(b, 20)
	c := make([]byte, 8)
	putInt64(c, 30)
	out := make([]byte, 8)

	arrayPort := port.NewID(PortIn, port.IsDFGPort)
	ports := &scheduler.PortsView{
		Inputs: map[scheduler.PortKey]*rendergraph.Buffer{
			{Port: arrayPort, Index: 0}: {Data: a},
			{Port: arrayPort, Index: 1}: {Data: b},
			{Port: arrayPort, Index: 2}: {Data: c},
		},
		Outputs: map[scheduler.PortKey]*rendergraph.Buffer{{Port: port.NewID(PortOut, port.IsDFGPort), Index: -1}: {Data: out}},
	}
	if err := nk.Kernel.Managed(nil, nil, nil, ports); err != nil {
		t.Fatal(err)
	}
	if got := asInt64(out); got != 60 {
		t.Fatalf("got %d, want 60", got)
	}
}

func TestRelayEmitsIncrementedValue(t *testing.T) {
	r := kind.NewRegistry()
	var emittedMsg PlusOneMessage
	var emittedPort port.ID
	emit := func(ctx interface{}, p port.ID, msg interface{}) error {
		emittedPort = p
		emittedMsg = msg.(PlusOneMessage)
		return nil
	}

	id, err := RegisterRelay(r, emit, nil)
	if err != nil {
		t.Fatal(err)
	}
	nk, _ := r.Lookup(id)

	if err := nk.VTable.MessageHandler(fakeCtx{}, nil, port.NewID(PortIn, port.IsDFGPort), PlusOneMessage(3)); err != nil {
		t.Fatal(err)
	}
	if emittedMsg != 4 {
		t.Fatalf("got %d, want 4", emittedMsg)
	}
	if emittedPort != port.NewID(PortOut, port.IsDFGPort) {
		t.Fatalf("expected emit on the relay's output port")
	}
}

type fakeCtx struct{}

// TestArraySumEndToEndThroughScheduler drives three Adder sources into an
// ArraySum node's port array through the real simgraph/scheduler pipeline
// (not a hand-built PortsView): multiple connections addressing distinct
// slots of the same array ordinal must not overwrite each other in the
// scheduler's per-job ports view.
func TestArraySumEndToEndThroughScheduler(t *testing.T) {
	kinds := kind.NewRegistry()
	adderID, err := RegisterAdder(kinds)
	if err != nil {
		t.Fatal(err)
	}
	sumID, err := RegisterArraySum(kinds)
	if err != nil {
		t.Fatal(err)
	}

	render := rendergraph.NewGraph()
	ns := simgraph.New(kinds, render)

	var sources [3]arena.Handle
	for i := range sources {
		h, err := ns.Create(adderID)
		if err != nil {
			t.Fatal(err)
		}
		sources[i] = h
	}
	sum, err := ns.Create(sumID)
	if err != nil {
		t.Fatal(err)
	}

	inPort := port.NewID(PortIn, port.IsDFGPort)
	outPort := port.NewID(PortOut, port.IsDFGPort)

	if err := ns.SetPortArraySize(sum, inPort, 3); err != nil {
		t.Fatal(err)
	}
	for i, src := range sources {
		if err := ns.ConnectArraySlot(src, outPort, -1, sum, inPort, int32(i), topo.Data); err != nil {
			t.Fatal(err)
		}
	}
	if err := ns.Update(); err != nil {
		t.Fatal(err)
	}

	pool := jobsys.NewPool(4)
	batches := iobatch.NewManager()
	sched := scheduler.New(pool, render, batches, scheduler.NewMetrics(prometheus.NewRegistry()))

	var targets []port.Target
	var writes []iobatch.Write
	for i, v := range []int64{9, 19, 29} { // Adder does +1: 10, 20, 30
		buf := make([]byte, 8)
		putInt64(buf, v)
		tgt := port.Target{Node: sources[i], Port: inPort, Index: -1}
		targets = append(targets, tgt)
		writes = append(writes, iobatch.Write{Target: tgt, Data: buf})
	}
	bh := batches.SubmitBatch(1, writes, 0)
	gv := batches.CreateGraphValue(sum, outPort)

	tick, err := sched.RunTick(1, ns,
		[]scheduler.PendingBatch{{Handle: bh, Targets: targets}},
		[]scheduler.PendingGraphValue{{Handle: gv, Node: sum}})
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}

	out, err := batches.GetValue(gv, pool.Complete, render)
	if err != nil {
		t.Fatal(err)
	}
	if got := asInt64(out); got != 60 {
		t.Fatalf("got %d, want 60 (10+20+30)", got)
	}
}

// TestSetDataEndToEndThroughScheduler drives a two-adder chain from a
// set_data pin instead of an input batch: the pinned value must reach A's
// kernel like any produced upstream buffer, and flow through to B.
func TestSetDataEndToEndThroughScheduler(t *testing.T) {
	kinds := kind.NewRegistry()
	adderID, err := RegisterAdder(kinds)
	if err != nil {
		t.Fatal(err)
	}

	render := rendergraph.NewGraph()
	ns := simgraph.New(kinds, render)

	a, err := ns.Create(adderID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ns.Create(adderID)
	if err != nil {
		t.Fatal(err)
	}

	inPort := port.NewID(PortIn, port.IsDFGPort)
	outPort := port.NewID(PortOut, port.IsDFGPort)
	if err := ns.Connect(a, outPort, b, inPort, topo.Data); err != nil {
		t.Fatal(err)
	}

	val := make([]byte, 8)
	putInt64(val, 5)
	if err := ns.SetData(a, inPort, val); err != nil {
		t.Fatal(err)
	}
	if err := ns.Update(); err != nil {
		t.Fatal(err)
	}

	pool := jobsys.NewPool(2)
	batches := iobatch.NewManager()
	sched := scheduler.New(pool, render, batches, scheduler.NewMetrics(prometheus.NewRegistry()))

	gv := batches.CreateGraphValue(b, outPort)
	tick, err := sched.RunTick(render.RenderVersion(), ns, nil,
		[]scheduler.PendingGraphValue{{Handle: gv, Node: b}})
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}

	out, err := batches.GetValue(gv, pool.Complete, render)
	if err != nil {
		t.Fatal(err)
	}
	if got := asInt64(out); got != 7 {
		t.Fatalf("got %d, want 7 (5 -> +1 -> +1)", got)
	}
}
