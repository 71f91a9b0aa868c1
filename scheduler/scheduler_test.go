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

package scheduler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/iobatch"
	"github.com/purpleidea/dagrt/jobsys"
	"github.com/purpleidea/dagrt/kind"
	"github.com/purpleidea/dagrt/port"
	"github.com/purpleidea/dagrt/rendergraph"
	"github.com/purpleidea/dagrt/traversal"
)

func fakeHandle(i int32) arena.Handle {
	return arena.Handle{Index: i, Version: 1, Container: 1}
}

// stubSource is a minimal Source with zero or one node, for exercising
// RunTick without pulling in simgraph (which would create an import cycle
// back into this package were the dependency reversed).
type stubSource struct {
	cache  traversal.Cache
	kindID kind.ID
	kinds  *kind.Registry
}

func (s *stubSource) Cache() *traversal.Cache { return &s.cache }
func (s *stubSource) Kinds() *kind.Registry   { return s.kinds }
func (s *stubSource) NodeKindID(h arena.Handle) (kind.ID, error) {
	if h == fakeHandle(1) {
		return s.kindID, nil
	}
	return 0, errwrap.Errorf("stub: no such node")
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewMetrics(reg)
}

func TestRunTickSchedulesKernelAndCompletes(t *testing.T) {
	r := kind.NewRegistry()
	ran := false
	id, err := r.Register(kind.NodeKind{
		Name:           "Doubler",
		KernelDataSize: 4,
		Ports: []port.Descriptor{
			{Ordinal: 0, Direction: port.Output, Category: port.Data, ElementSize: 4},
		},
		Kernel: &kind.KernelPair{
			Managed: func(renderCtx, state, data, ports interface{}) error {
				ran = true
				return nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	render := rendergraph.NewGraph()
	render.Sync(1, []rendergraph.NodeSpec{
		{Node: fakeHandle(1), KernelDataLen: 4, Outputs: []rendergraph.OutputSpec{
			{Port: port.NewID(0, port.IsDFGPort), ElemSize: 4, ElemCount: 1},
		}},
	})

	pool := jobsys.NewPool(2)
	batches := iobatch.NewManager()
	s := New(pool, render, batches, newMetrics())

	src := &stubSource{kindID: id, kinds: r}
	src.cache.Ordered = []traversal.VertexEntry{{Vertex: fakeHandle(1)}}

	tick, err := s.RunTick(1, src, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatalf("expected kernel to run")
	}
}

// TestRunTickFeedsPinnedInput confirms a set_data pin installed in the
// render graph reaches the kernel's ports view on an input with no upstream
// edge.
func TestRunTickFeedsPinnedInput(t *testing.T) {
	r := kind.NewRegistry()
	var got []byte
	inPort := port.NewID(0, port.IsDFGPort)
	id, err := r.Register(kind.NodeKind{
		Name: "Sink",
		Ports: []port.Descriptor{
			{Ordinal: 0, Direction: port.Input, Category: port.Data, ElementSize: 3},
		},
		Kernel: &kind.KernelPair{
			Managed: func(renderCtx, state, data, rawPorts interface{}) error {
				ports := rawPorts.(*PortsView)
				if buf := ports.Inputs[PortKey{Port: inPort, Index: -1}]; buf != nil {
					got = append([]byte{}, buf.Data...)
				}
				return nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	render := rendergraph.NewGraph()
	render.SetInput(fakeHandle(1), inPort, -1, []byte{7, 8, 9})
	render.Sync(1, []rendergraph.NodeSpec{{Node: fakeHandle(1)}})

	pool := jobsys.NewPool(1)
	batches := iobatch.NewManager()
	s := New(pool, render, batches, newMetrics())

	src := &stubSource{kindID: id, kinds: r}
	src.cache.Ordered = []traversal.VertexEntry{{Vertex: fakeHandle(1)}}

	tick, err := s.RunTick(1, src, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}
	if string(got) != "\x07\x08\x09" {
		t.Fatalf("kernel saw %v, want the pinned bytes", got)
	}
}

// TestFallbackLoggedOncePerKind runs two ticks of a managed-only kernel and
// asserts the compile-failure line is logged exactly once.
func TestFallbackLoggedOncePerKind(t *testing.T) {
	r := kind.NewRegistry()
	id, err := r.Register(kind.NodeKind{
		Name: "ManagedOnly",
		Kernel: &kind.KernelPair{
			Managed: func(interface{}, interface{}, interface{}, interface{}) error { return nil },
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	render := rendergraph.NewGraph()
	render.Sync(1, []rendergraph.NodeSpec{{Node: fakeHandle(1)}})

	pool := jobsys.NewPool(1)
	batches := iobatch.NewManager()
	s := New(pool, render, batches, newMetrics())
	logged := 0
	s.Logf = func(format string, v ...interface{}) { logged++ }

	src := &stubSource{kindID: id, kinds: r}
	src.cache.Ordered = []traversal.VertexEntry{{Vertex: fakeHandle(1)}}

	for tickN := uint64(1); tickN <= 2; tickN++ {
		tick, err := s.RunTick(tickN, src, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := pool.Complete(tick); err != nil {
			t.Fatal(err)
		}
	}
	if logged != 1 {
		t.Fatalf("expected exactly one fallback log line, got %d", logged)
	}
}

func TestRunTickFencesBatches(t *testing.T) {
	render := rendergraph.NewGraph()
	pool := jobsys.NewPool(1)
	batches := iobatch.NewManager()
	s := New(pool, render, batches, newMetrics())

	r := kind.NewRegistry()
	bh := batches.SubmitBatch(1, nil, 0)
	src := &stubSource{kinds: r}

	tick, err := s.RunTick(1, src, []PendingBatch{{Handle: bh}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}
	if _, err := batches.OutputDependency(bh); err != nil {
		t.Fatalf("expected batch to be fenced after RunTick, got %v", err)
	}
}

// TestRetiredBatchDisposedNextTick runs a second tick and asserts the
// previous tick's fenced batch was disposed by the retained-one-version
// policy.
func TestRetiredBatchDisposedNextTick(t *testing.T) {
	render := rendergraph.NewGraph()
	pool := jobsys.NewPool(1)
	batches := iobatch.NewManager()
	s := New(pool, render, batches, newMetrics())

	r := kind.NewRegistry()
	bh := batches.SubmitBatch(1, nil, 0)
	src := &stubSource{kinds: r}

	tick, err := s.RunTick(1, src, []PendingBatch{{Handle: bh}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}

	tick, err = s.RunTick(2, src, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Complete(tick); err != nil {
		t.Fatal(err)
	}
	if _, err := batches.Batch(bh); err == nil {
		t.Fatalf("expected the tick-1 batch to have been retired")
	}
}

func TestShutdownDisposesOutstandingBatches(t *testing.T) {
	render := rendergraph.NewGraph()
	pool := jobsys.NewPool(1)
	batches := iobatch.NewManager()
	s := New(pool, render, batches, newMetrics())

	bh := batches.SubmitBatch(1, nil, 0)
	tick := pool.Schedule(func() error { return nil }, nil)

	if err := s.Shutdown(tick); err != nil {
		t.Fatal(err)
	}
	if _, err := batches.Batch(bh); err == nil {
		t.Fatalf("expected shutdown to dispose the outstanding batch")
	}
}
