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

package iobatch

import (
	"errors"
	"testing"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/jobsys"
	"github.com/purpleidea/dagrt/port"
)

type fakeReader struct {
	data []byte
	live bool
}

func (f fakeReader) ReadOutput(node arena.Handle, p port.ID) ([]byte, bool) {
	return f.data, f.live
}

func TestSubmitAndFenceBatch(t *testing.T) {
	m := NewManager()
	h := m.SubmitBatch(1, []Write{{Target: port.Target{Index: -1}, Data: []byte{1, 2, 3}}}, 0)

	if _, err := m.OutputDependency(h); !errors.Is(err, errwrap.ErrPrematureBatchQuery) {
		t.Fatalf("expected ErrPrematureBatchQuery before fencing, got %v", err)
	}

	if err := m.FenceBatch(h, jobsys.Handle(7), 1); err != nil {
		t.Fatal(err)
	}
	dep, err := m.OutputDependency(h)
	if err != nil {
		t.Fatal(err)
	}
	if dep != 7 {
		t.Fatalf("got dep %d, want 7", dep)
	}
}

func TestRetireExpiredDisposesFencedBatches(t *testing.T) {
	m := NewManager()
	old := m.SubmitBatch(1, nil, 0)
	fresh := m.SubmitBatch(2, nil, 0)
	unfenced := m.SubmitBatch(2, nil, 0)

	if err := m.FenceBatch(old, jobsys.Handle(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := m.FenceBatch(fresh, jobsys.Handle(2), 2); err != nil {
		t.Fatal(err)
	}

	if n := m.RetireExpired(2); n != 1 {
		t.Fatalf("expected 1 batch retired, got %d", n)
	}
	if _, err := m.Batch(old); err == nil {
		t.Fatalf("expected the version-1 batch to be disposed")
	}
	if _, err := m.Batch(fresh); err != nil {
		t.Fatalf("the version-2 batch must survive: %v", err)
	}
	if _, err := m.Batch(unfenced); err != nil {
		t.Fatalf("an unfenced batch must survive: %v", err)
	}

	// Retiring again at the same version is a no-op.
	if n := m.RetireExpired(2); n != 0 {
		t.Fatalf("expected no further retirement, got %d", n)
	}
}

func TestDisposeBatchInvalidatesHandle(t *testing.T) {
	m := NewManager()
	h := m.SubmitBatch(1, nil, 0)
	if err := m.DisposeBatch(h); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Batch(h); err == nil {
		t.Fatalf("expected disposed batch to fail validation")
	}
}

func TestGraphValueGetValue(t *testing.T) {
	m := NewManager()
	node := arena.Handle{Index: 1, Version: 1, Container: 9}
	h := m.CreateGraphValue(node, port.NewID(0, port.IsDFGPort))

	completeCalls := 0
	complete := func(jobsys.Handle) error { completeCalls++; return nil }

	if err := m.RecordBackingJob(h, jobsys.Handle(42)); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetValue(h, complete, fakeReader{data: []byte{9, 9}, live: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "\x09\x09" {
		t.Fatalf("unexpected value %v", got)
	}
	if completeCalls != 1 {
		t.Fatalf("expected complete to be called once, got %d", completeCalls)
	}
}

func TestGraphValueOrphaned(t *testing.T) {
	m := NewManager()
	node := arena.Handle{Index: 2, Version: 1, Container: 9}
	h := m.CreateGraphValue(node, port.NewID(0, port.IsDFGPort))

	_, err := m.GetValue(h, func(jobsys.Handle) error { return nil }, fakeReader{live: false})
	if !errors.Is(err, errwrap.ErrOrphaned) {
		t.Fatalf("expected ErrOrphaned, got %v", err)
	}
}

func TestReleaseGraphValue(t *testing.T) {
	m := NewManager()
	node := arena.Handle{Index: 3, Version: 1, Container: 9}
	h := m.CreateGraphValue(node, port.NewID(0, port.IsDFGPort))
	if err := m.ReleaseGraphValue(h); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GraphValue(h); err == nil {
		t.Fatalf("expected released graph value to fail validation")
	}
}
