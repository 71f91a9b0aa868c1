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

package topo

import (
	"errors"
	"testing"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/port"
)

func h(i int32) arena.Handle { return arena.Handle{Index: i, Version: 1, Container: 1} }

func TestConnectRejectsCycle(t *testing.T) {
	s := NewStore()
	a, b := h(1), h(2)
	s.AddVertex(a)
	s.AddVertex(b)

	dataPort := port.NewID(0, port.IsDFGPort)
	if err := s.Connect(Connection{SourceVertex: a, SourcePort: dataPort, SourceIndex: -1, DestVertex: b, DestPort: dataPort, DestIndex: -1, Flags: Data}); err != nil {
		t.Fatal(err)
	}

	err := s.Connect(Connection{SourceVertex: b, SourcePort: dataPort, SourceIndex: -1, DestVertex: a, DestPort: dataPort, DestIndex: -1, Flags: Data})
	if !errors.Is(err, errwrap.ErrCycleCreated) {
		t.Fatalf("want ErrCycleCreated, got %v", err)
	}

	// topology unchanged: A->B still present, exactly one connection.
	if len(s.Connections()) != 1 {
		t.Fatalf("expected topology unchanged after rejected cycle, got %d connections", len(s.Connections()))
	}
}

func TestConnectRejectsDuplicateDataInput(t *testing.T) {
	s := NewStore()
	a, b, c := h(1), h(2), h(3)
	s.AddVertex(a)
	s.AddVertex(b)
	s.AddVertex(c)
	in := port.NewID(0, port.IsDFGPort)
	out := port.NewID(1, port.IsDFGPort)

	if err := s.Connect(Connection{SourceVertex: a, SourcePort: out, SourceIndex: -1, DestVertex: c, DestPort: in, DestIndex: -1, Flags: Data}); err != nil {
		t.Fatal(err)
	}
	err := s.Connect(Connection{SourceVertex: b, SourcePort: out, SourceIndex: -1, DestVertex: c, DestPort: in, DestIndex: -1, Flags: Data})
	if !errors.Is(err, errwrap.ErrDuplicateDataInput) {
		t.Fatalf("want ErrDuplicateDataInput, got %v", err)
	}
}

func TestRemoveVertexCascades(t *testing.T) {
	s := NewStore()
	a, b := h(1), h(2)
	s.AddVertex(a)
	s.AddVertex(b)
	p := port.NewID(0, port.IsDFGPort)
	if err := s.Connect(Connection{SourceVertex: a, SourcePort: p, SourceIndex: -1, DestVertex: b, DestPort: p, DestIndex: -1, Flags: Data}); err != nil {
		t.Fatal(err)
	}
	s.RemoveVertex(a)
	if len(s.Connections()) != 0 {
		t.Fatalf("expected cascaded removal of incident edges")
	}
	if s.HasVertex(a) {
		t.Fatalf("vertex should be gone")
	}
}

func TestSetPortArraySizeAutoDisconnects(t *testing.T) {
	s := NewStore()
	a, b, c := h(1), h(2), h(3)
	s.AddVertex(a)
	s.AddVertex(b)
	s.AddVertex(c)
	arr := port.NewID(0, port.IsDFGPort)
	out := port.NewID(1, port.IsDFGPort)

	conns := []Connection{
		{SourceVertex: b, SourcePort: out, SourceIndex: -1, DestVertex: a, DestPort: arr, DestIndex: 0, Flags: Data},
		{SourceVertex: c, SourcePort: out, SourceIndex: -1, DestVertex: a, DestPort: arr, DestIndex: 1, Flags: Data},
	}
	for _, con := range conns {
		if err := s.Connect(con); err != nil {
			t.Fatal(err)
		}
	}

	var events []AutoDisconnectEvent
	s.OnAutoDisconnect = func(e AutoDisconnectEvent) { events = append(events, e) }

	s.SetPortArraySize(a, arr, 1) // drop index 1

	if len(events) != 1 {
		t.Fatalf("expected 1 auto-disconnect event, got %d", len(events))
	}
	if events[0].Connection.DestIndex != 1 {
		t.Fatalf("expected the dropped connection to be index 1")
	}
	if len(s.Connections()) != 1 {
		t.Fatalf("expected 1 remaining connection, got %d", len(s.Connections()))
	}
}

func TestSetPortArraySizeIdempotent(t *testing.T) {
	s := NewStore()
	a := h(1)
	s.AddVertex(a)
	arr := port.NewID(0, port.IsDFGPort)
	s.SetPortArraySize(a, arr, 3)
	s.SetPortArraySize(a, arr, 3)
	if s.PortArraySize(a, arr) != 3 {
		t.Fatalf("expected size 3")
	}
}

func TestDisconnectRequiresExactEdge(t *testing.T) {
	s := NewStore()
	a, b := h(1), h(2)
	s.AddVertex(a)
	s.AddVertex(b)
	p := port.NewID(0, port.IsDFGPort)
	con := Connection{SourceVertex: a, SourcePort: p, SourceIndex: -1, DestVertex: b, DestPort: p, DestIndex: -1, Flags: Data}
	if err := s.Connect(con); err != nil {
		t.Fatal(err)
	}
	wrong := con
	wrong.DestIndex = 5
	if err := s.Disconnect(wrong); err == nil {
		t.Fatalf("expected disconnect of non-matching edge to fail")
	}
	if err := s.Disconnect(con); err != nil {
		t.Fatalf("expected exact edge disconnect to succeed: %v", err)
	}
}
