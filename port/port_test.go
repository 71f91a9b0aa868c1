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

package port

import (
	"testing"

	"github.com/purpleidea/dagrt/arena"
)

func TestIDOrdinalFlags(t *testing.T) {
	id := NewID(7, IsDFGPort)
	if id.Ordinal() != 7 {
		t.Fatalf("ordinal = %d, want 7", id.Ordinal())
	}
	if id.Flags() != IsDFGPort {
		t.Fatalf("flags = %d, want IsDFGPort", id.Flags())
	}
}

func TestForwardingResolveDirect(t *testing.T) {
	outer := arena.Handle{Index: 1, Version: 1, Container: 1}
	inner := arena.Handle{Index: 2, Version: 1, Container: 1}

	tables := map[arena.Handle]*ForwardingTable{}
	ft := NewForwardingTable()
	ft.Declare(NewID(0, IsDFGPort), inner, NewID(1, IsDFGPort))
	tables[outer] = ft

	lookup := func(h arena.Handle) *ForwardingTable { return tables[h] }

	node, p, err := ft.Resolve(outer, NewID(0, IsDFGPort), lookup)
	if err != nil {
		t.Fatal(err)
	}
	if node != inner || p.Ordinal() != 1 {
		t.Fatalf("resolved to (%v, %v), want (%v, 1)", node, p, inner)
	}
}

func TestForwardingResolveChained(t *testing.T) {
	a := arena.Handle{Index: 1, Version: 1, Container: 1}
	b := arena.Handle{Index: 2, Version: 1, Container: 1}
	c := arena.Handle{Index: 3, Version: 1, Container: 1}

	tables := map[arena.Handle]*ForwardingTable{}
	ta := NewForwardingTable()
	ta.Declare(NewID(0, IsDFGPort), b, NewID(0, IsDFGPort))
	tables[a] = ta

	tb := NewForwardingTable()
	tb.Declare(NewID(0, IsDFGPort), c, NewID(5, IsDFGPort))
	tables[b] = tb

	lookup := func(h arena.Handle) *ForwardingTable { return tables[h] }

	node, p, err := ta.Resolve(a, NewID(0, IsDFGPort), lookup)
	if err != nil {
		t.Fatal(err)
	}
	if node != c || p.Ordinal() != 5 {
		t.Fatalf("resolved to (%v, %v), want (%v, 5)", node, p, c)
	}
}

func TestForwardingNoEntryIsIdentity(t *testing.T) {
	self := arena.Handle{Index: 1, Version: 1, Container: 1}
	ft := NewForwardingTable()
	lookup := func(h arena.Handle) *ForwardingTable { return nil }
	node, p, err := ft.Resolve(self, NewID(3, IsDFGPort), lookup)
	if err != nil {
		t.Fatal(err)
	}
	if node != self || p.Ordinal() != 3 {
		t.Fatalf("expected identity resolution, got (%v, %v)", node, p)
	}
}

func TestForwardingDepthExceeded(t *testing.T) {
	// Build a self-referential chain a->a forever.
	a := arena.Handle{Index: 1, Version: 1, Container: 1}
	ft := NewForwardingTable()
	ft.Declare(NewID(0, IsDFGPort), a, NewID(0, IsDFGPort))
	lookup := func(h arena.Handle) *ForwardingTable { return ft }

	if _, _, err := ft.Resolve(a, NewID(0, IsDFGPort), lookup); err == nil {
		t.Fatalf("expected max depth error")
	}
}
