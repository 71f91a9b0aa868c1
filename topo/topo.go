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

// Package topo implements the topology store: the vertex set, the typed
// directed connections between them, and the incremental dirty set that
// drives traversal-cache rebuilds.
//
// Cycle rejection at connect time is answered locally by a standalone,
// category-masked reachability check, separate from the full rebuild that
// traversal.Cache performs afterwards. See DESIGN.md for why
// cycle rejection doesn't round-trip through the cache on every connect.
package topo

import (
	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/port"
)

// Category mirrors port.Category as a bitmask so a Connection can be
// filtered by a Hierarchy mask.
type Category uint32

const (
	// Message connections belong to the message subgraph.
	Message Category = 1 << iota
	// Data connections belong to the data subgraph; these, plus DSL, are
	// what the traversal cache orders.
	Data
	// DSL connections belong to the DSL-link subgraph.
	DSL
	// MessageDataBridge marks a message connection that also feeds a
	// data input (a bridge edge).
	MessageDataBridge
)

// DataOrDSL is the mask the traversal cache orders against.
const DataOrDSL = Data | DSL

// Connection is a directed edge in the topology store.
type Connection struct {
	SourceVertex arena.Handle
	SourcePort   port.ID
	SourceIndex  int32 // >=0 for a port-array slot, -1 otherwise

	DestVertex arena.Handle
	DestPort   port.ID
	DestIndex  int32

	Flags Category
}

func (c Connection) matches(mask Category) bool {
	return c.Flags&mask != 0
}

// portKey identifies one concrete port endpoint (a whole port, or one slot of
// a port array) for duplicate/array-size bookkeeping.
type portKey struct {
	vertex arena.Handle
	p      port.ID
	index  int32
}

// AutoDisconnectEvent is emitted when SetPortArraySize drops connections that
// addressed now-removed array slots.
type AutoDisconnectEvent struct {
	Connection Connection
}

// Store holds the vertex set and connection list for one graph, plus the
// dirty set of vertices whose edges changed since the last traversal
// rebuild.
type Store struct {
	vertices map[arena.Handle]struct{}
	conns    []Connection
	dirty    map[arena.Handle]struct{}

	arraySizes map[portKey]int32 // port-array sizes, keyed by (vertex, port, -1)

	// OnAutoDisconnect, if set, is called synchronously for every
	// connection dropped by a port-array shrink.
	OnAutoDisconnect func(AutoDisconnectEvent)
}

// NewStore returns an empty topology store.
func NewStore() *Store {
	return &Store{
		vertices:   make(map[arena.Handle]struct{}),
		dirty:      make(map[arena.Handle]struct{}),
		arraySizes: make(map[portKey]int32),
	}
}

// AddVertex registers a vertex (idempotent).
func (s *Store) AddVertex(h arena.Handle) {
	if _, ok := s.vertices[h]; ok {
		return
	}
	s.vertices[h] = struct{}{}
	s.MarkDirty(h)
}

// HasVertex reports whether h is a registered vertex.
func (s *Store) HasVertex(h arena.Handle) bool {
	_, ok := s.vertices[h]
	return ok
}

// Vertices returns a snapshot slice of all vertices, in no particular order.
func (s *Store) Vertices() []arena.Handle {
	out := make([]arena.Handle, 0, len(s.vertices))
	for h := range s.vertices {
		out = append(out, h)
	}
	return out
}

// RemoveVertex drops a vertex and cascades: every incident connection is
// removed at once and its endpoints marked dirty.
func (s *Store) RemoveVertex(h arena.Handle) {
	if _, ok := s.vertices[h]; !ok {
		return
	}
	kept := s.conns[:0]
	for _, c := range s.conns {
		if c.SourceVertex == h || c.DestVertex == h {
			s.MarkDirty(c.SourceVertex)
			s.MarkDirty(c.DestVertex)
			continue
		}
		kept = append(kept, c)
	}
	s.conns = kept
	delete(s.vertices, h)
	s.MarkDirty(h)
}

// MarkDirty records that h's edges may have changed and the traversal cache
// needs to account for it on the next rebuild.
func (s *Store) MarkDirty(h arena.Handle) {
	s.dirty[h] = struct{}{}
}

// DrainDirty returns and clears the current dirty set.
func (s *Store) DrainDirty() []arena.Handle {
	out := make([]arena.Handle, 0, len(s.dirty))
	for h := range s.dirty {
		out = append(out, h)
	}
	s.dirty = make(map[arena.Handle]struct{})
	return out
}

// Connections returns a snapshot of all connections.
func (s *Store) Connections() []Connection {
	out := make([]Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// Connect validates that both endpoints exist, that the connection carries
// a category, that a non-array data input doesn't already have an incoming
// data edge, and that the edge wouldn't create a cycle in the data/DSL
// subgraph; if all of that holds, it adds the connection.
func (s *Store) Connect(c Connection) error {
	if !s.HasVertex(c.SourceVertex) || !s.HasVertex(c.DestVertex) {
		return errwrap.Wrapf(errwrap.ErrUnknownPort, "connect: endpoint vertex does not exist")
	}
	if c.Flags == 0 {
		return errwrap.Wrapf(errwrap.ErrPortTypeMismatch, "connect: connection has no category flags")
	}

	if c.matches(Data) && c.DestIndex < 0 {
		if s.hasDataInput(c.DestVertex, c.DestPort) {
			return errwrap.Wrapf(errwrap.ErrDuplicateDataInput, "connect: %s port %d already has an incoming data connection", c.DestVertex, c.DestPort)
		}
	}

	if c.matches(DataOrDSL) {
		if s.reaches(c.DestVertex, c.SourceVertex, DataOrDSL) {
			return errwrap.Wrapf(errwrap.ErrCycleCreated, "connect: %s -> %s would create a cycle", c.SourceVertex, c.DestVertex)
		}
	}

	s.conns = append(s.conns, c)
	s.MarkDirty(c.SourceVertex)
	s.MarkDirty(c.DestVertex)
	return nil
}

// hasDataInput reports whether a non-array data input port already has an
// incoming connection.
func (s *Store) hasDataInput(dst arena.Handle, dstPort port.ID) bool {
	for _, c := range s.conns {
		if c.matches(Data) && c.DestVertex == dst && c.DestPort == dstPort && c.DestIndex < 0 {
			return true
		}
	}
	return false
}

// reaches reports whether a path of connections matching mask exists from
// src to dst (used to detect the cycle that connecting dst->src would form).
func (s *Store) reaches(src, dst arena.Handle, mask Category) bool {
	if src == dst {
		return true
	}
	seen := map[arena.Handle]bool{src: true}
	stack := []arena.Handle{src}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range s.conns {
			if c.SourceVertex != v || !c.matches(mask) {
				continue
			}
			if c.DestVertex == dst {
				return true
			}
			if !seen[c.DestVertex] {
				seen[c.DestVertex] = true
				stack = append(stack, c.DestVertex)
			}
		}
	}
	return false
}

// Disconnect removes the exact edge given; it is not idempotent, and errors
// if no such edge exists.
func (s *Store) Disconnect(c Connection) error {
	for i, existing := range s.conns {
		if existing == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			s.MarkDirty(c.SourceVertex)
			s.MarkDirty(c.DestVertex)
			return nil
		}
	}
	return errwrap.Wrapf(errwrap.ErrUnknownPort, "disconnect: no exact matching edge")
}

// SetPortArraySize records the new size for (vertex, p)'s port array and
// auto-disconnects any connection that addressed a now-out-of-range index,
// firing OnAutoDisconnect for each.
func (s *Store) SetPortArraySize(h arena.Handle, p port.ID, n int32) {
	key := portKey{vertex: h, p: p, index: -1}
	s.arraySizes[key] = n

	kept := s.conns[:0]
	for _, c := range s.conns {
		drop := false
		if c.SourceVertex == h && c.SourcePort == p && c.SourceIndex >= n {
			drop = true
		}
		if c.DestVertex == h && c.DestPort == p && c.DestIndex >= n {
			drop = true
		}
		if drop {
			s.MarkDirty(c.SourceVertex)
			s.MarkDirty(c.DestVertex)
			if s.OnAutoDisconnect != nil {
				s.OnAutoDisconnect(AutoDisconnectEvent{Connection: c})
			}
			continue
		}
		kept = append(kept, c)
	}
	s.conns = kept
}

// PortArraySize returns the last size set for (h, p), or 0 if never set.
func (s *Store) PortArraySize(h arena.Handle, p port.ID) int32 {
	return s.arraySizes[portKey{vertex: h, p: p, index: -1}]
}

// IncomingEdges returns connections whose destination is h, optionally
// filtered by mask (0 means "any").
func (s *Store) IncomingEdges(h arena.Handle, mask Category) []Connection {
	var out []Connection
	for _, c := range s.conns {
		if c.DestVertex != h {
			continue
		}
		if mask != 0 && !c.matches(mask) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// OutgoingEdges returns connections whose source is h, optionally filtered by
// mask (0 means "any").
func (s *Store) OutgoingEdges(h arena.Handle, mask Category) []Connection {
	var out []Connection
	for _, c := range s.conns {
		if c.SourceVertex != h {
			continue
		}
		if mask != 0 && !c.matches(mask) {
			continue
		}
		out = append(out, c)
	}
	return out
}
