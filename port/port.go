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

// Package port implements the typed port model: port descriptors,
// port-array addressing, and the forwarding table used to alias an outer
// node's port onto an inner node's port.
package port

import "github.com/purpleidea/dagrt/arena"

// Category classifies a port by the kind of traffic it carries.
type Category uint8

const (
	// Message ports deliver discrete payloads synchronously during
	// simulation.
	Message Category = iota
	// Data ports carry kernel-computed values materialized each tick by
	// the render graph.
	Data
	// DSLLink ports carry DSL-only edges consulted by DSL handlers, not
	// by the scheduler.
	DSLLink
)

func (c Category) String() string {
	switch c {
	case Message:
		return "message"
	case Data:
		return "data"
	case DSLLink:
		return "dsl-link"
	default:
		return "unknown"
	}
}

// Direction distinguishes input ports from output ports.
type Direction uint8

const (
	// Input marks a port that receives values/messages.
	Input Direction = iota
	// Output marks a port that produces values/messages.
	Output
)

// Flag bits occupy the upper 16 bits of an ID; bits 0..15 are the ordinal.
const (
	// IsDFGPort marks a port that participates in the dataflow graph
	// proper (as opposed to an ECS-bridged port).
	IsDFGPort uint32 = 1 << 16
	// IsECSPort marks a port whose storage is bridged from an external
	// entity/component store.
	IsECSPort uint32 = 1 << 17
)

const ordinalMask = 0x0000FFFF

// ID identifies a port within a node: the low 16 bits are the ordinal, the
// upper bits are flag bits (never overlapping bits 0..15).
type ID uint32

// NewID builds a port ID from an ordinal and flag bits.
func NewID(ordinal uint16, flags uint32) ID {
	return ID(uint32(ordinal) | (flags &^ ordinalMask))
}

// Ordinal returns the port's ordinal within its node.
func (id ID) Ordinal() uint16 {
	return uint16(uint32(id) & ordinalMask)
}

// Flags returns the tag bits set on this port ID.
func (id ID) Flags() uint32 {
	return uint32(id) &^ ordinalMask
}

// Descriptor is the compile-time-generated (or, here, registration-time)
// description of one port on a node kind.
type Descriptor struct {
	Ordinal     uint16
	Direction   Direction
	Category    Category
	ElementSize uint32
	HasBuffers  bool
	IsPortArray bool
}

// ID returns the canonical port.ID for this descriptor (DFG-tagged; ECS
// bridging is not modeled by this engine's scope).
func (d Descriptor) ID() ID {
	return NewID(d.Ordinal, IsDFGPort)
}

// Target identifies a specific (node, port) pair, optionally with a port
// array index.
type Target struct {
	Node  arena.Handle
	Port  ID
	Index int32 // -1 when the port is not an array, or addresses the whole port
}

// ForwardEntry is one row of a forwarding table: outerPort on the owning node
// forwards to innerPort on innerNode.
type ForwardEntry struct {
	OuterPort ID
	InnerNode arena.Handle
	InnerPort ID
}

// MaxForwardingDepth bounds the recursive resolution below, so a
// misconfigured (or adversarial) forwarding chain can't loop forever.
const MaxForwardingDepth = 16

// ForwardingTable resolves outer ports declared during a node's init
// callback to their ultimate (inner node, inner port) destination.
//
// Forwarding may only be declared during a node's init callback; a reused
// arena slot must start from an empty table, which callers get for free by
// constructing a fresh ForwardingTable per init, rather than retaining one
// across release/reallocate.
type ForwardingTable struct {
	entries map[ID]ForwardEntry
}

// NewForwardingTable returns an empty forwarding table.
func NewForwardingTable() *ForwardingTable {
	return &ForwardingTable{entries: make(map[ID]ForwardEntry)}
}

// Declare adds a forwarding entry. Declaring the same outer port twice
// overwrites the previous entry, matching "a deterministic table" built up
// during a single init call.
func (t *ForwardingTable) Declare(outer ID, innerNode arena.Handle, innerPort ID) {
	t.entries[outer] = ForwardEntry{OuterPort: outer, InnerNode: innerNode, InnerPort: innerPort}
}

// Resolve follows forwarding entries (recursively, up to MaxForwardingDepth)
// starting from (self, p) and returns the final (node, port) a connect /
// send_message / set_data targeting p should actually reach.
func (t *ForwardingTable) Resolve(self arena.Handle, p ID, lookup func(arena.Handle) *ForwardingTable) (arena.Handle, ID, error) {
	node, cur := self, p
	table := t
	for depth := 0; depth < MaxForwardingDepth; depth++ {
		if table == nil {
			return node, cur, nil
		}
		entry, ok := table.entries[cur]
		if !ok {
			return node, cur, nil
		}
		node, cur = entry.InnerNode, entry.InnerPort
		table = lookup(node)
	}
	return arena.Handle{}, 0, errMaxForwardingDepth
}
