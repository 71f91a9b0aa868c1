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

// Package rendergraph implements the frozen per-tick render-graph snapshot:
// kernel state/data blobs and port storage buffers, reconciled once per tick
// from the simulation-side topology rather than mutated concurrently with
// it.
package rendergraph

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/port"
)

// Buffer is the storage backing one data port (or one slot of a port array).
type Buffer struct {
	Data               []byte
	ElemCount          uint32
	ElemSize           uint32
	OwnerRenderVersion uint64
}

func (b *Buffer) ensure(elemCount, elemSize uint32) {
	need := int(elemCount) * int(elemSize)
	if cap(b.Data) < need {
		b.Data = make([]byte, need)
	} else {
		b.Data = b.Data[:need]
	}
	b.ElemCount = elemCount
	b.ElemSize = elemSize
}

// nodeSlot is the render-side shadow of one simulation node: its kernel
// state/data blobs and the storage for each of its data ports.
type nodeSlot struct {
	kernelState []byte
	kernelData  []byte
	outputs     map[port.ID]*Buffer
	live        bool
}

// InputKey addresses one concrete data input: a whole port (Index -1) or one
// slot of a port array.
type InputKey struct {
	Port  port.ID
	Index int32
}

// PinnedInput is one value pinned onto a node's data input by set_data, held
// until overwritten or the node is dropped.
type PinnedInput struct {
	Key  InputKey
	Data []byte
}

// Graph is the frozen render-graph snapshot the scheduler's kernel pass
// reads and writes during a tick, and iobatch reads from after a tick via
// the Reader adapter below.
//
// Not safe for concurrent structural mutation (node add/remove) during a
// kernel pass; Sync must run strictly between ticks, since kernels for one
// tick schedule against a frozen snapshot of this graph.
type Graph struct {
	nodes         map[arena.Handle]*nodeSlot
	pinned        map[arena.Handle]map[InputKey][]byte
	renderVersion uint64
}

// NewGraph returns an empty render graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:  make(map[arena.Handle]*nodeSlot),
		pinned: make(map[arena.Handle]map[InputKey][]byte),
	}
}

// RenderVersion returns the version stamped by the most recent Sync.
func (g *Graph) RenderVersion() uint64 {
	return g.renderVersion
}

// NodeSpec describes one simulation node's render-side footprint, as handed
// to Sync by the node set for every node live at sync time.
type NodeSpec struct {
	Node           arena.Handle
	KernelStateLen int
	KernelDataLen  int
	// Outputs lists this node's output data ports with their per-element
	// size and current element count (1 for non-arrays).
	Outputs []OutputSpec
}

// OutputSpec describes one output data port's storage requirements.
type OutputSpec struct {
	Port      port.ID
	ElemSize  uint32
	ElemCount uint32
}

// Sync reconciles the render graph against the given set of live simulation
// nodes for the next render version: new nodes get fresh kernel/port
// storage, nodes no longer present are dropped (any iobatch.Reader.ReadOutput
// call against them now reports !live, surfacing as ErrOrphaned), and nodes
// whose port-array size changed have their buffers resized in place.
func (g *Graph) Sync(version uint64, specs []NodeSpec) {
	want := make(map[arena.Handle]bool, len(specs))
	for _, spec := range specs {
		want[spec.Node] = true
		slot, ok := g.nodes[spec.Node]
		if !ok {
			slot = &nodeSlot{outputs: make(map[port.ID]*Buffer)}
			g.nodes[spec.Node] = slot
		}
		slot.live = true
		if len(slot.kernelState) != spec.KernelStateLen {
			slot.kernelState = make([]byte, spec.KernelStateLen)
		}
		if len(slot.kernelData) != spec.KernelDataLen {
			slot.kernelData = make([]byte, spec.KernelDataLen)
		}
		seen := make(map[port.ID]bool, len(spec.Outputs))
		for _, out := range spec.Outputs {
			seen[out.Port] = true
			buf, ok := slot.outputs[out.Port]
			if !ok {
				buf = &Buffer{}
				slot.outputs[out.Port] = buf
			}
			if buf.ElemCount != out.ElemCount || buf.ElemSize != out.ElemSize {
				buf.ensure(out.ElemCount, out.ElemSize)
			}
			buf.OwnerRenderVersion = version
		}
		for p := range slot.outputs {
			if !seen[p] {
				delete(slot.outputs, p)
			}
		}
	}
	for h, slot := range g.nodes {
		if !want[h] {
			delete(g.nodes, h)
			delete(g.pinned, h)
			_ = slot // nothing further to release; Buffers are GC'd
		}
	}
	for h := range g.pinned {
		if !want[h] {
			delete(g.pinned, h)
		}
	}
	g.renderVersion = version
}

// SetInput pins an externally supplied value onto one of node's data inputs.
// The bytes are copied; the pin persists across ticks until overwritten or
// the node is dropped from the graph. A pin may be installed before the
// node's first Sync, since set_data is drained from the mutation queue ahead
// of the render sync within the same tick.
func (g *Graph) SetInput(node arena.Handle, p port.ID, index int32, data []byte) {
	pins, ok := g.pinned[node]
	if !ok {
		pins = make(map[InputKey][]byte)
		g.pinned[node] = pins
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	pins[InputKey{Port: p, Index: index}] = buf
}

// PinnedInputs returns every value currently pinned onto node's data inputs,
// in no particular order.
func (g *Graph) PinnedInputs(node arena.Handle) []PinnedInput {
	pins := g.pinned[node]
	if len(pins) == 0 {
		return nil
	}
	out := make([]PinnedInput, 0, len(pins))
	for k, data := range pins {
		out = append(out, PinnedInput{Key: k, Data: data})
	}
	return out
}

// KernelBlobs returns the kernel state and kernel data blobs for node, for a
// kernel function to mutate/read during a scheduled invocation.
func (g *Graph) KernelBlobs(node arena.Handle) (state, data []byte, err error) {
	slot, ok := g.nodes[node]
	if !ok || !slot.live {
		return nil, nil, errwrap.Wrapf(errwrap.ErrOrphaned, "kernel blobs: node %s not in render graph", node)
	}
	return slot.kernelState, slot.kernelData, nil
}

// OutputBuffer returns the storage for one of node's output data ports.
func (g *Graph) OutputBuffer(node arena.Handle, p port.ID) (*Buffer, error) {
	slot, ok := g.nodes[node]
	if !ok || !slot.live {
		return nil, errwrap.Wrapf(errwrap.ErrOrphaned, "output buffer: node %s not in render graph", node)
	}
	buf, ok := slot.outputs[p]
	if !ok {
		return nil, errwrap.Wrapf(errwrap.ErrUnknownPort, "output buffer: node %s has no port %v", node, p)
	}
	return buf, nil
}

// Dump renders every live node's kernel blob lengths and output buffer
// shapes for debugging: a developer staring at an unexpected render-graph
// snapshot pastes this into a bug report rather than stepping through the
// node map by hand.
func (g *Graph) Dump() string {
	type bufShape struct {
		Port      port.ID
		ElemCount uint32
		ElemSize  uint32
	}
	type nodeDump struct {
		KernelStateLen int
		KernelDataLen  int
		Outputs        []bufShape
	}
	dump := make(map[arena.Handle]nodeDump, len(g.nodes))
	for h, slot := range g.nodes {
		if !slot.live {
			continue
		}
		nd := nodeDump{KernelStateLen: len(slot.kernelState), KernelDataLen: len(slot.kernelData)}
		for p, buf := range slot.outputs {
			nd.Outputs = append(nd.Outputs, bufShape{Port: p, ElemCount: buf.ElemCount, ElemSize: buf.ElemSize})
		}
		dump[h] = nd
	}
	return spew.Sdump(g.renderVersion, dump)
}

// ReadOutput implements iobatch.Reader: it copies no data, just reports the
// current backing bytes and liveness, so that reading from a destroyed
// target node surfaces as a non-fatal orphaned read rather than a hard
// error at the iobatch layer.
func (g *Graph) ReadOutput(node arena.Handle, p port.ID) ([]byte, bool) {
	slot, ok := g.nodes[node]
	if !ok || !slot.live {
		return nil, false
	}
	buf, ok := slot.outputs[p]
	if !ok {
		return nil, false
	}
	return buf.Data, true
}
