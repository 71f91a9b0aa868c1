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

// Package simgraph implements the node set: the single-threaded owner of
// every simulation node, the pending mutation queue, and the tick pipeline
// that drains mutations, runs OnUpdate handlers, dispatches messages
// synchronously depth-first, and syncs the render graph.
package simgraph

import (
	"github.com/google/uuid"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/kind"
	"github.com/purpleidea/dagrt/port"
	"github.com/purpleidea/dagrt/rendergraph"
	"github.com/purpleidea/dagrt/topo"
	"github.com/purpleidea/dagrt/traversal"
)

const containerNode uint16 = 1

// MaxMessageDepth bounds synchronous message recursion: a dispatch chain
// deeper than this aborts with ErrMessageCycle rather than overflowing the
// goroutine stack on a misconfigured message cycle.
const MaxMessageDepth = 64

type nodeState struct {
	kindID  kind.ID
	data    []byte
	forward *port.ForwardingTable
}

func (n *nodeState) Dispose() {
	n.data = nil
	n.forward = nil
}

type mutation func(*NodeSet) error

// NodeSet owns the node arena, topology store, traversal cache, and a
// reference to the kind registry it resolves node behavior from. Not safe
// for concurrent use; callers serialize all access on a single simulation
// thread.
type NodeSet struct {
	Logf func(format string, v ...interface{})

	// OnAutoDisconnect, if set, observes every connection dropped by a
	// port-array shrink, in the deterministic order the topology store
	// walks its connection list.
	OnAutoDisconnect func(topo.AutoDisconnectEvent)

	// Telemetry, if set, receives node-count and tick counters as this
	// node set runs. Nil is a valid no-op default.
	Telemetry telemetry

	// ID correlates this node set's log lines across a run, independent
	// of any one node's (reusable) arena handle.
	ID uuid.UUID

	nodes   *arena.List[nodeState]
	topo    *topo.Store
	cache   *traversal.Cache
	kinds   *kind.Registry
	render  *rendergraph.Graph
	pending []mutation

	tick uint64
}

// telemetry is the minimal hook set NodeSet drives; *prometheus.Telemetry
// satisfies it, but this package never imports prometheus directly so that
// a node set can run without any metrics backend wired in.
type telemetry interface {
	NodeCreated(kind string)
	NodeDestroyed(kind string)
	Tick()
	MessageCycleAborted()
}

// New returns an empty node set bound to the given kind registry and render
// graph.
func New(kinds *kind.Registry, render *rendergraph.Graph) *NodeSet {
	t := topo.NewStore()
	ns := &NodeSet{
		Logf:   func(string, ...interface{}) {},
		ID:     uuid.New(),
		nodes:  arena.NewList[nodeState](containerNode),
		topo:   t,
		cache:  traversal.NewCache(),
		kinds:  kinds,
		render: render,
	}
	t.OnAutoDisconnect = func(e topo.AutoDisconnectEvent) {
		ns.Logf("auto-disconnected %s:%d -> %s:%d",
			e.Connection.SourceVertex, e.Connection.SourcePort.Ordinal(),
			e.Connection.DestVertex, e.Connection.DestPort.Ordinal())
		if ns.OnAutoDisconnect != nil {
			ns.OnAutoDisconnect(e)
		}
	}
	return ns
}

// Create allocates a node of the given kind and enqueues its init for the
// next Update's mutation drain.
func (ns *NodeSet) Create(id kind.ID) (arena.Handle, error) {
	nk, ok := ns.kinds.Lookup(id)
	if !ok {
		return arena.Handle{}, errwrap.Errorf("create: unknown kind %d", id)
	}
	h, n := ns.nodes.Allocate()
	n.kindID = id
	n.data = make([]byte, nk.NodeDataSize)
	n.forward = port.NewForwardingTable()

	ns.pending = append(ns.pending, func(ns *NodeSet) error {
		ns.topo.AddVertex(h)
		ns.topo.MarkDirty(h)
		nk, _ := ns.kinds.Lookup(n.kindID)
		if err := nk.VTable.InitHandler(&handlerCtx{ns: ns, node: h}, n.data, n.forward); err != nil {
			return errwrap.Wrapf(err, "init handler for node %s", h)
		}
		if ns.Telemetry != nil {
			ns.Telemetry.NodeCreated(nk.Name)
		}
		return nil
	})
	return h, nil
}

// Destroy enqueues a node's destruction for the next update() pass.
func (ns *NodeSet) Destroy(h arena.Handle) error {
	if _, err := ns.nodes.Validate(h); err != nil {
		return errwrap.Wrapf(err, "destroy")
	}
	ns.pending = append(ns.pending, func(ns *NodeSet) error {
		n, err := ns.nodes.Validate(h)
		if err != nil {
			return nil // already gone
		}
		nk, _ := ns.kinds.Lookup(n.kindID)
		if err := nk.VTable.DestroyHandler(&handlerCtx{ns: ns, node: h}, n.data); err != nil {
			ns.Logf("destroy handler for node %s: %v", h, err)
		}
		ns.topo.RemoveVertex(h)
		if ns.Telemetry != nil {
			ns.Telemetry.NodeDestroyed(nk.Name)
		}
		return ns.nodes.Release(h)
	})
	return nil
}

// Connect enqueues a topology connection, after resolving forwarding on both
// endpoints. Neither endpoint addresses a port-array slot; use
// ConnectArraySlot for that.
func (ns *NodeSet) Connect(srcNode arena.Handle, srcPort port.ID, dstNode arena.Handle, dstPort port.ID, cat topo.Category) error {
	return ns.ConnectArraySlot(srcNode, srcPort, -1, dstNode, dstPort, -1, cat)
}

// ConnectArraySlot enqueues a topology connection whose destination is one
// slot of a port array (dstIndex >= 0 addresses the slot). Use dstIndex -1
// for a non-array destination, which is exactly what Connect does.
func (ns *NodeSet) ConnectArraySlot(srcNode arena.Handle, srcPort port.ID, srcIndex int32, dstNode arena.Handle, dstPort port.ID, dstIndex int32, cat topo.Category) error {
	src, sp, err := ns.resolveForward(srcNode, srcPort)
	if err != nil {
		return err
	}
	dst, dp, err := ns.resolveForward(dstNode, dstPort)
	if err != nil {
		return err
	}
	if err := ns.checkEndpoints(src, sp, dst, dp, dstIndex, cat); err != nil {
		return err
	}
	ns.pending = append(ns.pending, func(ns *NodeSet) error {
		return ns.topo.Connect(topo.Connection{
			SourceVertex: src, SourcePort: sp, SourceIndex: srcIndex,
			DestVertex: dst, DestPort: dp, DestIndex: dstIndex,
			Flags: cat,
		})
	})
	return nil
}

// checkEndpoints validates a connect's resolved endpoints against the two
// kinds' port descriptors: both ports must be declared, source must be an
// output and destination an input, their categories must agree with each
// other and with the requested connection category, data ports must agree
// on element size, and an indexed destination must be a port array.
func (ns *NodeSet) checkEndpoints(src arena.Handle, sp port.ID, dst arena.Handle, dp port.ID, dstIndex int32, cat topo.Category) error {
	spd, err := ns.portDescriptor(src, sp)
	if err != nil {
		return err
	}
	dpd, err := ns.portDescriptor(dst, dp)
	if err != nil {
		return err
	}
	if spd.Direction != port.Output || dpd.Direction != port.Input {
		return errwrap.Wrapf(errwrap.ErrPortTypeMismatch, "connect: source must be an output and destination an input")
	}
	if spd.Category != dpd.Category {
		return errwrap.Wrapf(errwrap.ErrPortTypeMismatch, "connect: %s output into %s input", spd.Category, dpd.Category)
	}
	if cat&categoryMask(spd.Category) == 0 {
		return errwrap.Wrapf(errwrap.ErrPortTypeMismatch, "connect: %s ports cannot carry the requested connection category", spd.Category)
	}
	if spd.Category == port.Data && spd.ElementSize != dpd.ElementSize {
		return errwrap.Wrapf(errwrap.ErrPortTypeMismatch, "connect: element size %d into %d", spd.ElementSize, dpd.ElementSize)
	}
	if dstIndex >= 0 && !dpd.IsPortArray {
		return errwrap.Wrapf(errwrap.ErrUnknownPort, "connect: destination port %d is not a port array", dp.Ordinal())
	}
	return nil
}

func categoryMask(c port.Category) topo.Category {
	switch c {
	case port.Message:
		return topo.Message | topo.MessageDataBridge
	case port.Data:
		return topo.Data
	case port.DSLLink:
		return topo.DSL
	default:
		return 0
	}
}

// portDescriptor looks up the descriptor for p on a live node's kind,
// failing with ErrUnknownPort if the ordinal was never declared.
func (ns *NodeSet) portDescriptor(node arena.Handle, p port.ID) (port.Descriptor, error) {
	n, err := ns.nodes.Validate(node)
	if err != nil {
		return port.Descriptor{}, errwrap.Wrapf(err, "port descriptor")
	}
	nk, _ := ns.kinds.Lookup(n.kindID)
	for _, pd := range nk.Ports {
		if pd.Ordinal == p.Ordinal() {
			return pd, nil
		}
	}
	return port.Descriptor{}, errwrap.Wrapf(errwrap.ErrUnknownPort, "kind %s declares no port %d", nk.Name, p.Ordinal())
}

// Disconnect enqueues removal of the exact connection given, resolving
// forwarding on both endpoints the same way Connect did when it created the
// edge.
func (ns *NodeSet) Disconnect(srcNode arena.Handle, srcPort port.ID, dstNode arena.Handle, dstPort port.ID, cat topo.Category) error {
	return ns.DisconnectArraySlot(srcNode, srcPort, -1, dstNode, dstPort, -1, cat)
}

// DisconnectArraySlot is the indexed counterpart of Disconnect, for edges
// created with ConnectArraySlot.
func (ns *NodeSet) DisconnectArraySlot(srcNode arena.Handle, srcPort port.ID, srcIndex int32, dstNode arena.Handle, dstPort port.ID, dstIndex int32, cat topo.Category) error {
	src, sp, err := ns.resolveForward(srcNode, srcPort)
	if err != nil {
		return err
	}
	dst, dp, err := ns.resolveForward(dstNode, dstPort)
	if err != nil {
		return err
	}
	ns.pending = append(ns.pending, func(ns *NodeSet) error {
		return ns.topo.Disconnect(topo.Connection{
			SourceVertex: src, SourcePort: sp, SourceIndex: srcIndex,
			DestVertex: dst, DestPort: dp, DestIndex: dstIndex,
			Flags: cat,
		})
	})
	return nil
}

// SetData pins a value onto one of node's data inputs, resolving forwarding
// first like any other operation that targets a port. The value is copied at
// call time and installed into the render graph when this tick's mutations
// drain; kernels see it exactly like a produced upstream buffer on inputs
// with no incoming data edge.
func (ns *NodeSet) SetData(node arena.Handle, p port.ID, value []byte) error {
	dst, dp, err := ns.resolveForward(node, p)
	if err != nil {
		return err
	}
	pd, err := ns.portDescriptor(dst, dp)
	if err != nil {
		return err
	}
	if pd.Direction != port.Input || pd.Category != port.Data {
		return errwrap.Wrapf(errwrap.ErrPortTypeMismatch, "set data: port %d is not a data input", dp.Ordinal())
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	ns.pending = append(ns.pending, func(ns *NodeSet) error {
		ns.render.SetInput(dst, dp, -1, buf)
		return nil
	})
	return nil
}

// SetPortArraySize enqueues a port-array resize. Per the recorded Open
// Question decision, shrinking drops any would-be delivery to removed slots
// with no final-message attempt.
func (ns *NodeSet) SetPortArraySize(node arena.Handle, p port.ID, size int32) error {
	ns.pending = append(ns.pending, func(ns *NodeSet) error {
		ns.topo.SetPortArraySize(node, p, size)
		ns.topo.MarkDirty(node)
		return nil
	})
	return nil
}

func (ns *NodeSet) resolveForward(node arena.Handle, p port.ID) (arena.Handle, port.ID, error) {
	n, err := ns.nodes.Validate(node)
	if err != nil {
		return arena.Handle{}, 0, errwrap.Wrapf(err, "resolve forwarding")
	}
	return n.forward.Resolve(node, p, func(inner arena.Handle) *port.ForwardingTable {
		in, err := ns.nodes.Validate(inner)
		if err != nil {
			return nil
		}
		return in.forward
	})
}

// handlerCtx is the handler-invocation context passed to kind callbacks. It
// is opaque from kind's point of view (interface{}); simgraph is the only
// package that knows its shape.
type handlerCtx struct {
	ns    *NodeSet
	node  arena.Handle
	depth int
}

// Node returns the handle of the node whose handler is currently running.
// Kind authors recover this from the opaque ctx argument via a small
// interface assertion (e.g. ctx.(interface{ Node() arena.Handle })) rather
// than depending on this package's unexported handlerCtx type.
func (c *handlerCtx) Node() arena.Handle {
	return c.node
}

// SendMessage delivers msg synchronously to node's handler for port p,
// resolving forwarding on the target first.
func (ns *NodeSet) SendMessage(node arena.Handle, p port.ID, msg interface{}) error {
	dst, dp, err := ns.resolveForward(node, p)
	if err != nil {
		return err
	}
	return ns.dispatch(dst, dp, msg, 0)
}

// SendMessageToArray delivers msg to one indexed slot of a port-array
// message input, resolving forwarding on the target first.
func (ns *NodeSet) SendMessageToArray(node arena.Handle, p port.ID, index int32, msg interface{}) error {
	dst, dp, err := ns.resolveForward(node, p)
	if err != nil {
		return err
	}
	n, err := ns.nodes.Validate(dst)
	if err != nil {
		return errwrap.Wrapf(err, "send message to array")
	}
	nk, _ := ns.kinds.Lookup(n.kindID)
	return nk.VTable.ArrayMessageHandler(&handlerCtx{ns: ns, node: dst}, n.data, dp, index, msg)
}

func (ns *NodeSet) dispatch(node arena.Handle, p port.ID, msg interface{}, depth int) error {
	if depth > MaxMessageDepth {
		if ns.Telemetry != nil {
			ns.Telemetry.MessageCycleAborted()
		}
		return errwrap.Wrapf(errwrap.ErrMessageCycle, "message dispatch exceeded depth %d at node %s", MaxMessageDepth, node)
	}
	n, err := ns.nodes.Validate(node)
	if err != nil {
		return errwrap.Wrapf(err, "dispatch message")
	}
	nk, _ := ns.kinds.Lookup(n.kindID)
	c := &handlerCtx{ns: ns, node: node, depth: depth}
	return nk.VTable.MessageHandler(c, n.data, p, msg)
}

// EmitMessage is only legal from within a message handler (the ctx argument
// must be the *handlerCtx this package supplied to that handler); it
// invokes the handlers of every node connected to the emitting output port,
// recursively, depth-first.
func (ns *NodeSet) EmitMessage(ctx interface{}, p port.ID, msg interface{}) error {
	c, ok := ctx.(*handlerCtx)
	if !ok {
		return errwrap.Errorf("emit_message: ctx not recognized; must be called from within a message handler")
	}
	children := ns.cache.ChildrenByPort(c.node, p)
	var reterr error
	for _, edge := range children {
		if edge.Flags&(topo.Message|topo.MessageDataBridge) == 0 {
			continue
		}
		if err := ns.dispatch(edge.DestVertex, edge.DestPort, msg, c.depth+1); err != nil {
			reterr = errwrap.Append(reterr, err)
		}
	}
	return reterr
}

// Update runs one discrete simulation tick:
//  1. drain the pending mutation queue into the topology store, rebuilding
//     the traversal cache if anything was marked dirty;
//  2. invoke every node's OnUpdate handler (only those that installed a real
//     one) in deterministic traversal order;
//  3. sync the render graph from the now-settled simulation state.
//
// Mutations enqueued by step 2's handlers are deferred to the next tick's
// step 1 rather than applied mid-tick.
func (ns *NodeSet) Update() error {
	ns.tick++
	ns.Logf("node-set %s: tick %d", ns.ID, ns.tick)
	if ns.Telemetry != nil {
		ns.Telemetry.Tick()
	}

	// A rejected mutation (e.g. a connect surfacing ErrCycleCreated here
	// rather than at the API call) must not discard the unrelated
	// mutations queued behind it; drain them all and report the failures
	// together.
	var reterr error
	batch := ns.pending
	ns.pending = nil
	for _, m := range batch {
		if err := m(ns); err != nil {
			reterr = errwrap.Append(reterr, errwrap.Wrapf(err, "update: mutation drain"))
		}
	}
	if dirty := ns.topo.DrainDirty(); len(dirty) > 0 {
		if err := ns.cache.Rebuild(ns.topo, dirty); err != nil {
			return errwrap.Append(reterr, errwrap.Wrapf(err, "update: traversal rebuild"))
		}
	}
	ns.cache.IslandIterator(func(_ traversal.Island, members []traversal.VertexEntry) bool {
		for _, ve := range members {
			h := ve.Vertex
			n, err := ns.nodes.Validate(h)
			if err != nil {
				continue
			}
			nk, _ := ns.kinds.Lookup(n.kindID)
			if !nk.VTable.HasUpdate() {
				continue
			}
			if err := nk.VTable.UpdateHandler(&handlerCtx{ns: ns, node: h}, n.data); err != nil {
				reterr = errwrap.Append(reterr, errwrap.Wrapf(err, "update handler for node %s", h))
			}
		}
		return true
	})
	// Sync even when something above failed: mutations that did apply are
	// part of the committed topology and must reach the render mirror.
	if err := ns.syncRenderGraph(); err != nil {
		reterr = errwrap.Append(reterr, err)
	}
	return reterr
}

func (ns *NodeSet) syncRenderGraph() error {
	var specs []rendergraph.NodeSpec
	ns.nodes.Each(func(h arena.Handle, n *nodeState) bool {
		nk, _ := ns.kinds.Lookup(n.kindID)
		spec := rendergraph.NodeSpec{Node: h, KernelDataLen: nk.KernelDataSize}
		if nk.Kernel != nil {
			// This engine doesn't carve out a separate declared size for
			// kernel_state vs kernel_data (kind.NodeKind has one
			// KernelDataSize field); kernels size their own state within
			// that same blob.
			spec.KernelStateLen = nk.KernelDataSize
		}
		for _, pd := range nk.Ports {
			if pd.Category != port.Data || pd.Direction != port.Output {
				continue
			}
			count := uint32(1)
			if pd.IsPortArray {
				if sz := ns.topo.PortArraySize(h, pd.ID()); sz > 0 {
					count = uint32(sz)
				}
			}
			spec.Outputs = append(spec.Outputs, rendergraph.OutputSpec{
				Port: pd.ID(), ElemSize: pd.ElementSize, ElemCount: count,
			})
		}
		specs = append(specs, spec)
		return true
	})
	ns.render.Sync(ns.tick, specs)
	return nil
}

// Cache exposes the traversal cache read-only, for the scheduler to derive
// job dependency sets from.
func (ns *NodeSet) Cache() *traversal.Cache {
	return ns.cache
}

// Kinds exposes the kind registry this node set resolves node behavior
// from.
func (ns *NodeSet) Kinds() *kind.Registry {
	return ns.kinds
}

// NodeKindID returns the registered kind of a live node.
func (ns *NodeSet) NodeKindID(h arena.Handle) (kind.ID, error) {
	n, err := ns.nodes.Validate(h)
	if err != nil {
		return 0, errwrap.Wrapf(err, "node kind")
	}
	return n.kindID, nil
}
