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

// Package kind is the node-kind registration API: each kind registers its
// port layout, simulation vtable, and optional kernel pair once, up front.
// A code-generation step would normally emit these tables from a richer
// node definition; here they are supplied directly by the node-kind author.
package kind

import (
	"sync"

	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/port"

	"github.com/iancoleman/strcase"
)

// ID identifies a registered node kind.
type ID uint32

// KernelFunc is the ABI for a kernel invocation: pointers are valid for the
// duration of the call only. renderCtx carries whatever read-only per-tick
// context the render graph supplies (render version, logging, etc.);
// kernelState/kernelData/ports are opaque blobs the render graph owns and
// the kernel mutates/reads.
type KernelFunc func(renderCtx interface{}, kernelState, kernelData interface{}, ports interface{}) error

// MessageHandler is installed via the simulation vtable and receives a
// message delivered to an input port.
type MessageHandler func(ctx interface{}, nodeData interface{}, port port.ID, msg interface{}) error

// ArrayMessageHandler is installed for port-array message inputs.
type ArrayMessageHandler func(ctx interface{}, nodeData interface{}, port port.ID, index int32, msg interface{}) error

// InitHandler runs once when a node is created, before any message/update
// dispatch. It is the only place forwarding may legally be declared.
type InitHandler func(ctx interface{}, nodeData interface{}, forward *port.ForwardingTable) error

// UpdateHandler runs once per simulation tick, in traversal order.
type UpdateHandler func(ctx interface{}, nodeData interface{}) error

// DestroyHandler runs once when a node is released.
type DestroyHandler func(ctx interface{}, nodeData interface{}) error

// The pureVirtual* functions fill vtable slots that were never installed.
// The message and array-message traps panic with ErrPureVirtualCalled; the
// init, update and destroy defaults are no-ops that return nil.
func pureVirtualMessage(ctx interface{}, nodeData interface{}, p port.ID, msg interface{}) error {
	panic(errwrap.Wrapf(errwrap.ErrPureVirtualCalled, "message_handler not installed"))
}
func pureVirtualArrayMessage(ctx interface{}, nodeData interface{}, p port.ID, idx int32, msg interface{}) error {
	panic(errwrap.Wrapf(errwrap.ErrPureVirtualCalled, "array_message_handler not installed"))
}
func pureVirtualInit(ctx interface{}, nodeData interface{}, forward *port.ForwardingTable) error {
	return nil // absence of an init handler is legal, unlike message/update
}
func pureVirtualUpdate(ctx interface{}, nodeData interface{}) error {
	return nil // absence of an update handler is legal: not every kind updates
}
func pureVirtualDestroy(ctx interface{}, nodeData interface{}) error {
	return nil // absence of a destroy handler is legal
}

// VTable is the per-kind simulation vtable. After install, each slot is
// either the kind's own handler or its default: a panicking trap for the
// message slots, a no-op for the init, update and destroy slots.
type VTable struct {
	MessageHandler      MessageHandler
	ArrayMessageHandler ArrayMessageHandler
	InitHandler         InitHandler
	UpdateHandler       UpdateHandler
	DestroyHandler      DestroyHandler

	// hasUpdate records whether UpdateHandler was a real callback at
	// install time, before it was possibly replaced by the pure-virtual
	// trap. Nodes without an OnUpdate handler are skipped entirely by
	// the update pass, rather than called into a no-op trap.
	hasUpdate bool
}

// HasUpdate reports whether this kind installed a real OnUpdate handler.
func (v *VTable) HasUpdate() bool {
	return v.hasUpdate
}

// install fills any nil slot with its default, so no slot is left nil. A call
// into an uninstalled message or array-message handler panics with
// ErrPureVirtualCalled; an uninstalled init, update or destroy handler
// does nothing and returns nil.
func (v *VTable) install() {
	v.hasUpdate = v.UpdateHandler != nil
	if v.MessageHandler == nil {
		v.MessageHandler = pureVirtualMessage
	}
	if v.ArrayMessageHandler == nil {
		v.ArrayMessageHandler = pureVirtualArrayMessage
	}
	if v.InitHandler == nil {
		v.InitHandler = pureVirtualInit
	}
	if v.UpdateHandler == nil {
		v.UpdateHandler = pureVirtualUpdate
	}
	if v.DestroyHandler == nil {
		v.DestroyHandler = pureVirtualDestroy
	}
}

// KernelPair holds the native and managed variants of a kernel: a
// native/compiled variant and a managed fallback, selected at runtime based
// on whether native compilation succeeded.
type KernelPair struct {
	Native  KernelFunc // may be nil if native compilation isn't available
	Managed KernelFunc // must always be present if the kind has a kernel
}

// Select returns the native kernel if present, else the managed fallback,
// invoking onFallback (if non-nil) to let the caller log the compile-failure
// condition exactly once.
func (k KernelPair) Select(onFallback func()) KernelFunc {
	if k.Native != nil {
		return k.Native
	}
	if onFallback != nil {
		onFallback()
	}
	return k.Managed
}

// AssignOrdinals numbers every descriptor in declaration order, returning
// the input and output port counts, the way a generated port-definition
// initializer would. Ordinals are unique across the whole list so a port ID
// identifies one port regardless of direction.
func AssignOrdinals(ports []port.Descriptor) (in, out uint16) {
	for i := range ports {
		ports[i].Ordinal = uint16(i)
		if ports[i].Direction == port.Input {
			in++
		} else {
			out++
		}
	}
	return in, out
}

// NodeKind is the full descriptor for one kind of node: which aspects are
// present (node-data, ports, kernel data, an optional graph-kernel), and the
// vtable and kernel pair that implement them.
type NodeKind struct {
	Name string

	// NodeDataSize/KernelDataSize record how large a blob Create should
	// reserve for this kind's simulation-side and render-side state.
	// Zero means the aspect is absent.
	NodeDataSize   int
	KernelDataSize int

	Ports []port.Descriptor

	VTable VTable

	// Kernel is present only for kinds with a graph-kernel aspect (a
	// node need not have one -- e.g. a pure message relay).
	Kernel *KernelPair
}

// InputCount returns the number of declared input ports.
func (nk NodeKind) InputCount() uint16 {
	var n uint16
	for _, pd := range nk.Ports {
		if pd.Direction == port.Input {
			n++
		}
	}
	return n
}

// OutputCount returns the number of declared output ports.
func (nk NodeKind) OutputCount() uint16 {
	var n uint16
	for _, pd := range nk.Ports {
		if pd.Direction == port.Output {
			n++
		}
	}
	return n
}

// Registry holds the set of registered node kinds, keyed by name and by ID.
// It is an explicit instance rather than global state, so that multiple
// engines in the same process don't share registrations.
type Registry struct {
	mu    sync.RWMutex
	byID  []NodeKind
	names map[string]ID
}

// NewRegistry returns an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]ID)}
}

// Register validates and installs a node kind, returning its ID.
//
// The descriptor's Name must normalize to a valid identifier: a kind is
// rejected if ToCamel(Name) is empty, which catches names that are pure
// punctuation/whitespace.
func (r *Registry) Register(nk NodeKind) (ID, error) {
	if nk.Name == "" {
		return 0, errwrap.Errorf("register: kind must have a name")
	}
	if strcase.ToCamel(nk.Name) == "" {
		return 0, errwrap.Errorf("register: kind name %q does not normalize to a valid identifier", nk.Name)
	}
	if nk.Kernel != nil && nk.Kernel.Managed == nil {
		return 0, errwrap.Errorf("register: kind %q declares a kernel with no managed fallback", nk.Name)
	}
	seen := make(map[uint16]bool, len(nk.Ports))
	for _, pd := range nk.Ports {
		if seen[pd.Ordinal] {
			return 0, errwrap.Errorf("register: kind %q declares ordinal %d twice", nk.Name, pd.Ordinal)
		}
		seen[pd.Ordinal] = true
	}

	nk.VTable.install()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[nk.Name]; exists {
		return 0, errwrap.Errorf("register: kind %q already registered", nk.Name)
	}
	id := ID(len(r.byID))
	r.byID = append(r.byID, nk)
	r.names[nk.Name] = id
	return id, nil
}

// Lookup returns the kind descriptor for id.
func (r *Registry) Lookup(id ID) (NodeKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(r.byID) {
		return NodeKind{}, false
	}
	return r.byID[id], true
}

// ByName returns the ID registered for name.
func (r *Registry) ByName(name string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	return id, ok
}
