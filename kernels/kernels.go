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

// Package kernels is a small library of sample node kinds exercising common
// dataflow patterns: an Adder data kernel, a port-array summing kernel, and
// a message-relay kind that forwards an incremented integer, covering a
// two-adder chain, a port-array sum, and a diamond-shaped message flow.
//
// Each kind is a small, self-registering unit: it declares its own ports
// and kernel/handler and registers itself against a kind.Registry, rather
// than being assembled from a shared base type.
package kernels

import (
	"encoding/binary"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/kind"
	"github.com/purpleidea/dagrt/port"
	"github.com/purpleidea/dagrt/scheduler"
)

// nodeHandler is the minimal interface kernels recovers from a message
// handler's opaque ctx argument to identify which node instance is running.
type nodeHandler interface {
	Node() arena.Handle
}

// Data port ordinals shared by every kind here: input declared first, output
// second, so AssignOrdinals numbers them 0 and 1.
const (
	PortIn  = 0
	PortOut = 1
)

// declarePorts runs the generated-style port-definition initializer over a
// declaration-order list.
func declarePorts(ports []port.Descriptor) []port.Descriptor {
	kind.AssignOrdinals(ports)
	return ports
}

func asInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func putInt64(buf []byte, v int64) {
	if len(buf) < 8 {
		return
	}
	binary.LittleEndian.PutUint64(buf, uint64(v))
}

// RegisterAdder registers a data-flow kind whose kernel computes out = in+1.
func RegisterAdder(r *kind.Registry) (kind.ID, error) {
	return r.Register(kind.NodeKind{
		Name: "Adder",
		Ports: declarePorts([]port.Descriptor{
			{Direction: port.Input, Category: port.Data, ElementSize: 8},
			{Direction: port.Output, Category: port.Data, ElementSize: 8},
		}),
		Kernel: &kind.KernelPair{
			Managed: func(renderCtx, kernelState, kernelData, rawPorts interface{}) error {
				ports := rawPorts.(*scheduler.PortsView)
				in := ports.Inputs[scheduler.PortKey{Port: port.NewID(PortIn, port.IsDFGPort), Index: -1}]
				out := ports.Outputs[scheduler.PortKey{Port: port.NewID(PortOut, port.IsDFGPort), Index: -1}]
				if out == nil {
					return nil
				}
				var v int64
				if in != nil {
					v = asInt64(in.Data)
				}
				putInt64(out.Data, v+1)
				return nil
			},
		},
	})
}

// RegisterArraySum registers a kind whose kernel sums every connected slot
// of a variable-size port-array data input into a single scalar output.
func RegisterArraySum(r *kind.Registry) (kind.ID, error) {
	return r.Register(kind.NodeKind{
		Name: "ArraySum",
		Ports: declarePorts([]port.Descriptor{
			{Direction: port.Input, Category: port.Data, ElementSize: 8, IsPortArray: true},
			{Direction: port.Output, Category: port.Data, ElementSize: 8},
		}),
		Kernel: &kind.KernelPair{
			Managed: func(renderCtx, kernelState, kernelData, rawPorts interface{}) error {
				ports := rawPorts.(*scheduler.PortsView)
				out := ports.Outputs[scheduler.PortKey{Port: port.NewID(PortOut, port.IsDFGPort), Index: -1}]
				if out == nil {
					return nil
				}
				// Every connected slot of the array input port shows
				// up as a distinct (port, index) key, so summing all
				// of them sums all connected sources regardless of how
				// many array slots are populated.
				var sum int64
				for _, buf := range ports.Inputs {
					sum += asInt64(buf.Data)
				}
				putInt64(out.Data, sum)
				return nil
			},
		},
	})
}

// PlusOneMessage is the payload type the Relay kind passes along.
type PlusOneMessage = int64

// RegisterRelay registers a message-only kind whose handler increments the
// received integer by one and re-emits it on its single output port.
// observed, if non-nil, is called with the running node's own handle and
// the value it received (before incrementing), letting callers assert the
// per-node sequence across a diamond-shaped relay chain.
func RegisterRelay(r *kind.Registry, emit func(ctx interface{}, p port.ID, msg interface{}) error, observed func(node arena.Handle, v PlusOneMessage)) (kind.ID, error) {
	outPort := port.NewID(PortOut, port.IsDFGPort)
	return r.Register(kind.NodeKind{
		Name: "Relay",
		Ports: declarePorts([]port.Descriptor{
			{Direction: port.Input, Category: port.Message},
			{Direction: port.Output, Category: port.Message},
		}),
		VTable: kind.VTable{
			MessageHandler: func(ctx interface{}, nodeData interface{}, p port.ID, msg interface{}) error {
				received := msg.(PlusOneMessage)
				if observed != nil {
					if nh, ok := ctx.(nodeHandler); ok {
						observed(nh.Node(), received)
					}
				}
				return emit(ctx, outPort, received+1)
			},
		},
	})
}
