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

package errwrap

import "errors"

// These are the sentinel error kinds from the error taxonomy. Callers should
// use errors.Is against these, since the concrete errors returned by the
// engine are usually wrapped with Wrapf for additional context.
var (
	// ErrHandleInvalid means the handle was never allocated, or its index
	// is out of range for the owning arena.
	ErrHandleInvalid = errors.New("handle invalid")

	// ErrHandleForeign means the handle's container id does not match the
	// arena it was validated against.
	ErrHandleForeign = errors.New("handle is foreign to this arena")

	// ErrHandleDisposed means the handle's version is stale: the slot was
	// released and possibly reallocated to someone else.
	ErrHandleDisposed = errors.New("handle disposed")

	// ErrPortTypeMismatch means a connect attempt joined two ports whose
	// element types, or message/data/DSL category, don't agree.
	ErrPortTypeMismatch = errors.New("port type mismatch")

	// ErrDuplicateDataInput means a non-array data input already has an
	// incoming connection.
	ErrDuplicateDataInput = errors.New("duplicate data input connection")

	// ErrUnknownPort means the given port ordinal isn't declared by the
	// node's kind descriptor.
	ErrUnknownPort = errors.New("unknown port")

	// ErrCycleCreated means the requested connect would introduce a cycle
	// in the data/DSL subgraph.
	ErrCycleCreated = errors.New("cycle created")

	// ErrMessageCycle means synchronous message dispatch recursed past
	// the configured maximum depth.
	ErrMessageCycle = errors.New("message cycle")

	// ErrKernelCompileFailed means a kind's native kernel could not be
	// produced; the managed fallback runs instead.
	ErrKernelCompileFailed = errors.New("native kernel compile failed")

	// ErrPrematureBatchQuery means an input batch's output dependency was
	// queried before the render version it was submitted for has run.
	ErrPrematureBatchQuery = errors.New("premature batch query")

	// ErrOrphaned is a non-fatal marker returned by a graph value read
	// whose target node no longer exists.
	ErrOrphaned = errors.New("graph value orphaned")

	// ErrPureVirtualCalled indicates a vtable slot that was never
	// installed was invoked; this is always fatal.
	ErrPureVirtualCalled = errors.New("pure virtual called")

	// ErrInvariantViolated marks an internal consistency check failure.
	ErrInvariantViolated = errors.New("internal invariant violated")
)
