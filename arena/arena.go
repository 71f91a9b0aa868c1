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

// Package arena implements a typed, versioned handle arena: every
// higher-level handle in this engine (node, graph value, input batch) is
// built on top of it. Handles are index+version pairs rather than pointers,
// so dereference stays O(1) without bounds checks once a handle is
// validated, and a released slot can be reused without ever handing out a
// handle that aliases a later, unrelated occupant of the same slot.
package arena

import (
	"fmt"

	"github.com/purpleidea/dagrt/errwrap"
)

// Handle is a triple of (index, version, container). Equality is structural:
// two handles are the same handle iff all three fields match.
type Handle struct {
	Index     int32
	Version   uint16
	Container uint16
}

// IsZero reports whether this is the zero-value handle (never a valid
// allocation, since index 0 is reserved invalid).
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String renders the handle for debugging/logging.
func (h Handle) String() string {
	return fmt.Sprintf("#%d.v%d.c%d", h.Index, h.Version, h.Container)
}

// Disposer is implemented by slot payloads that need to run cleanup when
// their slot is released.
type Disposer interface {
	Dispose()
}

type slot[T any] struct {
	value   T
	version uint16 // odd == alive, even == disposed; 0 means never allocated
}

// List is a dense, versioned arena of T. The zero value is not usable; use
// NewList. Not safe for concurrent use without external synchronization: it
// is owned exclusively by its single-threaded simulation-side caller.
type List[T any] struct {
	container uint16
	slots     []slot[T]
	free      []int32 // LIFO free-list of released indices
}

// NewList creates an arena stamping the given container id on every handle it
// allocates. Multiple arenas (multiple NodeSet instances) may coexist, each
// with a distinct container id, so a handle minted by one never validates
// against another.
func NewList[T any](container uint16) *List[T] {
	l := &List[T]{container: container}
	// index 0 is reserved invalid; pre-seed it so real allocations start
	// at index 1.
	l.slots = append(l.slots, slot[T]{})
	return l
}

// Container returns this arena's container id.
func (l *List[T]) Container() uint16 {
	return l.container
}

// Allocate reserves a slot, returning its handle and a pointer to the zero
// value stored in it. Reuse is LIFO, so "allocate-release-allocate" churn
// stays cache-local.
func (l *List[T]) Allocate() (Handle, *T) {
	var idx int32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		idx = int32(len(l.slots))
		l.slots = append(l.slots, slot[T]{})
	}

	s := &l.slots[idx]
	if s.version%2 == 0 {
		s.version++ // next odd version; wrap past zero below
	}
	if s.version == 0 {
		s.version = 1
	}
	var zero T
	s.value = zero

	h := Handle{Index: idx, Version: s.version, Container: l.container}
	return h, &s.value
}

// Release disposes of the slot's value (if it implements Disposer) and
// returns the index to the free-list, bumping the version so stale handles
// never validate again.
func (l *List[T]) Release(h Handle) error {
	s, err := l.slot(h)
	if err != nil {
		return errwrap.Wrapf(err, "release")
	}

	if d, ok := any(&s.value).(Disposer); ok {
		d.Dispose()
	}

	s.version++ // now even: disposed
	if s.version == 0 {
		s.version = 2 // skip zero, keep "even == disposed" invariant
	}
	var zero T
	s.value = zero

	l.free = append(l.free, h.Index)
	return nil
}

// Validate checks a handle against this arena and returns a pointer to its
// live value, or a wrapped errwrap sentinel (ErrHandleInvalid / ErrHandleForeign /
// ErrHandleDisposed) describing why it doesn't validate.
func (l *List[T]) Validate(h Handle) (*T, error) {
	s, err := l.slot(h)
	if err != nil {
		return nil, err
	}
	return &s.value, nil
}

// Exists is the non-throwing variant of Validate, for callers (like the
// topology store) that retain handles across ticks and only want a bool.
func (l *List[T]) Exists(h Handle) bool {
	_, err := l.slot(h)
	return err == nil
}

func (l *List[T]) slot(h Handle) (*slot[T], error) {
	if h.Container != l.container {
		return nil, errwrap.Wrapf(errwrap.ErrHandleForeign, "handle %s not in container %d", h, l.container)
	}
	if h.Index <= 0 || int(h.Index) >= len(l.slots) {
		return nil, errwrap.Wrapf(errwrap.ErrHandleInvalid, "handle %s out of range", h)
	}
	s := &l.slots[h.Index]
	if s.version == 0 || h.Version == 0 || h.Version%2 == 0 {
		// The slot was never allocated, or the handle's version could
		// never have been handed out for a live slot.
		return nil, errwrap.Wrapf(errwrap.ErrHandleInvalid, "handle %s does not match current version %d", h, s.version)
	}
	if s.version != h.Version || s.version%2 == 0 {
		// A real handle whose slot has since been released, and possibly
		// reallocated to someone else.
		return nil, errwrap.Wrapf(errwrap.ErrHandleDisposed, "handle %s is stale (current version %d)", h, s.version)
	}
	return s, nil
}

// Each visits every slot whose version marks it alive, in index order (which
// is allocation order modulo free-list reuse).
func (l *List[T]) Each(fn func(Handle, *T) bool) {
	for idx := 1; idx < len(l.slots); idx++ {
		s := &l.slots[idx]
		if s.version == 0 || s.version%2 == 0 {
			continue // never allocated, or disposed
		}
		h := Handle{Index: int32(idx), Version: s.version, Container: l.container}
		if !fn(h, &s.value) {
			return
		}
	}
}

// Len returns the number of currently-live slots.
func (l *List[T]) Len() int {
	n := 0
	l.Each(func(Handle, *T) bool { n++; return true })
	return n
}
