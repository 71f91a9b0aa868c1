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

package jobsys

import (
	"sync/atomic"
	"testing"
)

func TestScheduleRunsAfterDeps(t *testing.T) {
	p := NewPool(4)
	var order int32

	h1 := p.Schedule(func() error {
		atomic.CompareAndSwapInt32(&order, 0, 1)
		return nil
	}, nil)

	h2 := p.Schedule(func() error {
		atomic.CompareAndSwapInt32(&order, 1, 2)
		return nil
	}, []Handle{h1})

	if err := p.Complete(h2); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&order) != 2 {
		t.Fatalf("expected h2 to observe h1's effect, got order=%d", order)
	}
}

func TestCompleteZeroHandleIsNoop(t *testing.T) {
	p := NewPool(1)
	if err := p.Complete(0); err != nil {
		t.Fatalf("expected nil error for zero handle, got %v", err)
	}
}

func TestCombineAggregatesErrors(t *testing.T) {
	p := NewPool(2)
	h1 := p.Schedule(func() error { return errBoom }, nil)
	h2 := p.Schedule(func() error { return nil }, nil)
	combined := p.Combine(h1, h2)
	if err := p.Complete(combined); err == nil {
		t.Fatalf("expected combined error")
	}
}

// TestCombineDoesNotHoldAdmissionPermit fills a single-permit pool with a
// blocked job, then builds a combine over it and a dependent job: the
// combine waiter must complete without ever acquiring a permit, or the
// dependent job could never run on a pool this small.
func TestCombineDoesNotHoldAdmissionPermit(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})

	h1 := p.Schedule(func() error { <-release; return nil }, nil)
	h2 := p.Schedule(func() error { return nil }, []Handle{h1})
	combined := p.Combine(h1, h2)

	close(release)
	if err := p.Complete(combined); err != nil {
		t.Fatal(err)
	}
}

func TestCombineEmptyIsZero(t *testing.T) {
	p := NewPool(1)
	if p.Combine() != 0 {
		t.Fatalf("expected zero handle for empty combine")
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
