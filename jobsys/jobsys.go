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

// Package jobsys implements the minimal in-process job system the rest of
// this engine treats as an external collaborator: schedule(work, deps) ->
// handle, and complete(handle). A deployment with tighter scheduling needs
// can swap this for a native job system; the scheduler only depends on the
// schedule/complete/combine shape, and Pool is just the implementation
// shipped here.
package jobsys

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/purpleidea/dagrt/errwrap"
)

// Handle identifies a scheduled job. The zero Handle means "no dependency".
type Handle uint64

// Work is the unit of schedulable computation.
type Work func() error

type job struct {
	done chan struct{}
	err  error
}

// Pool is a dependency-aware job scheduler bounded to a fixed concurrency.
type Pool struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	jobs   map[Handle]*job
	nextID Handle
}

// NewPool returns a job system allowing up to concurrency jobs to run their
// Work functions at once (dependency waits don't count against this limit).
func NewPool(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(concurrency)),
		jobs: make(map[Handle]*job),
	}
}

// Schedule runs work in a new goroutine once every handle in deps has
// completed, and returns a handle that Complete can block on. Two jobs with
// no dependency path between them may run in parallel; a job only starts
// after all of its declared dependencies have finished (successfully or
// not -- a failed dependency still unblocks downstream jobs, since there is
// no mid-tick cancellation; callers that want fail-fast check dependency
// errors inside their own Work).
func (p *Pool) Schedule(work Work, deps []Handle) Handle {
	p.mu.Lock()
	p.nextID++
	h := p.nextID
	j := &job{done: make(chan struct{})}
	p.jobs[h] = j
	p.mu.Unlock()

	go func() {
		for _, d := range deps {
			_ = p.Complete(d)
		}

		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			j.err = errwrap.Wrapf(err, "jobsys: acquire failed")
			close(j.done)
			return
		}
		defer p.sem.Release(1)

		j.err = work()
		close(j.done)
	}()

	return h
}

// Complete blocks until h's job has run to completion, returning its error.
// Completing the zero Handle (no job) is a no-op success.
func (p *Pool) Complete(h Handle) error {
	if h == 0 {
		return nil
	}
	p.mu.Lock()
	j, ok := p.jobs[h]
	p.mu.Unlock()
	if !ok {
		return errwrap.Errorf("jobsys: unknown handle %d", h)
	}
	<-j.done
	return j.err
}

// Combine returns a handle that completes once every handle in hs has
// completed. The waits fan out concurrently via errgroup.Group and the
// first error wins -- this is how the scheduler builds the tick-completion
// handle from the set of leaf jobs and graph-value jobs.
//
// The waiter never acquires an admission permit: it is all dependency wait
// and no Work, and holding a permit while blocked on member jobs that still
// need one would deadlock a fully-loaded pool.
func (p *Pool) Combine(hs ...Handle) Handle {
	filtered := hs[:0]
	for _, h := range hs {
		if h != 0 {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return 0
	}
	combined := make([]Handle, len(filtered))
	copy(combined, filtered)

	p.mu.Lock()
	p.nextID++
	h := p.nextID
	j := &job{done: make(chan struct{})}
	p.jobs[h] = j
	p.mu.Unlock()

	go func() {
		var eg errgroup.Group
		for _, d := range combined {
			d := d
			eg.Go(func() error {
				return p.Complete(d)
			})
		}
		j.err = errwrap.Wrapf(eg.Wait(), "jobsys: combine")
		close(j.done)
	}()

	return h
}
