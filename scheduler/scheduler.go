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

// Package scheduler implements the job scheduler: it walks the traversal
// cache's data-only order, builds one job per kernel-bearing node, derives
// each job's dependency set from its parents plus any input batch targeting
// it, and schedules everything onto the job system, producing a single
// tick-completion handle.
package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/iobatch"
	"github.com/purpleidea/dagrt/jobsys"
	"github.com/purpleidea/dagrt/kind"
	"github.com/purpleidea/dagrt/port"
	"github.com/purpleidea/dagrt/rendergraph"
	"github.com/purpleidea/dagrt/topo"
	"github.com/purpleidea/dagrt/traversal"
)

// RenderContext is the read-only per-tick context threaded into every
// kernel invocation.
type RenderContext struct {
	RenderVersion uint64
	Logf          func(format string, v ...interface{})
}

// PortKey addresses one concrete port endpoint within a PortsView: a whole
// port (Index -1) or one slot of a port array (Index >= 0), mirroring
// topo.Connection's SourceIndex/DestIndex and port.Target's Index.
type PortKey struct {
	Port  port.ID
	Index int32
}

// PortsView is the "ports" argument a kernel function receives: the
// upstream output buffers feeding this node's data inputs, keyed by the
// (destination port, array slot) they arrive on, and this node's own
// output buffers, keyed by the port that owns them. Keying on (port,
// index) rather than port alone is what lets several port-array
// connections into the same ordinal coexist instead of overwriting each
// other.
type PortsView struct {
	Inputs  map[PortKey]*rendergraph.Buffer
	Outputs map[PortKey]*rendergraph.Buffer
}

// Metrics holds the Prometheus collectors this scheduler updates every
// tick. Callers construct one with NewMetrics and register it with their
// own prometheus.Registerer.
type Metrics struct {
	jobsScheduled  prometheus.Counter
	kernelFallback *prometheus.CounterVec
	tickDuration   prometheus.Histogram
}

// NewMetrics constructs and registers the scheduler's Prometheus collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dagrt_scheduler_jobs_scheduled_total",
			Help: "Number of kernel jobs scheduled across all ticks.",
		}),
		kernelFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dagrt_scheduler_kernel_fallback_total",
			Help: "Number of times a kind's managed kernel ran because no native kernel was available.",
		}, []string{"kind"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dagrt_scheduler_tick_seconds",
			Help: "Wall-clock time to schedule one tick's jobs (not to run them).",
		}),
	}
	reg.MustRegister(m.jobsScheduled, m.kernelFallback, m.tickDuration)
	return m
}

// Source is the read-only view the scheduler needs of the node set: its
// traversal cache and kind registry. simgraph.NodeSet satisfies this.
type Source interface {
	Cache() *traversal.Cache
	Kinds() *kind.Registry
	NodeKindID(h arena.Handle) (kind.ID, error)
}

// Scheduler derives and schedules one tick's kernel jobs.
type Scheduler struct {
	pool    *jobsys.Pool
	render  *rendergraph.Graph
	batches *iobatch.Manager
	metrics *Metrics
	Logf    func(format string, v ...interface{})

	// loggedFallback records which kinds already logged their
	// compile-failure fallback, so the condition is logged once per kind
	// rather than once per tick.
	loggedFallback map[string]bool
}

// New returns a scheduler driving jobs through pool against render.
func New(pool *jobsys.Pool, render *rendergraph.Graph, batches *iobatch.Manager, metrics *Metrics) *Scheduler {
	return &Scheduler{
		pool:           pool,
		render:         render,
		batches:        batches,
		metrics:        metrics,
		Logf:           func(string, ...interface{}) {},
		loggedFallback: make(map[string]bool),
	}
}

// PendingBatch is one input batch the scheduler must fence once every
// kernel reading its targets has been scheduled.
type PendingBatch struct {
	Handle  arena.Handle
	Targets []port.Target
}

// PendingGraphValue is one graph value the scheduler must bind to its
// backing node's job once that job is scheduled.
type PendingGraphValue struct {
	Handle arena.Handle
	Node   arena.Handle
}

// RunTick walks src's traversal cache in data order, schedules one job per
// kernel-bearing node, fences the given input batches, binds the given
// graph values to their backing jobs, and returns the tick-completion
// handle.
func (s *Scheduler) RunTick(version uint64, src Source, batches []PendingBatch, values []PendingGraphValue) (jobsys.Handle, error) {
	start := time.Now()
	defer func() {
		s.metrics.tickDuration.Observe(time.Since(start).Seconds())
	}()

	// Batches fenced in an earlier render version have served their one
	// retained tick; dispose them before scheduling this one.
	s.batches.RetireExpired(version)

	rc := &RenderContext{RenderVersion: version, Logf: s.Logf}

	jobHandles := make(map[arena.Handle]jobsys.Handle)
	var leafJobs []jobsys.Handle

	batchWriters := make(map[arena.Handle][]arena.Handle) // node -> batches writing to it
	for _, b := range batches {
		for _, tgt := range b.Targets {
			batchWriters[tgt.Node] = append(batchWriters[tgt.Node], b.Handle)
		}
	}

	cache := src.Cache()
	for _, entry := range cache.Ordered {
		h := entry.Vertex
		kindID, err := src.NodeKindID(h)
		if err != nil {
			continue // node destroyed between rebuild and scheduling; skip
		}
		nk, ok := src.Kinds().Lookup(kindID)
		if !ok || nk.Kernel == nil {
			continue // no graph-kernel aspect: nothing to schedule
		}

		var deps []jobsys.Handle
		dataParents := cache.ParentsIn(h, topo.Data)
		for _, parent := range dataParents {
			if dep, ok := jobHandles[parent.SourceVertex]; ok {
				deps = append(deps, dep)
			}
		}
		for _, bh := range batchWriters[h] {
			if b, err := s.batches.Batch(bh); err == nil {
				deps = append(deps, b.InputDep)
			}
		}

		node := h
		fn := nk.Kernel.Select(func() {
			s.metrics.kernelFallback.WithLabelValues(nk.Name).Inc()
			if !s.loggedFallback[nk.Name] {
				s.loggedFallback[nk.Name] = true
				s.Logf("kind %s: %v; running managed kernel", nk.Name, errwrap.ErrKernelCompileFailed)
			}
		})
		render := s.render
		ports := &PortsView{Inputs: make(map[PortKey]*rendergraph.Buffer), Outputs: make(map[PortKey]*rendergraph.Buffer)}
		for _, parent := range dataParents {
			if buf, err := render.OutputBuffer(parent.SourceVertex, parent.SourcePort); err == nil {
				ports.Inputs[PortKey{Port: parent.DestPort, Index: parent.DestIndex}] = buf
			}
		}
		// Values pinned by set_data fill inputs with no producing edge,
		// without shadowing a live upstream connection.
		for _, pin := range render.PinnedInputs(node) {
			key := PortKey{Port: pin.Key.Port, Index: pin.Key.Index}
			if _, ok := ports.Inputs[key]; ok {
				continue
			}
			ports.Inputs[key] = &rendergraph.Buffer{Data: pin.Data, ElemCount: 1, ElemSize: uint32(len(pin.Data))}
		}
		for _, pd := range nk.Ports {
			if pd.Category != port.Data || pd.Direction != port.Output {
				continue
			}
			if buf, err := render.OutputBuffer(node, pd.ID()); err == nil {
				ports.Outputs[PortKey{Port: pd.ID(), Index: -1}] = buf
			}
		}
		// An input batch installs a synthetic output port whose storage
		// is the caller's own buffer; downstream kernels see it exactly
		// like any other data edge.
		for _, bh := range batchWriters[h] {
			b, err := s.batches.Batch(bh)
			if err != nil {
				continue
			}
			for _, w := range b.Writes {
				if w.Target.Node != h {
					continue
				}
				ports.Inputs[PortKey{Port: w.Target.Port, Index: w.Target.Index}] = &rendergraph.Buffer{Data: w.Data, ElemCount: 1, ElemSize: uint32(len(w.Data))}
			}
		}

		job := s.pool.Schedule(func() error {
			state, data, err := render.KernelBlobs(node)
			if err != nil {
				return errwrap.Wrapf(err, "scheduler: kernel blobs for %s", node)
			}
			return fn(rc, state, data, ports)
		}, deps)

		jobHandles[h] = job
		s.metrics.jobsScheduled.Inc()
		if len(cache.ChildrenIn(h, topo.Data)) == 0 {
			leafJobs = append(leafJobs, job)
		}
	}

	for _, b := range batches {
		var writerJobs []jobsys.Handle
		for _, tgt := range b.Targets {
			if dep, ok := jobHandles[tgt.Node]; ok {
				writerJobs = append(writerJobs, dep)
			}
		}
		outputDeps := s.pool.Combine(writerJobs...)
		if err := s.batches.FenceBatch(b.Handle, outputDeps, version); err != nil {
			return 0, errwrap.Wrapf(err, "scheduler: fence batch")
		}
	}

	var valueJobs []jobsys.Handle
	for _, gv := range values {
		job, ok := jobHandles[gv.Node]
		if !ok {
			continue // node has no kernel (pure message node); nothing to block on
		}
		if err := s.batches.RecordBackingJob(gv.Handle, job); err != nil {
			return 0, errwrap.Wrapf(err, "scheduler: record backing job")
		}
		valueJobs = append(valueJobs, job)
	}

	all := append(append([]jobsys.Handle{}, leafJobs...), valueJobs...)
	return s.pool.Combine(all...), nil
}

// Shutdown blocks on the last tick's completion handle, then disposes every
// outstanding input batch. There is no mid-tick cancellation: shutdown
// forces completion. The caller drops the render graph and node set
// afterwards.
func (s *Scheduler) Shutdown(lastTick jobsys.Handle) error {
	err := s.pool.Complete(lastTick)
	if n := s.batches.DisposeAll(); n > 0 {
		s.Logf("shutdown: disposed %d outstanding input batches", n)
	}
	return err
}
