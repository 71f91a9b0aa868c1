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

// Package iobatch implements input batches and graph values: deferred
// external writes into data inputs, and readback of data outputs after a
// tick's completion fence.
//
// Completion is tracked with jobsys.Handle values, the same dependency-handle
// idiom the scheduler uses internally, rather than a bespoke completion
// callback per caller: a fenced batch exposes the combined handle of the
// kernels reading its targets (OutputDependency), and GetValue waits on a
// graph value's backing job before reading. Disposing a batch, by hand or
// through RetireExpired, does not wait on any handle.
package iobatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/jobsys"
	"github.com/purpleidea/dagrt/port"
)

const (
	containerBatch      uint16 = 2
	containerGraphValue uint16 = 3
)

// Write is one external write into a target node's data input, carried by a
// Batch.
type Write struct {
	Target port.Target
	Data   []byte
}

// Batch bundles external writes into data inputs for one render version.
type Batch struct {
	RenderVersion uint64
	Writes        []Write
	InputDep      jobsys.Handle

	// DebugID correlates this batch across log lines independent of its
	// (reusable) arena handle.
	DebugID uuid.UUID

	fenced      bool
	outputDeps  jobsys.Handle
	fencedAtVer uint64
}

// String renders a batch for debug logging, correlated by DebugID rather
// than by its arena handle (which is reused after release).
func (b *Batch) String() string {
	return fmt.Sprintf("batch<%s>@v%d(%d writes, fenced=%v)", b.DebugID, b.RenderVersion, len(b.Writes), b.fenced)
}

// GraphValue is an externally-held handle used to read a specific output
// port after a tick.
type GraphValue struct {
	Node       arena.Handle
	OutputPort port.ID

	// DebugID correlates this graph value across log lines; see Batch.DebugID.
	DebugID uuid.UUID

	backingJob jobsys.Handle
	haveJob    bool
}

// String renders a graph value for debug logging.
func (gv *GraphValue) String() string {
	return fmt.Sprintf("graphvalue<%s>(node=%s, port=%v)", gv.DebugID, gv.Node, gv.OutputPort)
}

// Manager owns the arenas for batches and graph values, and the fencing
// bookkeeping the scheduler and simgraph drive.
type Manager struct {
	batches *arena.List[Batch]
	values  *arena.List[GraphValue]
}

// NewManager returns an empty input-batch / graph-value manager.
func NewManager() *Manager {
	return &Manager{
		batches: arena.NewList[Batch](containerBatch),
		values:  arena.NewList[GraphValue](containerGraphValue),
	}
}

// SubmitBatch registers a new batch of external writes, tagged with the
// render version it targets and an external input dependency.
func (m *Manager) SubmitBatch(renderVersion uint64, writes []Write, inputDep jobsys.Handle) arena.Handle {
	h, b := m.batches.Allocate()
	b.RenderVersion = renderVersion
	b.Writes = writes
	b.InputDep = inputDep
	b.DebugID = uuid.New()
	return h
}

// Batch returns the live batch for h.
func (m *Manager) Batch(h arena.Handle) (*Batch, error) {
	b, err := m.batches.Validate(h)
	if err != nil {
		return nil, errwrap.Wrapf(err, "batch")
	}
	return b, nil
}

// FenceBatch is called by the scheduler once every downstream kernel reading
// a batch's targets has been scheduled, recording the combined dependency
// handle callers must wait on to be sure those kernels have finished.
func (m *Manager) FenceBatch(h arena.Handle, outputDeps jobsys.Handle, renderVersion uint64) error {
	b, err := m.Batch(h)
	if err != nil {
		return err
	}
	b.outputDeps = outputDeps
	b.fencedAtVer = renderVersion
	b.fenced = true
	return nil
}

// OutputDependency returns the batch's fenced output dependency handle.
// Querying before FenceBatch has run for this batch is a PrematureBatchQuery.
func (m *Manager) OutputDependency(h arena.Handle) (jobsys.Handle, error) {
	b, err := m.Batch(h)
	if err != nil {
		return 0, err
	}
	if !b.fenced {
		return 0, errwrap.Wrapf(errwrap.ErrPrematureBatchQuery, "batch %s not yet fenced", h)
	}
	return b.outputDeps, nil
}

// DisposeBatch releases a batch. Batches are retained one render version
// after submission, then fenced and disposed.
func (m *Manager) DisposeBatch(h arena.Handle) error {
	return m.batches.Release(h)
}

// RetireExpired disposes every batch that was fenced in a render version
// before currentVersion: those have served their one retained tick. The
// scheduler calls this at the top of each tick; a batch the caller already
// disposed by hand is simply no longer visited. Returns the number retired.
func (m *Manager) RetireExpired(currentVersion uint64) int {
	var expired []arena.Handle
	m.batches.Each(func(h arena.Handle, b *Batch) bool {
		if b.fenced && b.fencedAtVer < currentVersion {
			expired = append(expired, h)
		}
		return true
	})
	for _, h := range expired {
		_ = m.batches.Release(h)
	}
	return len(expired)
}

// DisposeAll releases every outstanding batch, fenced or not. This is the
// shutdown path: the engine blocks on its outstanding tick handles first,
// then calls this before tearing down the render graph and node set.
func (m *Manager) DisposeAll() int {
	var all []arena.Handle
	m.batches.Each(func(h arena.Handle, _ *Batch) bool {
		all = append(all, h)
		return true
	})
	for _, h := range all {
		_ = m.batches.Release(h)
	}
	return len(all)
}

// CreateGraphValue registers a graph value bound to (node, outputPort). The
// backing storage lives in the render graph; this handle is just the
// registration.
func (m *Manager) CreateGraphValue(node arena.Handle, outputPort port.ID) arena.Handle {
	h, gv := m.values.Allocate()
	gv.Node = node
	gv.OutputPort = outputPort
	gv.DebugID = uuid.New()
	return h
}

// ReleaseGraphValue releases a graph value. Orphaned graph values (target
// node destroyed) must still be explicitly released.
func (m *Manager) ReleaseGraphValue(h arena.Handle) error {
	return m.values.Release(h)
}

// RecordBackingJob stores which scheduled job produces h's value, so
// GetValue can block on it.
func (m *Manager) RecordBackingJob(h arena.Handle, job jobsys.Handle) error {
	gv, err := m.values.Validate(h)
	if err != nil {
		return errwrap.Wrapf(err, "record backing job")
	}
	gv.backingJob = job
	gv.haveJob = true
	return nil
}

// GraphValue returns the live registration for h.
func (m *Manager) GraphValue(h arena.Handle) (*GraphValue, error) {
	gv, err := m.values.Validate(h)
	if err != nil {
		return nil, errwrap.Wrapf(err, "graph value")
	}
	return gv, nil
}

// Reader abstracts the render graph's port-storage lookup, so this package
// doesn't need to import rendergraph (which itself doesn't need iobatch).
type Reader interface {
	// ReadOutput returns the current bytes for (node, port), and whether
	// the node is still live in the render graph.
	ReadOutput(node arena.Handle, p port.ID) (data []byte, live bool)
}

// GetValue blocks on the graph value's backing job (via complete), then
// copies the output port storage. A graph value whose target node was
// destroyed returns ErrOrphaned rather than failing the existence check.
func (m *Manager) GetValue(h arena.Handle, complete func(jobsys.Handle) error, reader Reader) ([]byte, error) {
	gv, err := m.GraphValue(h)
	if err != nil {
		return nil, err
	}
	if gv.haveJob {
		if err := complete(gv.backingJob); err != nil {
			return nil, errwrap.Wrapf(err, "get value: backing job failed")
		}
	}
	data, live := reader.ReadOutput(gv.Node, gv.OutputPort)
	if !live {
		return nil, errwrap.ErrOrphaned
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
