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

// Package traversal implements the traversal cache: an ordered,
// islands-partitioned flattening of the topology store with pre-materialized
// parent/child tables per vertex. Islands (maximal weakly-connected
// components) are found with union-find; each island is then independently
// ordered with a deterministic, tie-broken Kahn's-algorithm topological sort.
package traversal

import (
	"fmt"
	"sort"

	"github.com/davecgh/go-spew/spew"

	"github.com/purpleidea/dagrt/arena"
	"github.com/purpleidea/dagrt/errwrap"
	"github.com/purpleidea/dagrt/port"
	"github.com/purpleidea/dagrt/topo"
)

// VertexEntry is one row of the flattened, ordered traversal. The parent and
// child tables carry every edge category with its traversal flags; consumers
// restrict them with a Hierarchy mask (the scheduler walks data-only, message
// dispatch walks message-only). Only the data/DSL subgraph participates in
// ordering and island partitioning.
type VertexEntry struct {
	Vertex   arena.Handle
	Parents  []topo.Connection
	Children []topo.Connection
	IslandID int
}

// Island describes one maximal weakly-connected component's span within
// Ordered.
type Island struct {
	Offset int
	Count  int
}

// CycleAt reports a cycle detected during rebuild at the given vertex. This
// should not normally surface, since topo.Store already rejects
// cycle-creating connects; it exists as a defense-in-depth consistency
// check, and as the place a caller who constructs connections by some other
// path (tests, bulk-load) would observe a violation.
type CycleAt struct {
	Vertex arena.Handle
}

func (e *CycleAt) Error() string {
	return fmt.Sprintf("cycle detected at %s", e.Vertex)
}

// Cache is the derived, rebuildable traversal structure.
type Cache struct {
	Ordered []VertexEntry
	Roots   []int // indices into Ordered with zero incoming data/DSL edges
	Leaves  []int // indices into Ordered with zero outgoing data/DSL edges
	Islands []Island

	index map[arena.Handle]int // vertex -> index into Ordered
}

// NewCache returns an empty traversal cache.
func NewCache() *Cache {
	return &Cache{index: make(map[arena.Handle]int)}
}

// Rebuild recomputes the cache from the topology store's current state. The
// dirty set only gates whether a rebuild happens at all: an empty dirty set
// is a no-op, since nothing has changed since the last rebuild. When
// non-empty, islands are recomputed from scratch via union-find and each
// island is re-sorted with Kahn's algorithm. See DESIGN.md for the tradeoff
// against patching only the touched islands' order in place.
func (c *Cache) Rebuild(store *topo.Store, dirty []arena.Handle) error {
	if len(dirty) == 0 {
		return nil
	}

	vertices := store.Vertices()
	elems := make(map[arena.Handle]*islandElem[arena.Handle], len(vertices))
	for _, v := range vertices {
		elems[v] = newIslandElem(v)
	}

	edges := make(map[arena.Handle][]topo.Connection, len(vertices))
	incoming := make(map[arena.Handle][]topo.Connection, len(vertices))
	for _, v := range vertices {
		for _, con := range store.OutgoingEdges(v, 0) {
			edges[v] = append(edges[v], con)
			incoming[con.DestVertex] = append(incoming[con.DestVertex], con)
			if con.Flags&topo.DataOrDSL == 0 {
				continue // message edges don't merge islands or order vertices
			}
			if e1, e2 := elems[con.SourceVertex], elems[con.DestVertex]; e1 != nil && e2 != nil {
				e1.union(e2)
			}
		}
	}

	groups := make(map[arena.Handle][]arena.Handle)
	for _, v := range vertices {
		root := elems[v].find().data
		groups[root] = append(groups[root], v)
	}

	var islandRoots []arena.Handle
	for root := range groups {
		islandRoots = append(islandRoots, root)
	}
	sort.Slice(islandRoots, func(i, j int) bool {
		return less(islandRoots[i], islandRoots[j])
	})

	var ordered []VertexEntry
	var islands []Island
	for _, root := range islandRoots {
		members := groups[root]
		sort.Slice(members, func(i, j int) bool { return less(members[i], members[j]) })

		order, err := kahn(members, edges, incoming)
		if err != nil {
			return err
		}

		offset := len(ordered)
		islandID := len(islands)
		for _, v := range order {
			ordered = append(ordered, VertexEntry{
				Vertex:   v,
				Parents:  incoming[v],
				Children: edges[v],
				IslandID: islandID,
			})
		}
		islands = append(islands, Island{Offset: offset, Count: len(order)})
	}

	c.Ordered = ordered
	c.Islands = islands
	c.index = make(map[arena.Handle]int, len(ordered))
	c.Roots = c.Roots[:0]
	c.Leaves = c.Leaves[:0]
	for i, ve := range ordered {
		c.index[ve.Vertex] = i
		if countMask(ve.Parents, topo.DataOrDSL) == 0 {
			c.Roots = append(c.Roots, i)
		}
		if countMask(ve.Children, topo.DataOrDSL) == 0 {
			c.Leaves = append(c.Leaves, i)
		}
	}
	return nil
}

func countMask(conns []topo.Connection, mask topo.Category) int {
	n := 0
	for _, con := range conns {
		if con.Flags&mask != 0 {
			n++
		}
	}
	return n
}

func less(a, b arena.Handle) bool {
	if a.Container != b.Container {
		return a.Container < b.Container
	}
	return a.Index < b.Index
}

// kahn runs Kahn's topological sort over the data/DSL edges restricted to
// members, tie-breaking deterministically on (container_id, index) so the
// resulting order is reproducible across runs. Message edges in the tables
// are ignored: they impose no ordering.
func kahn(members []arena.Handle, out, in map[arena.Handle][]topo.Connection) ([]arena.Handle, error) {
	memberSet := make(map[arena.Handle]bool, len(members))
	for _, v := range members {
		memberSet[v] = true
	}

	indeg := make(map[arena.Handle]int, len(members))
	for _, v := range members {
		n := 0
		for _, con := range in[v] {
			if con.Flags&topo.DataOrDSL != 0 && memberSet[con.SourceVertex] {
				n++
			}
		}
		indeg[v] = n
	}

	var ready []arena.Handle
	for _, v := range members {
		if indeg[v] == 0 {
			ready = append(ready, v)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var order []arena.Handle
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		v := ready[0]
		ready = ready[1:]
		order = append(order, v)

		for _, con := range out[v] {
			w := con.DestVertex
			if con.Flags&topo.DataOrDSL == 0 || !memberSet[w] {
				continue
			}
			indeg[w]--
			if indeg[w] == 0 {
				ready = append(ready, w)
			}
		}
	}

	if len(order) != len(members) {
		// residual positive in-degree: a cycle remains among these
		// members.
		for _, v := range members {
			if indeg[v] > 0 {
				return nil, &CycleAt{Vertex: v}
			}
		}
		return nil, errwrap.Wrapf(errwrap.ErrInvariantViolated, "kahn: order/member mismatch with no residual in-degree")
	}
	return order, nil
}

// Hierarchy lets a caller restrict walks to a subset of edge categories.
type Hierarchy = topo.Category

// ParentsOf returns the (already-materialized) incoming edges for v.
func (c *Cache) ParentsOf(v arena.Handle) []topo.Connection {
	i, ok := c.index[v]
	if !ok {
		return nil
	}
	return c.Ordered[i].Parents
}

// ChildrenOf returns the (already-materialized) outgoing edges for v.
func (c *Cache) ChildrenOf(v arena.Handle) []topo.Connection {
	i, ok := c.index[v]
	if !ok {
		return nil
	}
	return c.Ordered[i].Children
}

// ParentsIn restricts ParentsOf to edges matching the given category mask
// (e.g. data-only for the scheduler, DSL-only for DSL handlers).
func (c *Cache) ParentsIn(v arena.Handle, mask Hierarchy) []topo.Connection {
	return filterMask(c.ParentsOf(v), mask)
}

// ChildrenIn restricts ChildrenOf to edges matching the given category mask.
func (c *Cache) ChildrenIn(v arena.Handle, mask Hierarchy) []topo.Connection {
	return filterMask(c.ChildrenOf(v), mask)
}

func filterMask(conns []topo.Connection, mask Hierarchy) []topo.Connection {
	var out []topo.Connection
	for _, con := range conns {
		if con.Flags&mask != 0 {
			out = append(out, con)
		}
	}
	return out
}

// ParentsByPort filters ParentsOf to those targeting the given dest port.
func (c *Cache) ParentsByPort(v arena.Handle, p port.ID) []topo.Connection {
	var out []topo.Connection
	for _, con := range c.ParentsOf(v) {
		if con.DestPort == p {
			out = append(out, con)
		}
	}
	return out
}

// ChildrenByPort filters ChildrenOf to those originating from the given
// source port.
func (c *Cache) ChildrenByPort(v arena.Handle, p port.ID) []topo.Connection {
	var out []topo.Connection
	for _, con := range c.ChildrenOf(v) {
		if con.SourcePort == p {
			out = append(out, con)
		}
	}
	return out
}

// IndexOf returns v's position in Ordered, or -1 if v isn't present.
func (c *Cache) IndexOf(v arena.Handle) int {
	i, ok := c.index[v]
	if !ok {
		return -1
	}
	return i
}

// RootIterator calls fn for every root vertex (zero incoming data/DSL
// edges), stopping early if fn returns false.
func (c *Cache) RootIterator(fn func(arena.Handle) bool) {
	for _, i := range c.Roots {
		if !fn(c.Ordered[i].Vertex) {
			return
		}
	}
}

// LeafIterator calls fn for every leaf vertex (zero outgoing data/DSL
// edges), stopping early if fn returns false.
func (c *Cache) LeafIterator(fn func(arena.Handle) bool) {
	for _, i := range c.Leaves {
		if !fn(c.Ordered[i].Vertex) {
			return
		}
	}
}

// IslandIterator calls fn once per island with the ordered slice of its
// members, stopping early if fn returns false.
func (c *Cache) IslandIterator(fn func(Island, []VertexEntry) bool) {
	for _, isl := range c.Islands {
		if !fn(isl, c.Ordered[isl.Offset:isl.Offset+isl.Count]) {
			return
		}
	}
}

// Dump renders the full ordered/islands structure for debugging: a developer
// staring at an unexpected traversal order pastes this into a bug report
// rather than stepping through Ordered by hand.
func (c *Cache) Dump() string {
	return spew.Sdump(c.Ordered, c.Islands, c.Roots, c.Leaves)
}
