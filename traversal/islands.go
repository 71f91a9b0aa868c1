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

package traversal

// islandElem is one element of a disjoint-set (union-find) forest, used by
// Rebuild to partition vertices into islands before each island is
// independently topo-sorted. Union by rank plus path compression in Find
// keeps both operations close to constant time.
type islandElem[T any] struct {
	data T

	// parent points to this element's parent in the forest, or to itself
	// if this element is a set's representative (root).
	parent *islandElem[T]

	// rank bounds the element's subtree height, used to keep the
	// smaller tree hanging off the larger one during Union.
	rank int
}

// newIslandElem returns a new element in its own singleton set.
func newIslandElem[T any](data T) *islandElem[T] {
	e := &islandElem[T]{data: data}
	e.parent = e
	return e
}

// union merges e's set with other's set. A no-op if they're already the
// same set.
func (e *islandElem[T]) union(other *islandElem[T]) {
	root1 := e.find()
	root2 := other.find()
	if root1 == root2 {
		return
	}
	switch {
	case root1.rank < root2.rank:
		root1.parent = root2
	case root1.rank > root2.rank:
		root2.parent = root1
	default:
		root1.rank++
		root2.parent = root1
	}
}

// find returns the representative element of e's set, compressing the path
// from e to the root along the way.
func (e *islandElem[T]) find() *islandElem[T] {
	for e != e.parent {
		e.parent = e.parent.parent
		e = e.parent
	}
	return e
}
