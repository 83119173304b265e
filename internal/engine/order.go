package engine

import (
	"slices"

	"github.com/roach88/meshsync/internal/ir"
)

// orderable is what dependency ordering needs to know about an object.
type orderable interface {
	objectID() ir.GlobalID
	dependsOn() []ir.GlobalID
}

// dependencyOrder sorts items so that every item comes after the items it
// depends on, using Kahn's algorithm. Dependencies outside items are
// ignored. Among ready items the input order wins. A dependency cycle
// (two objects referencing each other) is broken by taking the earliest
// remaining item.
func dependencyOrder[T orderable](items []T) []T {
	pos := make(map[ir.GlobalID]int, len(items))
	for i, it := range items {
		pos[it.objectID()] = i
	}

	indegree := make([]int, len(items))
	dependents := make([][]int, len(items))
	for i, it := range items {
		seen := make(map[int]bool)
		for _, dep := range it.dependsOn() {
			j, ok := pos[dep]
			if !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i := range items {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]T, 0, len(items))
	done := make([]bool, len(items))
	for len(out) < len(items) {
		if len(ready) == 0 {
			for i := range items {
				if !done[i] {
					ready = append(ready, i)
					break
				}
			}
		}
		i := ready[0]
		ready = ready[1:]
		if done[i] {
			continue
		}
		done[i] = true
		out = append(out, items[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 && !done[d] {
				at, _ := slices.BinarySearch(ready, d)
				ready = slices.Insert(ready, at, d)
			}
		}
	}
	return out
}
