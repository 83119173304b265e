package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/meshsync/internal/ir"
)

type fakeObject struct {
	id   ir.GlobalID
	deps []ir.GlobalID
}

func (n fakeObject) objectID() ir.GlobalID    { return n.id }
func (n fakeObject) dependsOn() []ir.GlobalID { return n.deps }

func ids(nodes []fakeObject) []ir.GlobalID {
	out := make([]ir.GlobalID, len(nodes))
	for i, n := range nodes {
		out[i] = n.id
	}
	return out
}

func TestDependencyOrder_KeepsInputOrderWithoutDeps(t *testing.T) {
	got := dependencyOrder([]fakeObject{{id: "c"}, {id: "a"}, {id: "b"}})
	assert.Equal(t, []ir.GlobalID{"c", "a", "b"}, ids(got))
}

func TestDependencyOrder_ParentBeforeChild(t *testing.T) {
	got := dependencyOrder([]fakeObject{
		{id: "child", deps: []ir.GlobalID{"parent"}},
		{id: "other"},
		{id: "parent"},
	})
	assert.Equal(t, []ir.GlobalID{"other", "parent", "child"}, ids(got))
}

func TestDependencyOrder_ReferencesAndChains(t *testing.T) {
	got := dependencyOrder([]fakeObject{
		{id: "a", deps: []ir.GlobalID{"b"}},
		{id: "b", deps: []ir.GlobalID{"c"}},
		{id: "c"},
	})
	assert.Equal(t, []ir.GlobalID{"c", "b", "a"}, ids(got))
}

func TestDependencyOrder_IgnoresOutsideAndSelf(t *testing.T) {
	got := dependencyOrder([]fakeObject{
		{id: "a", deps: []ir.GlobalID{"elsewhere", "a"}},
		{id: "b"},
	})
	assert.Equal(t, []ir.GlobalID{"a", "b"}, ids(got))
}

func TestDependencyOrder_MutualReferencesTerminate(t *testing.T) {
	got := dependencyOrder([]fakeObject{
		{id: "x"},
		{id: "a", deps: []ir.GlobalID{"b"}},
		{id: "b", deps: []ir.GlobalID{"a"}},
	})
	assert.Equal(t, []ir.GlobalID{"x", "a", "b"}, ids(got))
}
