package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

func entry(seq int64, id string, action ir.Action, attrs ...string) ir.DirtyEntry {
	return ir.DirtyEntry{Seq: seq, ObjectID: ir.GlobalID(id), ObjectType: "page", Tenant: "acme", Action: action, Attributes: attrs}
}

func TestCoalesce_OrderOfFirstAppearance(t *testing.T) {
	got := coalesce([]ir.DirtyEntry{
		entry(1, "b", ir.ActionCreate),
		entry(2, "a", ir.ActionCreate),
		entry(3, "b", ir.ActionModify),
	})
	require.Len(t, got, 2)
	assert.Equal(t, ir.GlobalID("b"), got[0].ID)
	assert.Equal(t, ir.GlobalID("a"), got[1].ID)
	assert.Equal(t, int64(1), got[0].FirstSeq)
	assert.Equal(t, int64(3), got[0].MaxSeq)
}

func TestCoalesce_LastActionWins(t *testing.T) {
	got := coalesce([]ir.DirtyEntry{
		entry(1, "a", ir.ActionCreate),
		entry(2, "a", ir.ActionDelete),
		entry(3, "a", ir.ActionCreate),
	})
	require.Len(t, got, 1)
	assert.Equal(t, ir.ActionCreate, got[0].Action)
}

func TestCoalesce_DependencyNeverSupersedes(t *testing.T) {
	got := coalesce([]ir.DirtyEntry{
		entry(1, "a", ir.ActionDelete),
		entry(2, "a", ir.ActionDependency),
	})
	require.Len(t, got, 1)
	assert.Equal(t, ir.ActionDelete, got[0].Action)
	assert.Equal(t, int64(2), got[0].MaxSeq)

	only := coalesce([]ir.DirtyEntry{entry(5, "b", ir.ActionDependency)})
	assert.Equal(t, ir.ActionDependency, only[0].Action)
}

func TestCoalesce_AttributeUnion(t *testing.T) {
	got := coalesce([]ir.DirtyEntry{
		entry(1, "a", ir.ActionModify, "title"),
		entry(2, "a", ir.ActionModify, "body", "title"),
	})
	assert.Equal(t, []string{"body", "title"}, got[0].Attributes)

	// An entry without a subset means every attribute changed.
	all := coalesce([]ir.DirtyEntry{
		entry(1, "a", ir.ActionModify, "title"),
		entry(2, "a", ir.ActionModify),
		entry(3, "a", ir.ActionModify, "body"),
	})
	assert.Nil(t, all[0].Attributes)
}

func TestCoalesce_Attempts(t *testing.T) {
	e1 := entry(1, "a", ir.ActionModify)
	e1.Attempts = 2
	e2 := entry(2, "a", ir.ActionModify)
	got := coalesce([]ir.DirtyEntry{e1, e2})
	assert.Equal(t, 2, got[0].Attempts)
}
