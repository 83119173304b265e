package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
)

func TestOpenStore_IsolatedPerTest(t *testing.T) {
	ctx := context.Background()
	a := OpenStore(t)
	b := OpenStore(t)

	_, err := a.Enqueue(ctx, ir.DirtyEntry{ObjectID: "1.2", Tenant: "acme", Action: ir.ActionModify})
	require.NoError(t, err)

	pending, err := b.Pending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOpenStore_WithStepClock(t *testing.T) {
	ctx := context.Background()
	clock := NewStepClock(start, time.Second)
	st := OpenStore(t, store.WithNow(clock.Now))

	_, err := st.Enqueue(ctx, ir.DirtyEntry{ObjectID: "1.2", Tenant: "acme", Action: ir.ActionCreate})
	require.NoError(t, err)

	pending, err := st.Pending(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].CreatedAt.Equal(start))
}
