package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaEnforcer_WithinLimit(t *testing.T) {
	q := NewQuotaEnforcer(3)
	for i := range 3 {
		assert.NoError(t, q.Check("run-1"), "pass %d should be allowed", i+1)
	}
	assert.Equal(t, 3, q.Current())
}

func TestQuotaEnforcer_ExceedsLimit(t *testing.T) {
	q := NewQuotaEnforcer(2)
	require.NoError(t, q.Check("run-1"))
	require.NoError(t, q.Check("run-1"))

	err := q.Check("run-1")
	require.Error(t, err)
	assert.True(t, IsPassesExceededError(err))

	var pe *PassesExceededError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "run-1", pe.RunID)
	assert.Equal(t, 3, pe.Passes)
	assert.Equal(t, 2, pe.Limit)
	assert.Contains(t, err.Error(), "did not converge")
}

func TestIsPassesExceededError_Wrapped(t *testing.T) {
	err := fmt.Errorf("upsert: %w", &PassesExceededError{RunID: "r", Passes: 5, Limit: 4})
	assert.True(t, IsPassesExceededError(err))
	assert.False(t, IsPassesExceededError(fmt.Errorf("other")))
}

func TestPassLimit(t *testing.T) {
	assert.Equal(t, 1, PassLimit(0))
	assert.Equal(t, 41, PassLimit(20))
}
