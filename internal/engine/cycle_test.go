package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Wait-graph cycle analysis
// =============================================================================

func TestSwapCycles_Empty(t *testing.T) {
	assert.Empty(t, swapCycles(waitGraph{}))
}

func TestSwapCycles_ChainIsNotACycle(t *testing.T) {
	g := waitGraph{
		"a/en": {"b/en"},
		"b/en": {"c/en"},
	}
	assert.Empty(t, swapCycles(g))
}

func TestSwapCycles_TwoWaySwap(t *testing.T) {
	g := waitGraph{
		"b/en": {"a/en"},
		"a/en": {"b/en"},
	}
	assert.Equal(t, [][]string{{"a/en", "b/en"}}, swapCycles(g))
}

func TestSwapCycles_ThreeWayRotation(t *testing.T) {
	g := waitGraph{
		"a/en": {"b/en"},
		"b/en": {"c/en"},
		"c/en": {"a/en"},
	}
	assert.Equal(t, [][]string{{"a/en", "b/en", "c/en"}}, swapCycles(g))
}

func TestSwapCycles_SeparateCyclesSorted(t *testing.T) {
	g := waitGraph{
		"x/en": {"y/en"},
		"y/en": {"x/en"},
		"a/de": {"b/de"},
		"b/de": {"a/de"},
		// A waiter feeding into a cycle is not part of it.
		"z/en": {"x/en"},
	}
	assert.Equal(t, [][]string{{"a/de", "b/de"}, {"x/en", "y/en"}}, swapCycles(g))
}

func TestSwapCycles_Deterministic(t *testing.T) {
	g := waitGraph{
		"a/en": {"b/en"},
		"b/en": {"c/en"},
		"c/en": {"a/en"},
		"d/en": {"e/en"},
		"e/en": {"d/en"},
	}
	first := swapCycles(g)
	for range 20 {
		assert.Equal(t, first, swapCycles(g))
	}
}
