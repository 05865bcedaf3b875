package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultNoveltyIgnoresWhitespaceAndCase(t *testing.T) {
	require.False(t, DefaultNovelty("The  Answer", "the answer"))
	require.True(t, DefaultNovelty("the answer", "another answer"))
}

func TestNoveltyFloorRequiresMinimumDifference(t *testing.T) {
	pred := NoveltyFloor(0.5)

	// Identical word sets: zero difference.
	require.False(t, pred("use a b tree", "use a b tree"))
	// Completely disjoint answers always pass.
	require.True(t, pred("use a hash map", "sort then binary search"))
	// Small edits to a long answer stay under a high floor.
	require.False(t, pred(
		"cache results in redis and invalidate on write",
		"cache results in redis and invalidate on update",
	))
}

func TestNoveltyFloorZeroFallsBackToDefault(t *testing.T) {
	pred := NoveltyFloor(0)
	require.False(t, pred("same text", "same  text"))
	require.True(t, pred("same text", "different text"))
}
