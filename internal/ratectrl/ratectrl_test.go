package ratectrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvexHullDropsInadmissiblePoints(t *testing.T) {
	// Pass 2 contributes 10 bytes for only 1 unit of distortion gain, a
	// worse rate-distortion slope than going straight from pass 1 to pass
	// 3; it should be eliminated from the hull.
	passes := []PassRD{
		{Rate: 10, DistortionGain: 100},
		{Rate: 10, DistortionGain: 1},
		{Rate: 10, DistortionGain: 80},
	}
	hull := convexHull(passes)

	indices := make([]int, len(hull))
	for i, h := range hull {
		indices[i] = h.passIndex
	}
	assert.NotContains(t, indices, 1, "pass 1 has a dominated slope and should be eliminated")
	assert.Contains(t, indices, -1, "hull always starts at the empty-truncation origin")
	assert.Contains(t, indices, 2, "the final pass always survives the hull walk")
}

func TestConvexHullCollapsesZeroRateDeltas(t *testing.T) {
	// Two passes that cost nothing in rate but differ in distortion: only
	// the higher-distortion one should survive, since the other is
	// strictly dominated at the same byte cost.
	passes := []PassRD{
		{Rate: 0, DistortionGain: 5},
		{Rate: 0, DistortionGain: 12},
		{Rate: 20, DistortionGain: 50},
	}
	hull := convexHull(passes)

	for _, h := range hull {
		if h.rate == 0 && h.passIndex >= 0 {
			assert.Equal(t, 12.0, h.dist)
		}
	}
}

func TestConvexHullSinglePoint(t *testing.T) {
	hull := convexHull([]PassRD{{Rate: 100, DistortionGain: 50}})
	require.Len(t, hull, 2)
	assert.Equal(t, -1, hull[0].passIndex)
	assert.Equal(t, 0, hull[0].rate)
	assert.Equal(t, 0, hull[1].passIndex)
	assert.Equal(t, 100, hull[1].rate)
}

func TestConvexHullEmpty(t *testing.T) {
	hull := convexHull(nil)
	require.Len(t, hull, 1)
	assert.Equal(t, -1, hull[0].passIndex)
}

func TestSelectLayersMonotonicPassCounts(t *testing.T) {
	curves := []BlockCurve{
		{Passes: []PassRD{{Rate: 5, DistortionGain: 20}, {Rate: 5, DistortionGain: 15}, {Rate: 5, DistortionGain: 5}}},
		{Passes: []PassRD{{Rate: 8, DistortionGain: 30}, {Rate: 8, DistortionGain: 3}}},
	}
	layerTargets := []int{5, 13, 26}

	plans := SelectLayers(curves, layerTargets, false)
	require.Len(t, plans, len(layerTargets))

	for b := range curves {
		prev := 0
		for k, plan := range plans {
			assert.GreaterOrEqualf(t, plan.PassCount[b], prev,
				"block %d layer %d: pass count should never shrink relative to an earlier layer", b, k)
			prev = plan.PassCount[b]
		}
	}
}

func TestSelectLayersFinalLayerIncludesEveryBlock(t *testing.T) {
	// A single layer with a budget that only covers the steepest block's
	// first pass; greedy selection alone would leave B and C at zero
	// passes. The final-layer guarantee must still give them one each.
	curves := []BlockCurve{
		{Passes: []PassRD{{Rate: 1, DistortionGain: 1000}}},
		{Passes: []PassRD{{Rate: 5, DistortionGain: 5}}},
		{Passes: []PassRD{{Rate: 5, DistortionGain: 4}}},
	}
	layerTargets := []int{1}

	plans := SelectLayers(curves, layerTargets, false)
	last := plans[len(plans)-1]
	for b, c := range curves {
		if len(c.Passes) > 0 {
			assert.Greater(t, last.PassCount[b], 0, "block %d produced passes but was left out of the final layer", b)
		}
	}
}

func TestSelectLayersStrictNeverExceedsTarget(t *testing.T) {
	curves := []BlockCurve{
		{Passes: []PassRD{{Rate: 10, DistortionGain: 50}, {Rate: 10, DistortionGain: 5}}},
	}
	layerTargets := []int{5, 15}

	plans := SelectLayers(curves, layerTargets, true)
	require.Len(t, plans, 2)
	assert.Equal(t, 0, plans[0].PassCount[0], "a 5-byte strict budget can't afford the 10-byte first pass")
	assert.Equal(t, 1, plans[1].PassCount[0])
}

func TestSelectLayersEmptyCurve(t *testing.T) {
	curves := []BlockCurve{{}}
	plans := SelectLayers(curves, []int{10}, false)
	require.Len(t, plans, 1)
	assert.Equal(t, 0, plans[0].PassCount[0])
}

func TestSortBlocksByFinalRate(t *testing.T) {
	curves := []BlockCurve{
		{Passes: []PassRD{{Rate: 5}}},
		{Passes: []PassRD{{Rate: 50}}},
		{Passes: []PassRD{{Rate: 20}}},
	}
	order := SortBlocksByFinalRate(curves)
	assert.Equal(t, []int{1, 2, 0}, order)
}
