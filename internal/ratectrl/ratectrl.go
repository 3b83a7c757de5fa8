// Package ratectrl implements post-compression rate-distortion optimization
// (PCRD-opt), the algorithm spec.md §4.8 requires and the teacher codec does
// not implement: the teacher's encoder concatenates every Tier-1 coding pass
// for every code-block into the tile with no truncation at all, so its
// codestreams carry exactly one (implicit, untruncated) layer. This package
// supplies the missing truncation-point search.
//
// The distortion estimator is norm-based (squared quantization step scaled
// by block sample count), the default spec.md §9's Open Question on distortion
// estimator choice calls for.
//
// BlockCurve is expressed per coding pass, but in practice only the final
// pass carries a non-zero rate: this module's MQ coder is never terminated
// between passes within a code-block (no TERMALL, Part 1 Table 7.4, the
// mode switch cocosip-go-dicom-codec's encoder turns on for exactly this
// purpose), so no byte offset before the end of a block's data is a valid
// decode resume point. SelectLayers and convexHull are written to operate
// on a general per-pass curve so that adding real TERMALL-backed pass
// lengths later is a matter of feeding richer curves in, not rewriting the
// selection algorithm; until then, PCRD-opt here only ever chooses whether
// a block's data is fully included by a given layer.
package ratectrl

import (
	"container/heap"

	"golang.org/x/exp/slices"
)

// PassRD describes one coding pass's contribution to a code-block's
// embedded bitstream: its size in bytes and the estimated reduction in
// squared-error distortion gained by including it.
type PassRD struct {
	Rate           int
	DistortionGain float64
}

// BlockCurve is one code-block's ordered sequence of coding passes, from
// which a truncation (rate, distortion) curve is derived.
type BlockCurve struct {
	Passes []PassRD
}

// hullPoint is a vertex of a block's upper convex hull in (rate, cumulative
// distortion gain) space: the set of truncation points PCRD-opt will ever
// choose, since any non-hull point is dominated by some combination of its
// neighbors.
type hullPoint struct {
	passIndex int // 0-based index of the last pass included, inclusive
	rate      int
	dist      float64
}

func convexHull(passes []PassRD) []hullPoint {
	pts := make([]hullPoint, 0, len(passes)+1)
	pts = append(pts, hullPoint{passIndex: -1, rate: 0, dist: 0})
	cumRate, cumDist := 0, 0.0
	for i, p := range passes {
		cumRate += p.Rate
		cumDist += p.DistortionGain
		pts = append(pts, hullPoint{passIndex: i, rate: cumRate, dist: cumDist})
	}

	// Upper convex hull by rate: repeatedly drop the middle point of any
	// triple whose slope does not strictly decrease, which is exactly the
	// EBCOT "inadmissible point" elimination step of PCRD-opt.
	hull := make([]hullPoint, 0, len(pts))
	for _, pt := range pts {
		for len(hull) >= 2 {
			a, b := hull[len(hull)-2], hull[len(hull)-1]
			if slope(a, b) <= slope(b, pt) {
				hull = hull[:len(hull)-1]
				continue
			}
			break
		}
		// Skip points with zero rate delta from the last kept point
		// (duplicate/degenerate passes contribute nothing truncatable).
		if len(hull) > 0 && pt.rate == hull[len(hull)-1].rate {
			if pt.dist > hull[len(hull)-1].dist {
				hull[len(hull)-1] = pt
			}
			continue
		}
		hull = append(hull, pt)
	}
	return hull
}

func slope(a, b hullPoint) float64 {
	dr := b.rate - a.rate
	if dr <= 0 {
		return 0
	}
	return (b.dist - a.dist) / float64(dr)
}

// segment is a candidate increment from one hull point to the next for a
// given block, used as the priority-queue element during greedy selection.
type segment struct {
	block    int
	hullIdx  int // index into that block's hull of the point this segment arrives at
	slope    float64
	rate     int
	dist     float64
}

type segmentHeap []segment

func (h segmentHeap) Len() int            { return len(h) }
func (h segmentHeap) Less(i, j int) bool  { return h[i].slope > h[j].slope }
func (h segmentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *segmentHeap) Push(x interface{}) { *h = append(*h, x.(segment)) }
func (h *segmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// LayerPlan gives, for one quality layer and one code-block, the number of
// coding passes included cumulatively through that layer (spec.md §4.8:
// "layer k's contribution in a code-block equals the passes between layer
// k-1's truncation point and layer k's").
type LayerPlan struct {
	// PassCount[b] is the cumulative number of passes from block b
	// included up to and including this layer.
	PassCount []int
}

// SelectLayers partitions each block's coding passes into len(layerTargets)
// cumulative layers whose cumulative byte rate is at most layerTargets[k]
// (strict) or close to it from below (non-strict allows a small overshoot
// to avoid leaving a layer with zero new content, per spec.md §4.8: "at
// least one contribution per included code-block is required").
//
// layerTargets must be non-decreasing cumulative byte budgets.
func SelectLayers(curves []BlockCurve, layerTargets []int, strict bool) []LayerPlan {
	hulls := make([][]hullPoint, len(curves))
	for i, c := range curves {
		hulls[i] = convexHull(c.Passes)
	}

	cur := make([]int, len(curves)) // current hull index per block (0 = nothing included)
	plans := make([]LayerPlan, len(layerTargets))

	var h segmentHeap
	pushNext := func(block int) {
		h2 := hulls[block]
		if cur[block]+1 >= len(h2) {
			return
		}
		from, to := h2[cur[block]], h2[cur[block]+1]
		heap.Push(&h, segment{
			block:   block,
			hullIdx: cur[block] + 1,
			slope:   slope(from, to),
			rate:    to.rate - from.rate,
			dist:    to.dist - from.dist,
		})
	}

	for b := range curves {
		pushNext(b)
	}

	totalRate := 0
	for k, target := range layerTargets {
		for h.Len() > 0 {
			top := h[0]
			if strict && totalRate+top.rate > target {
				break
			}
			heap.Pop(&h)
			cur[top.block] = top.hullIdx
			totalRate += top.rate
			pushNext(top.block)
			if !strict && totalRate >= target {
				break
			}
		}

		plan := LayerPlan{PassCount: make([]int, len(curves))}
		for b := range curves {
			hullPt := hulls[b][cur[b]]
			if hullPt.passIndex < 0 {
				plan.PassCount[b] = 0
			} else {
				plan.PassCount[b] = hullPt.passIndex + 1
			}
		}
		plans[k] = plan
	}

	// Guarantee every code-block that produced at least one pass
	// contributes to the final layer, avoiding the empty-contribution
	// encoding path spec.md §4.8 forbids.
	if len(plans) > 0 {
		last := &plans[len(plans)-1]
		for b, c := range curves {
			if len(c.Passes) > 0 && last.PassCount[b] == 0 {
				last.PassCount[b] = 1
			}
		}
	}
	return plans
}

// SortBlocksByFinalRate returns code-block indices ordered by total pass
// rate, largest first; it does not affect selection.
func SortBlocksByFinalRate(curves []BlockCurve) []int {
	idx := make([]int, len(curves))
	for i := range idx {
		idx[i] = i
	}
	totalRate := func(c BlockCurve) int {
		r := 0
		for _, p := range c.Passes {
			r += p.Rate
		}
		return r
	}
	slices.SortFunc(idx, func(a, b int) int {
		return totalRate(curves[b]) - totalRate(curves[a])
	})
	return idx
}
