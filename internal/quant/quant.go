// Package quant implements the scalar dead-zone quantizer of spec.md §4.5.
//
// dwt.Quantize/Dequantize (kept from the teacher) round wavelet coefficients
// to the nearest multiple of a step size; that is the right operation for
// turning floating-point 9/7 output into integers, but it is not the
// dead-zone quantizer the standard specifies for subband coding, whose zero
// bin is twice as wide as every other bin and whose reconstruction places
// samples at bin centers rather than at a rounded multiple. This package
// supplies that layer, plus the optional per-sample ROI magnitude shift
// spec.md §4.5 describes.
package quant

import "math"

// StepSize computes the quantization step for one subband given the base
// step (from QCD/QCC's mantissa/exponent encoding) and the subband's
// resolution level and band type, following the standard's per-level gain:
// LL/LH/HL subbands at level r use a step scaled by 2^(maxLevel-r), with an
// additional √2 gain for HH subbands (Annex E.1).
func StepSize(baseStep float64, level, maxLevel int, isHH bool) float64 {
	gain := math.Pow(2, float64(maxLevel-level))
	if isHH {
		gain *= math.Sqrt2
	}
	return baseStep * gain
}

// Forward quantizes one subband's coefficients with a dead zone: the zero
// bin spans (-stepSize, stepSize), twice the width of every other bin, per
// spec.md §4.5. reversible selects the trivial reversible path (step size
// exactly 1, no dead zone, used only with the 5/3 filter); the quantized
// value is then numerically identical to the input.
func Forward(data []float64, stepSize float64, reversible bool) []int32 {
	out := make([]int32, len(data))
	if reversible {
		for i, v := range data {
			out[i] = int32(math.Round(v))
		}
		return out
	}
	inv := 1.0 / stepSize
	for i, v := range data {
		out[i] = int32(v * inv) // truncation toward zero widens the zero bin
	}
	return out
}

// Inverse reconstructs samples at bin centers (irreversible) or returns the
// integer values unchanged (reversible, step size exactly 1 — "this path
// must be bit-exact" per spec.md §4.5).
func Inverse(data []int32, stepSize float64, reversible bool) []float64 {
	out := make([]float64, len(data))
	if reversible {
		for i, v := range data {
			out[i] = float64(v)
		}
		return out
	}
	for i, v := range data {
		if v > 0 {
			out[i] = (float64(v) + 0.5) * stepSize
		} else if v < 0 {
			out[i] = (float64(v) - 0.5) * stepSize
		} else {
			out[i] = 0
		}
	}
	return out
}

// ROIShift raises the effective magnitude of samples inside mask by
// shifting their quantized value left by shiftBits, so they survive
// truncation at low quality layers (spec.md §4.5's "Maxshift" scaling
// method, the form of ROI coding the standard requires decoders to
// support). mask is indexed identically to data (row-major, subband-local
// coordinates). The inverse must run before reconstruction proceeds to
// dequantization.
func ROIShift(data []int32, mask []bool, shiftBits int) {
	if shiftBits <= 0 {
		return
	}
	for i, v := range data {
		if i < len(mask) && mask[i] {
			if v >= 0 {
				data[i] = v << uint(shiftBits)
			} else {
				data[i] = -((-v) << uint(shiftBits))
			}
		}
	}
}

// ROIUnshift reverses ROIShift during decode once the maximum magnitude
// shift for the tile-component is known (derived from the RGN marker's
// region shift value).
func ROIUnshift(data []int32, mask []bool, shiftBits int) {
	if shiftBits <= 0 {
		return
	}
	for i, v := range data {
		if i < len(mask) && mask[i] {
			if v >= 0 {
				data[i] = v >> uint(shiftBits)
			} else {
				data[i] = -((-v) >> uint(shiftBits))
			}
		}
	}
}
