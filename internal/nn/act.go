package nn

import (
	"math"
	"math/rand"
)

// ReLU writes max(0, x) into y. x and y may alias. NaN passes through
// rather than clamping to zero so corrupted activations stay visible to
// downstream finiteness checks.
func ReLU(x, y []float64) {
	for i, v := range x {
		if v > 0 || math.IsNaN(v) {
			y[i] = v
		} else {
			y[i] = 0
		}
	}
}

// ReLUBackward adds the gradient through a ReLU into dx, given the forward
// input x and the upstream gradient dy.
func ReLUBackward(x, dy, dx []float64) {
	for i, v := range x {
		if v > 0 {
			dx[i] += dy[i]
		}
	}
}

// DropoutMask returns an inverted-dropout mask of length n: each entry is 0
// with probability rate, otherwise 1/(1-rate) so activations keep their
// expected scale. A rate outside (0, 1) yields a nil mask, meaning identity.
func DropoutMask(n int, rate float64, rng *rand.Rand) []float64 {
	if rate <= 0 || rate >= 1 {
		return nil
	}
	keep := 1 / (1 - rate)
	mask := make([]float64, n)
	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}

// ApplyMask multiplies x by a dropout mask in place. A nil mask is identity,
// which is also the inference path.
func ApplyMask(x, mask []float64) {
	if mask == nil {
		return
	}
	for i := range x {
		x[i] *= mask[i]
	}
}
