// Package nn provides the small neural-network substrate the trajectory
// model is built from: flat float64 parameter tensors, linear and LSTM
// layers with explicit forward/backward passes, and the Adam optimizer.
//
// There is no general autodiff graph. The model's architecture is fixed, so
// every layer exposes a hand-written backward pass and callers keep the
// per-step activation state needed to run it. Gradients always accumulate:
// callers zero them between optimizer steps.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Param is one learnable tensor stored row-major with its gradient
// accumulator. Vectors use Cols == 1.
type Param struct {
	Rows, Cols int
	Data       []float64
	Grad       []float64
}

// NewParam allocates a Rows x Cols parameter initialized uniformly in
// (-scale, scale) with scale = sqrt(2 / fanIn), fanIn being the input width
// the tensor multiplies.
func NewParam(rows, cols int, rng *rand.Rand) *Param {
	p := &Param{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
	scale := math.Sqrt(2.0 / float64(cols))
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * scale
	}
	return p
}

// NewZeros allocates a zero-initialized vector parameter, used for biases.
func NewZeros(n int) *Param {
	return &Param{
		Rows: n,
		Cols: 1,
		Data: make([]float64, n),
		Grad: make([]float64, n),
	}
}

// Size returns the number of scalars in the parameter.
func (p *Param) Size() int { return len(p.Data) }

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Row returns the i-th row of the parameter data.
func (p *Param) Row(i int) []float64 {
	return p.Data[i*p.Cols : (i+1)*p.Cols]
}

// GradRow returns the i-th row of the gradient accumulator.
func (p *Param) GradRow(i int) []float64 {
	return p.Grad[i*p.Cols : (i+1)*p.Cols]
}

// CountParams returns the total scalar count across params.
func CountParams(params []*Param) int {
	var n int
	for _, p := range params {
		n += p.Size()
	}
	return n
}

// ZeroGrads clears every gradient accumulator in params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// GradNorm returns the global L2 norm over all gradients in params.
func GradNorm(params []*Param) float64 {
	var sq float64
	for _, p := range params {
		sq += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sq)
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// maxNorm, and returns the norm measured before clipping. Sequential decoders
// can produce occasional large gradients through the autoregressive chain;
// clipping keeps single batches from destabilizing training.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			floats.Scale(scale, p.Grad)
		}
	}
	return norm
}
