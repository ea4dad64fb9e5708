package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer y = Wx + b.
type Linear struct {
	In, Out int
	W       *Param // Out x In
	B       *Param // Out
}

// NewLinear creates a linear layer with scaled random weights and zero bias.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   NewParam(out, in, rng),
		B:   NewZeros(out),
	}
}

// Params returns the layer's learnable tensors.
func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }

// Forward writes Wx + b into y. len(x) must be In and len(y) must be Out;
// x and y must not alias.
func (l *Linear) Forward(x, y []float64) {
	w := mat.NewDense(l.Out, l.In, l.W.Data)
	yv := mat.NewVecDense(l.Out, y)
	yv.MulVec(w, mat.NewVecDense(l.In, x))
	floats.Add(y, l.B.Data)
}

// Backward accumulates parameter gradients for the forward call that consumed
// x and produced dy upstream, and adds the input gradient W^T dy into dx.
// Pass a nil dx when the input gradient is not needed.
func (l *Linear) Backward(x, dy, dx []float64) {
	for r := 0; r < l.Out; r++ {
		floats.AddScaled(l.W.GradRow(r), dy[r], x)
	}
	floats.Add(l.B.Grad, dy)
	if dx != nil {
		for r := 0; r < l.Out; r++ {
			floats.AddScaled(dx, dy[r], l.W.Row(r))
		}
	}
}
