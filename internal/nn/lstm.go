package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LSTMCell is a single LSTM layer applied one timestep at a time. Gate
// pre-activations are stored in i, f, g, o order:
//
//	pre = Wx*x + Wh*h + b
//	i = sigmoid(pre[0:H])    input gate
//	f = sigmoid(pre[H:2H])   forget gate
//	g = tanh(pre[2H:3H])     candidate cell
//	o = sigmoid(pre[3H:4H])  output gate
//	c' = f*c + i*g
//	h' = o*tanh(c')
type LSTMCell struct {
	In, Hidden int
	Wx         *Param // 4H x In
	Wh         *Param // 4H x H
	B          *Param // 4H
}

// NewLSTMCell creates one LSTM layer with scaled random weights.
func NewLSTMCell(in, hidden int, rng *rand.Rand) *LSTMCell {
	return &LSTMCell{
		In:     in,
		Hidden: hidden,
		Wx:     NewParam(4*hidden, in, rng),
		Wh:     NewParam(4*hidden, hidden, rng),
		B:      NewZeros(4 * hidden),
	}
}

// Params returns the cell's learnable tensors.
func (c *LSTMCell) Params() []*Param { return []*Param{c.Wx, c.Wh, c.B} }

// StepState captures everything StepBackward needs about one timestep. Step
// copies its inputs into the state, so callers may reuse their input buffers
// between steps.
type StepState struct {
	X     []float64 // input, len In
	HPrev []float64 // previous hidden, len H
	CPrev []float64 // previous cell, len H
	I     []float64 // gate activations, len H each
	F     []float64
	G     []float64
	O     []float64
	C     []float64 // new cell state
	TanhC []float64
	H     []float64 // new hidden state
}

func ensureLen(buf []float64, n int) []float64 {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]float64, n)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Step runs one timestep and records the activations in st. The new hidden
// and cell states are st.H and st.C.
func (c *LSTMCell) Step(x, hPrev, cPrev []float64, st *StepState) {
	h := c.Hidden

	st.X = ensureLen(st.X, c.In)
	copy(st.X, x)
	st.HPrev = ensureLen(st.HPrev, h)
	copy(st.HPrev, hPrev)
	st.CPrev = ensureLen(st.CPrev, h)
	copy(st.CPrev, cPrev)

	// pre = Wx*x + Wh*hPrev + b
	pre := make([]float64, 4*h)
	pv := mat.NewVecDense(4*h, pre)
	pv.MulVec(mat.NewDense(4*h, c.In, c.Wx.Data), mat.NewVecDense(c.In, st.X))
	tmp := make([]float64, 4*h)
	tv := mat.NewVecDense(4*h, tmp)
	tv.MulVec(mat.NewDense(4*h, h, c.Wh.Data), mat.NewVecDense(h, st.HPrev))
	floats.Add(pre, tmp)
	floats.Add(pre, c.B.Data)

	st.I = ensureLen(st.I, h)
	st.F = ensureLen(st.F, h)
	st.G = ensureLen(st.G, h)
	st.O = ensureLen(st.O, h)
	st.C = ensureLen(st.C, h)
	st.TanhC = ensureLen(st.TanhC, h)
	st.H = ensureLen(st.H, h)

	for j := 0; j < h; j++ {
		st.I[j] = sigmoid(pre[j])
		st.F[j] = sigmoid(pre[h+j])
		st.G[j] = math.Tanh(pre[2*h+j])
		st.O[j] = sigmoid(pre[3*h+j])
		st.C[j] = st.F[j]*st.CPrev[j] + st.I[j]*st.G[j]
		st.TanhC[j] = math.Tanh(st.C[j])
		st.H[j] = st.O[j] * st.TanhC[j]
	}
}

// StepBackward backpropagates one timestep. dh and dc are the incoming
// gradients w.r.t. st.H and st.C (dc may be nil when no gradient flows in
// through the cell path). Parameter gradients accumulate into the cell's
// Params; dx, dhPrev and dcPrev likewise accumulate and must be zeroed by the
// caller at sequence boundaries. Any of them may be nil.
func (c *LSTMCell) StepBackward(st *StepState, dh, dc, dx, dhPrev, dcPrev []float64) {
	h := c.Hidden
	dpre := make([]float64, 4*h)

	for j := 0; j < h; j++ {
		dcj := dh[j] * st.O[j] * (1 - st.TanhC[j]*st.TanhC[j])
		if dc != nil {
			dcj += dc[j]
		}
		doj := dh[j] * st.TanhC[j]
		dij := dcj * st.G[j]
		dfj := dcj * st.CPrev[j]
		dgj := dcj * st.I[j]

		dpre[j] = dij * st.I[j] * (1 - st.I[j])
		dpre[h+j] = dfj * st.F[j] * (1 - st.F[j])
		dpre[2*h+j] = dgj * (1 - st.G[j]*st.G[j])
		dpre[3*h+j] = doj * st.O[j] * (1 - st.O[j])

		if dcPrev != nil {
			dcPrev[j] += dcj * st.F[j]
		}
	}

	for r := 0; r < 4*h; r++ {
		floats.AddScaled(c.Wx.GradRow(r), dpre[r], st.X)
		floats.AddScaled(c.Wh.GradRow(r), dpre[r], st.HPrev)
	}
	floats.Add(c.B.Grad, dpre)

	if dx != nil {
		for r := 0; r < 4*h; r++ {
			floats.AddScaled(dx, dpre[r], c.Wx.Row(r))
		}
	}
	if dhPrev != nil {
		for r := 0; r < 4*h; r++ {
			floats.AddScaled(dhPrev, dpre[r], c.Wh.Row(r))
		}
	}
}
