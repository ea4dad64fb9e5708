package cvae

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/kestrel-data/skypath/internal/nn"
)

// Encoder compresses a full trajectory into the parameters of a diagonal
// Gaussian over the latent space. It runs a stacked bidirectional LSTM over
// the waypoint sequence, concatenates the last layer's final forward and
// backward hidden states, and projects that through two linear heads to
// produce mu and logvar.
type Encoder struct {
	cfg ModelConfig
	fwd []*nn.LSTMCell // one per layer, reads the sequence left to right
	bwd []*nn.LSTMCell // one per layer, reads the sequence right to left
	mu  *nn.Linear     // 2H -> latent
	lv  *nn.Linear     // 2H -> latent
}

// NewEncoder builds an encoder with freshly initialized weights. Layers
// above the first consume the concatenated forward and backward hidden
// states of the layer below, so their input width is 2H.
func NewEncoder(cfg ModelConfig, rng *rand.Rand) *Encoder {
	e := &Encoder{
		cfg: cfg,
		fwd: make([]*nn.LSTMCell, cfg.NumLayers),
		bwd: make([]*nn.LSTMCell, cfg.NumLayers),
	}
	for l := 0; l < cfg.NumLayers; l++ {
		in := cfg.InputDim
		if l > 0 {
			in = 2 * cfg.HiddenDim
		}
		e.fwd[l] = nn.NewLSTMCell(in, cfg.HiddenDim, rng)
		e.bwd[l] = nn.NewLSTMCell(in, cfg.HiddenDim, rng)
	}
	e.mu = nn.NewLinear(2*cfg.HiddenDim, cfg.LatentDim, rng)
	e.lv = nn.NewLinear(2*cfg.HiddenDim, cfg.LatentDim, rng)
	return e
}

// Params returns the encoder's tensors in a fixed order so optimizer state
// and serialized weights stay aligned across runs.
func (e *Encoder) Params() []*nn.Param {
	var ps []*nn.Param
	for l := range e.fwd {
		ps = append(ps, e.fwd[l].Params()...)
		ps = append(ps, e.bwd[l].Params()...)
	}
	ps = append(ps, e.mu.Params()...)
	ps = append(ps, e.lv.Params()...)
	return ps
}

// encState caches one sample's forward pass for backpropagation.
type encState struct {
	fwd [][]nn.StepState // [layer][t], t in original sequence order
	bwd [][]nn.StepState // [layer][k], k in processing order; original index is S-1-k
	// masks[l][t] is the dropout mask applied to layer l's output at step t
	// before layer l+1 consumed it. Nil in eval mode.
	masks  [][][]float64
	concat []float64 // final [fwd hidden; bwd hidden] of the last layer
	mu     []float64
	logvar []float64
}

// forward encodes one sequence of InputDim-wide vectors. In training mode it
// samples fresh dropout masks between stacked layers; in eval mode dropout
// is identity.
func (e *Encoder) forward(seq [][]float64, train bool, rng *rand.Rand) *encState {
	S := len(seq)
	H := e.cfg.HiddenDim
	L := e.cfg.NumLayers

	st := &encState{
		fwd:   make([][]nn.StepState, L),
		bwd:   make([][]nn.StepState, L),
		masks: make([][][]float64, L-1),
	}
	zeroState := make([]float64, H)

	curIn := seq
	for l := 0; l < L; l++ {
		st.fwd[l] = make([]nn.StepState, S)
		st.bwd[l] = make([]nn.StepState, S)

		hPrev, cPrev := zeroState, zeroState
		for t := 0; t < S; t++ {
			e.fwd[l].Step(curIn[t], hPrev, cPrev, &st.fwd[l][t])
			hPrev, cPrev = st.fwd[l][t].H, st.fwd[l][t].C
		}
		hPrev, cPrev = zeroState, zeroState
		for k := 0; k < S; k++ {
			e.bwd[l].Step(curIn[S-1-k], hPrev, cPrev, &st.bwd[l][k])
			hPrev, cPrev = st.bwd[l][k].H, st.bwd[l][k].C
		}

		if l < L-1 {
			next := make([][]float64, S)
			var masks [][]float64
			if train && e.cfg.LSTMDropout > 0 {
				masks = make([][]float64, S)
			}
			for t := 0; t < S; t++ {
				v := make([]float64, 2*H)
				copy(v[:H], st.fwd[l][t].H)
				copy(v[H:], st.bwd[l][S-1-t].H)
				if masks != nil {
					masks[t] = nn.DropoutMask(2*H, e.cfg.LSTMDropout, rng)
					nn.ApplyMask(v, masks[t])
				}
				next[t] = v
			}
			st.masks[l] = masks
			curIn = next
		}
	}

	// The backward direction finishes on the first waypoint, so its final
	// state is the last processing step.
	st.concat = make([]float64, 2*H)
	copy(st.concat[:H], st.fwd[L-1][S-1].H)
	copy(st.concat[H:], st.bwd[L-1][S-1].H)

	st.mu = make([]float64, e.cfg.LatentDim)
	st.logvar = make([]float64, e.cfg.LatentDim)
	e.mu.Forward(st.concat, st.mu)
	e.lv.Forward(st.concat, st.logvar)
	return st
}

// backward accumulates parameter gradients for one encoded sample given the
// gradients w.r.t. mu and logvar. Gradients w.r.t. the input sequence are
// not produced; the inputs are data.
func (e *Encoder) backward(st *encState, dmu, dlogvar []float64) {
	S := len(st.fwd[0])
	H := e.cfg.HiddenDim
	L := e.cfg.NumLayers

	dconcat := make([]float64, 2*H)
	e.mu.Backward(st.concat, dmu, dconcat)
	e.lv.Backward(st.concat, dlogvar, dconcat)

	// Per-step gradients flowing into each direction's hidden outputs. Only
	// the top layer's final states feed the heads; lower layers receive
	// gradient through the inter-layer inputs.
	injF := make([][]float64, S)
	injB := make([][]float64, S)
	for t := 0; t < S; t++ {
		injF[t] = make([]float64, H)
		injB[t] = make([]float64, H)
	}
	copy(injF[S-1], dconcat[:H])
	copy(injB[S-1], dconcat[H:])

	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dhPrev := make([]float64, H)
	dcPrev := make([]float64, H)

	for l := L - 1; l >= 0; l-- {
		var dIn [][]float64
		if l > 0 {
			dIn = make([][]float64, S)
			for t := 0; t < S; t++ {
				dIn[t] = make([]float64, 2*H)
			}
		}

		zero(dhNext)
		zero(dcNext)
		for t := S - 1; t >= 0; t-- {
			floats.Add(dhNext, injF[t])
			zero(dhPrev)
			zero(dcPrev)
			var dx []float64
			if l > 0 {
				dx = dIn[t]
			}
			e.fwd[l].StepBackward(&st.fwd[l][t], dhNext, dcNext, dx, dhPrev, dcPrev)
			dhNext, dhPrev = dhPrev, dhNext
			dcNext, dcPrev = dcPrev, dcNext
		}

		zero(dhNext)
		zero(dcNext)
		for k := S - 1; k >= 0; k-- {
			floats.Add(dhNext, injB[k])
			zero(dhPrev)
			zero(dcPrev)
			var dx []float64
			if l > 0 {
				dx = dIn[S-1-k]
			}
			e.bwd[l].StepBackward(&st.bwd[l][k], dhNext, dcNext, dx, dhPrev, dcPrev)
			dhNext, dhPrev = dhPrev, dhNext
			dcNext, dcPrev = dcPrev, dcNext
		}

		if l > 0 {
			for t := 0; t < S; t++ {
				if st.masks[l-1] != nil {
					nn.ApplyMask(dIn[t], st.masks[l-1][t])
				}
				injF[t] = dIn[t][:H]
				injB[S-1-t] = dIn[t][H:]
			}
		}
	}
}
