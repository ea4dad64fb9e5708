package cvae

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/kestrel-data/skypath/internal/nn"
	"github.com/kestrel-data/skypath/internal/traj"
)

// Decoder autoregressively unrolls a trajectory from a latent vector and a
// [start; end] condition. A linear projection of [z; cond] seeds each LSTM
// layer's initial hidden state (cell states start at zero); every step feeds
// [previous waypoint; z; cond] through the stacked LSTM and a small MLP head
// to produce the next waypoint. The first step's previous waypoint is the
// start point itself.
type Decoder struct {
	cfg   ModelConfig
	init  *nn.Linear     // latent+cond -> H*L, split into per-layer h0
	cells []*nn.LSTMCell // layer 0 reads [prev; z; cond], layers above read H
	fc1   *nn.Linear     // H -> H/2
	fc2   *nn.Linear     // H/2 -> InputDim
}

// NewDecoder builds a decoder with freshly initialized weights.
func NewDecoder(cfg ModelConfig, rng *rand.Rand) *Decoder {
	d := &Decoder{
		cfg:   cfg,
		init:  nn.NewLinear(cfg.LatentDim+cfg.CondDim(), cfg.HiddenDim*cfg.NumLayers, rng),
		cells: make([]*nn.LSTMCell, cfg.NumLayers),
	}
	for l := range d.cells {
		in := cfg.InputDim + cfg.LatentDim + cfg.CondDim()
		if l > 0 {
			in = cfg.HiddenDim
		}
		d.cells[l] = nn.NewLSTMCell(in, cfg.HiddenDim, rng)
	}
	hh := cfg.HiddenDim / 2
	d.fc1 = nn.NewLinear(cfg.HiddenDim, hh, rng)
	d.fc2 = nn.NewLinear(hh, cfg.InputDim, rng)
	return d
}

// Config returns the dimensions the decoder was built with.
func (d *Decoder) Config() ModelConfig { return d.cfg }

// Params returns the decoder's tensors in a fixed order so optimizer state
// and serialized weights stay aligned across runs.
func (d *Decoder) Params() []*nn.Param {
	ps := d.init.Params()
	for _, c := range d.cells {
		ps = append(ps, c.Params()...)
	}
	ps = append(ps, d.fc1.Params()...)
	ps = append(ps, d.fc2.Params()...)
	return ps
}

// decState caches one sample's decode for backpropagation.
type decState struct {
	initIn []float64        // [z; cond]
	states [][]nn.StepState // [layer][t]
	// masks[l][t] is the dropout mask on layer l's hidden output at step t
	// before layer l+1 consumed it. Nil in eval mode.
	masks    [][][]float64
	fc1Out   [][]float64 // [t] head activations before ReLU
	headIn   [][]float64 // [t] head activations after ReLU and dropout
	headMask [][]float64 // [t] head dropout masks, nil in eval mode
	outputs  [][]float64 // [t] predicted waypoints
	tf       []bool      // tf[t]: step t+1 consumed the ground truth at index t
}

// forward unrolls one sample. z and cond are the latent and normalized
// [start; end] condition; the first step's previous waypoint is cond's start
// half. In training mode, target supplies ground-truth waypoints and
// tfSteps[t] decides whether step t+1 reads target[t] instead of the model's
// own output; rng draws dropout masks. In eval mode target, tfSteps and rng
// may all be nil.
func (d *Decoder) forward(z, cond []float64, target [][]float64, tfSteps []bool, steps int, train bool, rng *rand.Rand) *decState {
	S := steps
	H := d.cfg.HiddenDim
	L := d.cfg.NumLayers
	hh := d.fc1.Out

	st := &decState{
		initIn:  make([]float64, d.cfg.LatentDim+d.cfg.CondDim()),
		states:  make([][]nn.StepState, L),
		masks:   make([][][]float64, L-1),
		fc1Out:  make([][]float64, S),
		headIn:  make([][]float64, S),
		outputs: make([][]float64, S),
		tf:      make([]bool, S),
	}
	for l := 0; l < L; l++ {
		st.states[l] = make([]nn.StepState, S)
	}
	dropLSTM := train && d.cfg.LSTMDropout > 0
	if dropLSTM {
		for l := 0; l < L-1; l++ {
			st.masks[l] = make([][]float64, S)
		}
	}
	dropHead := train && d.cfg.HeadDropout > 0
	if dropHead {
		st.headMask = make([][]float64, S)
	}

	copy(st.initIn, z)
	copy(st.initIn[d.cfg.LatentDim:], cond)
	initOut := make([]float64, H*L)
	d.init.Forward(st.initIn, initOut)

	h := make([][]float64, L)
	c := make([][]float64, L)
	zeroCell := make([]float64, H)
	for l := 0; l < L; l++ {
		h[l] = initOut[l*H : (l+1)*H]
		c[l] = zeroCell
	}

	x0 := make([]float64, d.cfg.InputDim+d.cfg.LatentDim+d.cfg.CondDim())
	copy(x0[d.cfg.InputDim:], z)
	copy(x0[d.cfg.InputDim+d.cfg.LatentDim:], cond)
	xMid := make([]float64, H)

	prev := cond[:d.cfg.InputDim]
	for t := 0; t < S; t++ {
		copy(x0, prev)
		x := x0
		for l := 0; l < L; l++ {
			d.cells[l].Step(x, h[l], c[l], &st.states[l][t])
			h[l], c[l] = st.states[l][t].H, st.states[l][t].C
			if l < L-1 {
				copy(xMid, h[l])
				if dropLSTM {
					st.masks[l][t] = nn.DropoutMask(H, d.cfg.LSTMDropout, rng)
					nn.ApplyMask(xMid, st.masks[l][t])
				}
				x = xMid
			}
		}

		a := make([]float64, hh)
		d.fc1.Forward(h[L-1], a)
		st.fc1Out[t] = a
		r := make([]float64, hh)
		nn.ReLU(a, r)
		if dropHead {
			st.headMask[t] = nn.DropoutMask(hh, d.cfg.HeadDropout, rng)
			nn.ApplyMask(r, st.headMask[t])
		}
		st.headIn[t] = r
		out := make([]float64, d.cfg.InputDim)
		d.fc2.Forward(r, out)
		st.outputs[t] = out

		if target != nil && tfSteps != nil && tfSteps[t] && t < S-1 {
			st.tf[t] = true
			prev = target[t]
		} else {
			prev = out
		}
	}
	return st
}

// backward accumulates parameter gradients for one decoded sample. dOut
// holds the loss gradients w.r.t. each output waypoint and is augmented in
// place with the autoregressive contributions: when step t+1 consumed the
// model's own output at t, that input's gradient flows back into dOut[t]
// before step t is processed. Returns the gradient w.r.t. z, which reaches
// the latent both through every step's input and through the initial-state
// projection.
func (d *Decoder) backward(st *decState, dOut [][]float64) []float64 {
	S := len(st.states[0])
	H := d.cfg.HiddenDim
	L := d.cfg.NumLayers
	hh := d.fc1.Out
	latent := d.cfg.LatentDim

	chainDh := make([][]float64, L)
	chainDc := make([][]float64, L)
	dxLayer := make([][]float64, L)
	for l := 0; l < L; l++ {
		chainDh[l] = make([]float64, H)
		chainDc[l] = make([]float64, H)
		if l == 0 {
			dxLayer[l] = make([]float64, d.cfg.InputDim+latent+d.cfg.CondDim())
		} else {
			dxLayer[l] = make([]float64, H)
		}
	}
	dz := make([]float64, latent)

	drd := make([]float64, hh)
	da := make([]float64, hh)
	dhTop := make([]float64, H)
	dhPrev := make([]float64, H)
	dcPrev := make([]float64, H)

	for t := S - 1; t >= 0; t-- {
		zero(drd)
		d.fc2.Backward(st.headIn[t], dOut[t], drd)
		if st.headMask != nil {
			nn.ApplyMask(drd, st.headMask[t])
		}
		zero(da)
		nn.ReLUBackward(st.fc1Out[t], drd, da)
		zero(dhTop)
		d.fc1.Backward(st.states[L-1][t].H, da, dhTop)

		dhAbove := dhTop
		for l := L - 1; l >= 0; l-- {
			dh := chainDh[l]
			floats.Add(dh, dhAbove)
			zero(dhPrev)
			zero(dcPrev)
			zero(dxLayer[l])
			d.cells[l].StepBackward(&st.states[l][t], dh, chainDc[l], dxLayer[l], dhPrev, dcPrev)
			copy(chainDh[l], dhPrev)
			copy(chainDc[l], dcPrev)
			if l > 0 {
				if st.masks[l-1] != nil {
					nn.ApplyMask(dxLayer[l], st.masks[l-1][t])
				}
				dhAbove = dxLayer[l]
			}
		}

		floats.Add(dz, dxLayer[0][d.cfg.InputDim:d.cfg.InputDim+latent])
		if t > 0 && !st.tf[t-1] {
			floats.Add(dOut[t-1], dxLayer[0][:d.cfg.InputDim])
		}
	}

	// After the loop the chains hold gradients w.r.t. the initial hidden
	// states, which came from the init projection. Initial cell states are
	// constant zero.
	dInitOut := make([]float64, H*L)
	for l := 0; l < L; l++ {
		copy(dInitOut[l*H:(l+1)*H], chainDh[l])
	}
	dInitIn := make([]float64, latent+d.cfg.CondDim())
	d.init.Backward(st.initIn, dInitOut, dInitIn)
	floats.Add(dz, dInitIn[:latent])
	return dz
}

// Decode runs the decoder in eval mode: no dropout, no teacher forcing. The
// latent, endpoints and returned trajectory are all in normalized space.
func (d *Decoder) Decode(z []float64, start, end traj.Waypoint) traj.Trajectory {
	return d.DecodeSteps(z, start, end, d.cfg.SeqLen)
}

// DecodeSteps is Decode with an explicit rollout length. The loop is
// autoregressive, so nothing ties generation to the trained length; callers
// asking for a different waypoint count get exactly that many steps.
func (d *Decoder) DecodeSteps(z []float64, start, end traj.Waypoint, steps int) traj.Trajectory {
	st := d.forward(z, condVec(start, end), nil, nil, steps, false, nil)
	out := make(traj.Trajectory, len(st.outputs))
	for i, v := range st.outputs {
		out[i] = traj.Waypoint{X: v[0], Y: v[1], Z: v[2]}
	}
	return out
}
