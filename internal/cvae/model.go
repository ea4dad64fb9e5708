package cvae

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/kestrel-data/skypath/internal/nn"
	"github.com/kestrel-data/skypath/internal/traj"
)

// Model couples the encoder and decoder. Training runs the full
// encode-sample-decode path; generation needs only the decoder half, which
// is what gets exported for inference.
type Model struct {
	Cfg ModelConfig
	Enc *Encoder
	Dec *Decoder
}

// NewModel validates the config and builds a model with fresh weights drawn
// from rng.
func NewModel(cfg ModelConfig, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	return &Model{
		Cfg: cfg,
		Enc: NewEncoder(cfg, rng),
		Dec: NewDecoder(cfg, rng),
	}, nil
}

// Params returns every learnable tensor, encoder first then decoder, in a
// fixed order shared by the optimizer and the checkpoint format.
func (m *Model) Params() []*nn.Param {
	return append(m.Enc.Params(), m.Dec.Params()...)
}

// Reparameterize draws z = mu + exp(0.5*logvar) ∘ eps with fresh standard
// normal eps. The eps vector is returned alongside z because the backward
// pass reuses it: dmu += dz, dlogvar += dz ∘ eps ∘ 0.5·exp(0.5·logvar).
func Reparameterize(mu, logvar []float64, rng *rand.Rand) (z, eps []float64) {
	z = make([]float64, len(mu))
	eps = make([]float64, len(mu))
	for j := range mu {
		eps[j] = rng.NormFloat64()
		z[j] = mu[j] + math.Exp(0.5*logvar[j])*eps[j]
	}
	return z, eps
}

// Batch is one training or validation slice of a normalized dataset.
type Batch struct {
	Targets []traj.Trajectory
	Starts  []traj.Waypoint
	Ends    []traj.Waypoint
}

// TrainStep zeroes all gradients, runs the training forward pass over the
// batch with the given teacher-forcing ratio, and backpropagates the
// composite loss. The caller decides whether to clip and apply the
// gradients. When the loss comes out non-finite no gradients are produced
// and the returned error wraps ErrNonFinite; skipping the optimizer step is
// then safe because every gradient is still zero.
func (m *Model) TrainStep(b Batch, w LossWeights, tfRatio float64, rng *rand.Rand) (LossBreakdown, error) {
	B := len(b.Targets)
	if B == 0 {
		return LossBreakdown{}, fmt.Errorf("empty batch")
	}
	nn.ZeroGrads(m.Params())

	// One teacher-forcing decision per step, shared by the whole batch.
	tfSteps := make([]bool, m.Cfg.SeqLen)
	for t := range tfSteps {
		tfSteps[t] = rng.Float64() < tfRatio
	}

	encSts := make([]*encState, B)
	decSts := make([]*decState, B)
	epss := make([][]float64, B)
	outs := make([][][]float64, B)
	mus := make([][]float64, B)
	logvars := make([][]float64, B)

	for s := 0; s < B; s++ {
		seq := seqVecs(b.Targets[s])
		encSts[s] = m.Enc.forward(seq, true, rng)
		z, eps := Reparameterize(encSts[s].mu, encSts[s].logvar, rng)
		epss[s] = eps
		decSts[s] = m.Dec.forward(z, condVec(b.Starts[s], b.Ends[s]), seq, tfSteps, m.Cfg.SeqLen, true, rng)
		outs[s] = decSts[s].outputs
		mus[s] = encSts[s].mu
		logvars[s] = encSts[s].logvar
	}

	loss, grads := computeLoss(outs, mus, logvars, b, w, true)
	if !loss.IsFinite() {
		return loss, fmt.Errorf("loss diverged: recon=%.4g kl=%.4g smooth=%.4g boundary=%.4g: %w",
			loss.Reconstruction, loss.KL, loss.Smoothness, loss.Boundary, ErrNonFinite)
	}

	for s := 0; s < B; s++ {
		dz := m.Dec.backward(decSts[s], grads.out[s])
		for j, dzj := range dz {
			grads.mu[s][j] += dzj
			grads.logvar[s][j] += dzj * epss[s][j] * 0.5 * math.Exp(0.5*logvars[s][j])
		}
		m.Enc.backward(encSts[s], grads.mu[s], grads.logvar[s])
	}
	return loss, nil
}

// Evaluate computes the composite loss over a batch in eval mode: dropout
// off, teacher forcing off, no gradients. The posterior is still sampled,
// so the result depends on rng.
func (m *Model) Evaluate(b Batch, w LossWeights, rng *rand.Rand) (LossBreakdown, error) {
	B := len(b.Targets)
	if B == 0 {
		return LossBreakdown{}, fmt.Errorf("empty batch")
	}

	outs := make([][][]float64, B)
	mus := make([][]float64, B)
	logvars := make([][]float64, B)
	for s := 0; s < B; s++ {
		seq := seqVecs(b.Targets[s])
		st := m.Enc.forward(seq, false, nil)
		z, _ := Reparameterize(st.mu, st.logvar, rng)
		dst := m.Dec.forward(z, condVec(b.Starts[s], b.Ends[s]), nil, nil, m.Cfg.SeqLen, false, nil)
		outs[s] = dst.outputs
		mus[s] = st.mu
		logvars[s] = st.logvar
	}

	loss, _ := computeLoss(outs, mus, logvars, b, w, false)
	return loss, nil
}

func condVec(start, end traj.Waypoint) []float64 {
	return []float64{start.X, start.Y, start.Z, end.X, end.Y, end.Z}
}

func seqVecs(tr traj.Trajectory) [][]float64 {
	out := make([][]float64, len(tr))
	for i, w := range tr {
		out[i] = []float64{w.X, w.Y, w.Z}
	}
	return out
}

func wpVec(w traj.Waypoint) [3]float64 {
	return [3]float64{w.X, w.Y, w.Z}
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
