package nn

import (
	"fmt"
	"math"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(params []*Param, lr float64)
	ZeroGrad(params []*Param)
}

// Adam implements the Adam optimizer with bias correction and L2 weight
// decay folded into the gradient.
type Adam struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	m [][]float64
	v [][]float64
	t int
}

// NewAdam creates an Adam optimizer with the usual defaults
// (beta1 0.9, beta2 0.999, eps 1e-8) and the given weight decay.
func NewAdam(weightDecay float64) *Adam {
	return &Adam{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
	}
}

func (a *Adam) ensureState(params []*Param) {
	if a.m != nil {
		return
	}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, p.Size())
		a.v[i] = make([]float64, p.Size())
	}
}

// Step applies one Adam update. The params slice must be the same sequence,
// in the same order, on every call.
func (a *Adam) Step(params []*Param, lr float64) {
	a.ensureState(params)
	a.t++

	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		m, v := a.m[i], a.v[i]
		for j := range p.Data {
			g := p.Grad[j] + a.WeightDecay*p.Data[j]
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			p.Data[j] -= lr * mHat / (math.Sqrt(vHat) + a.Eps)
		}
	}
}

// ZeroGrad clears all gradient accumulators.
func (a *Adam) ZeroGrad(params []*Param) {
	ZeroGrads(params)
}

// AdamState is the serializable optimizer state stored in checkpoints so
// training can resume with unchanged momentum.
type AdamState struct {
	M [][]float64 `msgpack:"m"`
	V [][]float64 `msgpack:"v"`
	T int         `msgpack:"t"`
}

// State snapshots the optimizer's moment estimates.
func (a *Adam) State() AdamState {
	return AdamState{M: a.m, V: a.v, T: a.t}
}

// LoadState restores moment estimates saved by State. The shapes must match
// the params the optimizer will step.
func (a *Adam) LoadState(st AdamState, params []*Param) error {
	if len(st.M) != len(params) || len(st.V) != len(params) {
		return fmt.Errorf("optimizer state has %d/%d tensors, model has %d", len(st.M), len(st.V), len(params))
	}
	for i, p := range params {
		if len(st.M[i]) != p.Size() || len(st.V[i]) != p.Size() {
			return fmt.Errorf("optimizer state tensor %d has size %d, param has %d", i, len(st.M[i]), p.Size())
		}
	}
	a.m = st.M
	a.v = st.V
	a.t = st.T
	return nil
}
