package cvae

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/stat"

	"github.com/kestrel-data/skypath/internal/nn"
	"github.com/kestrel-data/skypath/internal/traj"
)

func tinyConfig() ModelConfig {
	return ModelConfig{
		InputDim:  3,
		LatentDim: 2,
		HiddenDim: 4,
		NumLayers: 2,
		SeqLen:    4,
	}
}

func randomBatch(rng *rand.Rand, n, seqLen int) Batch {
	b := Batch{
		Targets: make([]traj.Trajectory, n),
		Starts:  make([]traj.Waypoint, n),
		Ends:    make([]traj.Waypoint, n),
	}
	for s := 0; s < n; s++ {
		b.Targets[s] = make(traj.Trajectory, seqLen)
		for t := 0; t < seqLen; t++ {
			b.Targets[s][t] = traj.Waypoint{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		}
		b.Starts[s] = b.Targets[s][0]
		b.Ends[s] = b.Targets[s][seqLen-1]
	}
	return b
}

func TestModelConfigValidate(t *testing.T) {
	if err := DefaultModelConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{"input dim", func(c *ModelConfig) { c.InputDim = 2 }},
		{"latent dim", func(c *ModelConfig) { c.LatentDim = 0 }},
		{"hidden dim", func(c *ModelConfig) { c.HiddenDim = 1 }},
		{"num layers", func(c *ModelConfig) { c.NumLayers = 0 }},
		{"seq len", func(c *ModelConfig) { c.SeqLen = 1 }},
		{"lstm dropout", func(c *ModelConfig) { c.LSTMDropout = 1 }},
		{"head dropout", func(c *ModelConfig) { c.HeadDropout = -0.1 }},
	}
	for _, tc := range cases {
		cfg := DefaultModelConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: bad config passed validation", tc.name)
		}
	}
}

func TestReparameterizeFormula(t *testing.T) {
	mu := []float64{0.5, -1}
	logvar := []float64{0, math.Log(0.25)}
	z, eps := Reparameterize(mu, logvar, rand.New(rand.NewSource(3)))
	for j := range mu {
		want := mu[j] + math.Exp(0.5*logvar[j])*eps[j]
		if z[j] != want {
			t.Fatalf("z[%d] = %v, want %v", j, z[j], want)
		}
	}
}

func TestReparameterizeStatistics(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	mu := []float64{2}
	logvar := []float64{math.Log(0.25)} // std 0.5
	samples := make([]float64, 20000)
	for i := range samples {
		z, _ := Reparameterize(mu, logvar, rng)
		samples[i] = z[0]
	}
	mean, std := stat.MeanStdDev(samples, nil)
	if math.Abs(mean-2) > 0.02 {
		t.Errorf("sample mean = %v, want about 2", mean)
	}
	if math.Abs(std-0.5) > 0.02 {
		t.Errorf("sample std = %v, want about 0.5", std)
	}
}

func TestParamsStableOrder(t *testing.T) {
	m, err := NewModel(tinyConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	a := m.Params()
	b := m.Params()
	// 6 tensors per encoder layer + 4 head tensors, 3 per decoder layer +
	// init, fc1, fc2 pairs.
	L := tinyConfig().NumLayers
	if want := 9*L + 10; len(a) != want {
		t.Fatalf("got %d param tensors, want %d", len(a), want)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("param order unstable at %d", i)
		}
		if a[i] == nil {
			t.Fatalf("nil param at %d", i)
		}
	}
}

func TestDecodeDeterministic(t *testing.T) {
	cfg := tinyConfig()
	m, err := NewModel(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	z := []float64{0.3, -0.7}
	start := traj.Waypoint{X: 0.1, Y: 0.2, Z: 0.3}
	end := traj.Waypoint{X: -0.5, Y: 0.4, Z: 0.9}

	tr1 := m.Dec.Decode(z, start, end)
	tr2 := m.Dec.Decode(z, start, end)
	if !reflect.DeepEqual(tr1, tr2) {
		t.Fatal("repeated decode with same inputs differs")
	}
	if len(tr1) != cfg.SeqLen {
		t.Fatalf("decode produced %d waypoints, want %d", len(tr1), cfg.SeqLen)
	}

	tr3 := m.Dec.Decode([]float64{-1.1, 0.6}, start, end)
	if reflect.DeepEqual(tr1, tr3) {
		t.Fatal("different latents produced identical trajectories")
	}
}

func TestTeacherForcingRoutesInputs(t *testing.T) {
	cfg := tinyConfig()
	d := NewDecoder(cfg, rand.New(rand.NewSource(5)))
	rng := rand.New(rand.NewSource(6))

	z := []float64{0.2, -0.4}
	cond := []float64{0.1, 0.2, 0.3, -0.1, -0.2, -0.3}
	target := make([][]float64, cfg.SeqLen)
	for t2 := range target {
		target[t2] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	forced := make([]bool, cfg.SeqLen)
	for i := range forced {
		forced[i] = true
	}

	st := d.forward(z, cond, target, forced, cfg.SeqLen, true, rng)
	if !reflect.DeepEqual(st.states[0][0].X[:3], cond[:3]) {
		t.Fatal("first step input is not the start point")
	}
	for t2 := 1; t2 < cfg.SeqLen; t2++ {
		if !reflect.DeepEqual(st.states[0][t2].X[:3], target[t2-1]) {
			t.Fatalf("step %d input is not the ground truth at %d", t2, t2-1)
		}
	}
	if st.tf[cfg.SeqLen-1] {
		t.Fatal("last step recorded a teacher-forcing hand-off with no next step")
	}

	free := d.forward(z, cond, target, make([]bool, cfg.SeqLen), cfg.SeqLen, true, rng)
	if !reflect.DeepEqual(free.states[0][0].X[:3], cond[:3]) {
		t.Fatal("first free-running input is not the start point")
	}
	for t2 := 1; t2 < cfg.SeqLen; t2++ {
		if !reflect.DeepEqual(free.states[0][t2].X[:3], free.outputs[t2-1]) {
			t.Fatalf("free-running step %d input is not the previous output", t2)
		}
	}
}

// TestTrainStepGradients checks the whole backward pass, including the
// autoregressive chain, reparameterization and both LSTM stacks, against
// central differences. Dropout stays off so the loss is a deterministic
// function of the weights; a fresh identically-seeded rng per call pins the
// latent noise.
func TestTrainStepGradients(t *testing.T) {
	for _, ratio := range []float64{0, 1} {
		cfg := tinyConfig()
		m, err := NewModel(cfg, rand.New(rand.NewSource(11)))
		if err != nil {
			t.Fatal(err)
		}
		b := randomBatch(rand.New(rand.NewSource(12)), 2, cfg.SeqLen)
		w := LossWeights{Beta: 0.05, LambdaSmooth: 0.3, LambdaBoundary: 0.8}

		step := func() float64 {
			loss, err := m.TrainStep(b, w, ratio, rand.New(rand.NewSource(17)))
			if err != nil {
				t.Fatalf("train step: %v", err)
			}
			return loss.Total
		}

		step()
		params := m.Params()
		analytic := make([][]float64, len(params))
		for i, p := range params {
			analytic[i] = append([]float64(nil), p.Grad...)
		}

		for i, p := range params {
			for j := range p.Data {
				num := numGradAt(&p.Data[j], step)
				if !gradClose(analytic[i][j], num) {
					t.Fatalf("ratio %v: param %d[%d]: analytic %g, numeric %g", ratio, i, j, analytic[i][j], num)
				}
			}
		}
	}
}

func gradClose(a, b float64) bool {
	tol := 1e-4 * math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= tol
}

func TestEvaluateDeterministicWithDropoutConfigured(t *testing.T) {
	cfg := tinyConfig()
	cfg.LSTMDropout = 0.4
	cfg.HeadDropout = 0.3
	m, err := NewModel(cfg, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatal(err)
	}
	b := randomBatch(rand.New(rand.NewSource(22)), 3, cfg.SeqLen)
	w := DefaultLossWeights()

	// Eval mode must not touch dropout, so two identically seeded passes
	// agree exactly.
	l1, err := m.Evaluate(b, w, rand.New(rand.NewSource(23)))
	if err != nil {
		t.Fatal(err)
	}
	l2, err := m.Evaluate(b, w, rand.New(rand.NewSource(23)))
	if err != nil {
		t.Fatal(err)
	}
	if l1 != l2 {
		t.Fatalf("eval passes differ: %+v vs %+v", l1, l2)
	}
}

func TestTrainStepNonFiniteLoss(t *testing.T) {
	cfg := tinyConfig()
	m, err := NewModel(cfg, rand.New(rand.NewSource(31)))
	if err != nil {
		t.Fatal(err)
	}
	m.Enc.mu.W.Data[0] = math.Inf(1)

	b := randomBatch(rand.New(rand.NewSource(32)), 2, cfg.SeqLen)
	loss, err := m.TrainStep(b, DefaultLossWeights(), 0.5, rand.New(rand.NewSource(33)))
	if !errors.Is(err, ErrNonFinite) {
		t.Fatalf("err = %v, want ErrNonFinite", err)
	}
	if loss.IsFinite() {
		t.Fatalf("breakdown %+v reported finite", loss)
	}
	if n := nn.GradNorm(m.Params()); n != 0 {
		t.Fatalf("gradients populated on a diverged batch: norm %v", n)
	}
}

func TestTrainStepEmptyBatch(t *testing.T) {
	m, err := NewModel(tinyConfig(), rand.New(rand.NewSource(41)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.TrainStep(Batch{}, DefaultLossWeights(), 0, rand.New(rand.NewSource(42))); err == nil {
		t.Fatal("empty batch accepted")
	}
	if _, err := m.Evaluate(Batch{}, DefaultLossWeights(), rand.New(rand.NewSource(43))); err == nil {
		t.Fatal("empty eval batch accepted")
	}
}

// TestTrainStepLearns drives a small model on a fixed batch of straight
// lines and expects the composite loss to drop.
func TestTrainStepLearns(t *testing.T) {
	cfg := ModelConfig{
		InputDim:  3,
		LatentDim: 2,
		HiddenDim: 8,
		NumLayers: 1,
		SeqLen:    8,
	}
	m, err := NewModel(cfg, rand.New(rand.NewSource(51)))
	if err != nil {
		t.Fatal(err)
	}

	dirs := []traj.Waypoint{
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0.5},
		{X: -0.5, Y: 0.5, Z: 1},
		{X: 0.3, Y: -1, Z: 0.2},
	}
	b := Batch{}
	for _, d := range dirs {
		tr := make(traj.Trajectory, cfg.SeqLen)
		for i := range tr {
			f := float64(i) / float64(cfg.SeqLen-1)
			tr[i] = traj.Waypoint{X: d.X * f, Y: d.Y * f, Z: d.Z * f}
		}
		b.Targets = append(b.Targets, tr)
		b.Starts = append(b.Starts, tr[0])
		b.Ends = append(b.Ends, tr[cfg.SeqLen-1])
	}

	w := DefaultLossWeights()
	opt := nn.NewAdam(0)
	rng := rand.New(rand.NewSource(52))
	var first, last float64
	for i := 0; i < 200; i++ {
		loss, err := m.TrainStep(b, w, 0.5, rng)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if i == 0 {
			first = loss.Total
		}
		last = loss.Total
		nn.ClipGradNorm(m.Params(), 1.0)
		opt.Step(m.Params(), 1e-2)
	}
	if last >= first {
		t.Fatalf("loss did not drop: first %v, last %v", first, last)
	}
}
