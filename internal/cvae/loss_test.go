package cvae

import (
	"math"
	"math/rand"
	"testing"

	"github.com/kestrel-data/skypath/internal/traj"
)

// numGradAt estimates d(f)/d(*v) by central differences.
func numGradAt(v *float64, f func() float64) float64 {
	const h = 1e-6
	old := *v
	*v = old + h
	fp := f()
	*v = old - h
	fm := f()
	*v = old
	return (fp - fm) / (2 * h)
}

func closeEnough(a, b float64) bool {
	tol := 1e-5 * math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= tol
}

func randomLossInputs(rng *rand.Rand, B, S, latent int) ([][][]float64, [][]float64, [][]float64, Batch) {
	outs := make([][][]float64, B)
	mus := make([][]float64, B)
	logvars := make([][]float64, B)
	b := Batch{
		Targets: make([]traj.Trajectory, B),
		Starts:  make([]traj.Waypoint, B),
		Ends:    make([]traj.Waypoint, B),
	}
	for s := 0; s < B; s++ {
		outs[s] = make([][]float64, S)
		b.Targets[s] = make(traj.Trajectory, S)
		for t := 0; t < S; t++ {
			outs[s][t] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
			b.Targets[s][t] = traj.Waypoint{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		}
		mus[s] = make([]float64, latent)
		logvars[s] = make([]float64, latent)
		for j := 0; j < latent; j++ {
			mus[s][j] = rng.NormFloat64()
			logvars[s][j] = rng.NormFloat64()
		}
		b.Starts[s] = traj.Waypoint{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		b.Ends[s] = traj.Waypoint{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
	}
	return outs, mus, logvars, b
}

func TestReconstructionHandValue(t *testing.T) {
	outs := [][][]float64{{{1, 1, 1}, {1, 1, 1}}}
	b := Batch{
		Targets: []traj.Trajectory{{{}, {}}},
		Starts:  []traj.Waypoint{{}},
		Ends:    []traj.Waypoint{{}},
	}
	l, _ := computeLoss(outs, [][]float64{{0}}, [][]float64{{0}}, b, LossWeights{}, false)
	if math.Abs(l.Reconstruction-1) > 1e-12 {
		t.Fatalf("reconstruction = %v, want 1", l.Reconstruction)
	}
}

func TestKLZeroAtStandardNormal(t *testing.T) {
	outs := [][][]float64{{{0, 0, 0}, {0, 0, 0}}}
	b := Batch{
		Targets: []traj.Trajectory{{{}, {}}},
		Starts:  []traj.Waypoint{{}},
		Ends:    []traj.Waypoint{{}},
	}
	l, _ := computeLoss(outs, [][]float64{{0, 0}}, [][]float64{{0, 0}}, b, DefaultLossWeights(), false)
	if l.KL != 0 {
		t.Fatalf("KL at mu=0 logvar=0 = %v, want 0", l.KL)
	}
}

func TestKLHandValueAndNonNegative(t *testing.T) {
	outs := [][][]float64{{{0, 0, 0}, {0, 0, 0}}}
	b := Batch{
		Targets: []traj.Trajectory{{{}, {}}},
		Starts:  []traj.Waypoint{{}},
		Ends:    []traj.Waypoint{{}},
	}
	// -0.5 * (1 + 0 - 1 - 1) = 0.5
	l, _ := computeLoss(outs, [][]float64{{1}}, [][]float64{{0}}, b, DefaultLossWeights(), false)
	if math.Abs(l.KL-0.5) > 1e-12 {
		t.Fatalf("KL = %v, want 0.5", l.KL)
	}

	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 50; i++ {
		_, mus, logvars, batch := randomLossInputs(rng, 3, 2, 3)
		outs := [][][]float64{
			{{0, 0, 0}, {0, 0, 0}}, {{0, 0, 0}, {0, 0, 0}}, {{0, 0, 0}, {0, 0, 0}},
		}
		l, _ := computeLoss(outs, mus, logvars, batch, DefaultLossWeights(), false)
		if l.KL < 0 {
			t.Fatalf("KL = %v for random mu/logvar, want >= 0", l.KL)
		}
	}
}

func TestSmoothnessZeroOnStraightLine(t *testing.T) {
	// Equally spaced collinear points have zero second differences.
	S := 6
	outs := [][][]float64{make([][]float64, S)}
	tgts := make(traj.Trajectory, S)
	for i := 0; i < S; i++ {
		f := float64(i)
		outs[0][i] = []float64{f, 2 * f, -f}
		tgts[i] = traj.Waypoint{X: f, Y: 2 * f, Z: -f}
	}
	b := Batch{Targets: []traj.Trajectory{tgts}, Starts: []traj.Waypoint{{}}, Ends: []traj.Waypoint{{}}}
	l, _ := computeLoss(outs, [][]float64{{0}}, [][]float64{{0}}, b, DefaultLossWeights(), false)
	if l.Smoothness != 0 {
		t.Fatalf("smoothness on straight line = %v, want 0", l.Smoothness)
	}
}

func TestSmoothnessHandValue(t *testing.T) {
	// One interior point: d = 0 - 2*1 + 0 = -2 on x, so mean of ||d||^2 is 4.
	outs := [][][]float64{{{0, 0, 0}, {1, 0, 0}, {0, 0, 0}}}
	b := Batch{
		Targets: []traj.Trajectory{{{}, {}, {}}},
		Starts:  []traj.Waypoint{{}},
		Ends:    []traj.Waypoint{{}},
	}
	l, _ := computeLoss(outs, [][]float64{{0}}, [][]float64{{0}}, b, DefaultLossWeights(), false)
	if math.Abs(l.Smoothness-4) > 1e-12 {
		t.Fatalf("smoothness = %v, want 4", l.Smoothness)
	}
}

func TestSmoothnessZeroForTwoPoints(t *testing.T) {
	outs := [][][]float64{{{5, 0, 0}, {9, 1, 1}}}
	b := Batch{
		Targets: []traj.Trajectory{{{}, {}}},
		Starts:  []traj.Waypoint{{}},
		Ends:    []traj.Waypoint{{}},
	}
	l, _ := computeLoss(outs, [][]float64{{0}}, [][]float64{{0}}, b, DefaultLossWeights(), false)
	if l.Smoothness != 0 {
		t.Fatalf("smoothness with S=2 = %v, want 0", l.Smoothness)
	}
}

func TestBoundaryHandValue(t *testing.T) {
	// First point misses start by (1,0,0), last misses end by (0,0,2):
	// 1/3 + 4/3 = 5/3.
	outs := [][][]float64{{{1, 0, 0}, {0, 0, 0}}}
	b := Batch{
		Targets: []traj.Trajectory{{{}, {}}},
		Starts:  []traj.Waypoint{{}},
		Ends:    []traj.Waypoint{{X: 0, Y: 0, Z: 2}},
	}
	l, _ := computeLoss(outs, [][]float64{{0}}, [][]float64{{0}}, b, DefaultLossWeights(), false)
	if math.Abs(l.Boundary-5.0/3.0) > 1e-12 {
		t.Fatalf("boundary = %v, want %v", l.Boundary, 5.0/3.0)
	}
}

func TestTotalComposition(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	outs, mus, logvars, b := randomLossInputs(rng, 2, 5, 3)
	w := LossWeights{Beta: 0.25, LambdaSmooth: 0.5, LambdaBoundary: 2}
	l, _ := computeLoss(outs, mus, logvars, b, w, false)
	want := l.Reconstruction + 0.25*l.KL + 0.5*l.Smoothness + 2*l.Boundary
	if math.Abs(l.Total-want) > 1e-12 {
		t.Fatalf("total = %v, want %v", l.Total, want)
	}
}

func TestLossGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	outs, mus, logvars, b := randomLossInputs(rng, 2, 4, 3)
	w := LossWeights{Beta: 0.3, LambdaSmooth: 0.7, LambdaBoundary: 1.3}

	_, g := computeLoss(outs, mus, logvars, b, w, true)
	total := func() float64 {
		l, _ := computeLoss(outs, mus, logvars, b, w, false)
		return l.Total
	}

	for s := range outs {
		for i := range outs[s] {
			for k := range outs[s][i] {
				num := numGradAt(&outs[s][i][k], total)
				if !closeEnough(g.out[s][i][k], num) {
					t.Fatalf("d/dout[%d][%d][%d]: analytic %g, numeric %g", s, i, k, g.out[s][i][k], num)
				}
			}
		}
		for j := range mus[s] {
			num := numGradAt(&mus[s][j], total)
			if !closeEnough(g.mu[s][j], num) {
				t.Fatalf("d/dmu[%d][%d]: analytic %g, numeric %g", s, j, g.mu[s][j], num)
			}
			num = numGradAt(&logvars[s][j], total)
			if !closeEnough(g.logvar[s][j], num) {
				t.Fatalf("d/dlogvar[%d][%d]: analytic %g, numeric %g", s, j, g.logvar[s][j], num)
			}
		}
	}
}

func TestLossBreakdownIsFinite(t *testing.T) {
	ok := LossBreakdown{Total: 1, Reconstruction: 1}
	if !ok.IsFinite() {
		t.Fatal("finite breakdown reported non-finite")
	}
	for _, bad := range []LossBreakdown{
		{Total: math.NaN()},
		{KL: math.Inf(1)},
		{Smoothness: math.Inf(-1)},
	} {
		if bad.IsFinite() {
			t.Fatalf("%+v reported finite", bad)
		}
	}
}
