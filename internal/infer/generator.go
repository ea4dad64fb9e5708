// Package infer generates trajectory candidates from an exported decoder
// bundle. Generation is decoder-only: the bundle plus its normalization
// sidecar carry everything needed, there is no training state and no
// encoder.
package infer

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-data/skypath/internal/artifact"
	"github.com/kestrel-data/skypath/internal/cvae"
	"github.com/kestrel-data/skypath/internal/traj"
)

// Request asks for Count candidate trajectories between two endpoints.
type Request struct {
	Start traj.Waypoint `json:"start"`
	End   traj.Waypoint `json:"end"`
	Count int           `json:"count"`
	// SeqLen overrides the trained waypoint count. Zero keeps the
	// bundle's length.
	SeqLen int   `json:"seq_len,omitempty"`
	Seed   int64 `json:"seed"`
}

// Generator pairs a loaded decoder with the frozen normalization it was
// trained under. The decoder is only ever read, so one Generator may serve
// concurrent Generate calls.
type Generator struct {
	dec   *cvae.Decoder
	stats traj.NormStats
}

// Load reads a decoder bundle and the normalization sidecar written next
// to it at export time.
func Load(bundlePath string) (*Generator, error) {
	dec, err := artifact.LoadDecoder(bundlePath)
	if err != nil {
		return nil, err
	}
	stats, err := traj.ReadStatsFile(artifact.StatsPath(bundlePath))
	if err != nil {
		return nil, fmt.Errorf("normalization sidecar: %w", err)
	}
	return NewGenerator(dec, stats), nil
}

// NewGenerator wraps an in-memory decoder, for callers that already hold
// one.
func NewGenerator(dec *cvae.Decoder, stats traj.NormStats) *Generator {
	return &Generator{dec: dec, stats: stats}
}

// Config returns the decoder's model dimensions.
func (g *Generator) Config() cvae.ModelConfig { return g.dec.Config() }

// Stats returns the frozen normalization.
func (g *Generator) Stats() traj.NormStats { return g.stats }

// Generate produces exactly req.Count candidates or fails. Candidate i's
// latent comes from a fresh source seeded req.Seed+i, so the output is
// identical no matter how many workers run or how they interleave. Workers
// are capped at GOMAXPROCS; weights are shared read-only and each result
// lands in its own slot, so the pool needs no locks.
func (g *Generator) Generate(ctx context.Context, req Request) ([]traj.Trajectory, error) {
	steps, err := g.validate(req)
	if err != nil {
		return nil, err
	}
	latent := g.dec.Config().LatentDim
	start := g.stats.Normalize(req.Start)
	end := g.stats.Normalize(req.End)

	out := make([]traj.Trajectory, req.Count)
	workers := req.Count
	if n := runtime.GOMAXPROCS(0); workers > n {
		workers = n
	}

	eg, ctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	eg.Go(func() error {
		defer close(jobs)
		for i := 0; i < req.Count; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := range jobs {
				tr, err := g.candidate(i, steps, latent, start, end, req.Seed)
				if err != nil {
					return err
				}
				out[i] = tr
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// candidate decodes one prior sample and denormalizes it. start and end are
// already normalized.
func (g *Generator) candidate(i, steps, latent int, start, end traj.Waypoint, seed int64) (traj.Trajectory, error) {
	rng := rand.New(rand.NewSource(seed + int64(i)))
	z := make([]float64, latent)
	for j := range z {
		z[j] = rng.NormFloat64()
	}
	tr := g.stats.DenormalizeTrajectory(g.dec.DecodeSteps(z, start, end, steps))
	for _, w := range tr {
		if !w.IsFinite() {
			return nil, fmt.Errorf("candidate %d: decoder produced a non-finite waypoint", i)
		}
	}
	return tr, nil
}

func (g *Generator) validate(req Request) (int, error) {
	if req.Count < 1 {
		return 0, fmt.Errorf("count must be positive, got %d", req.Count)
	}
	if !req.Start.IsFinite() || !req.End.IsFinite() {
		return 0, fmt.Errorf("endpoints must be finite")
	}
	steps := req.SeqLen
	if steps == 0 {
		steps = g.dec.Config().SeqLen
	}
	if steps < 2 {
		return 0, fmt.Errorf("seq_len must be at least 2, got %d", steps)
	}
	return steps, nil
}
