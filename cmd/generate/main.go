// Generation CLI: loads an exported decoder bundle, samples candidate
// trajectories between two endpoints, ranks them and reports the result as
// a table plus optional JSON/CSV/HTML outputs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kestrel-data/skypath/internal/artifact"
	"github.com/kestrel-data/skypath/internal/infer"
	"github.com/kestrel-data/skypath/internal/rank"
	"github.com/kestrel-data/skypath/internal/traj"
	"github.com/kestrel-data/skypath/internal/version"
	"github.com/kestrel-data/skypath/internal/viz"
)

var (
	modelPath = flag.String("model", "", "Decoder bundle (required)")
	statsPath = flag.String("stats", "", "Normalization JSON; defaults to the bundle's sidecar")
	startArg  = flag.String("start", "", "Start waypoint as x,y,z in meters (required)")
	endArg    = flag.String("end", "", "End waypoint as x,y,z in meters (required)")
	count     = flag.Int("count", 5, "Number of candidate trajectories")
	seqLen    = flag.Int("seq-len", 0, "Waypoint count override; 0 keeps the trained length")
	seed      = flag.Int64("seed", time.Now().UnixNano(), "Latent sampling seed")
	weightArg = flag.String("weights", "", "Ranking weights as efficiency,smoothness,endpoint-penalty")
	dt        = flag.Float64("dt", rank.DefaultDT, "Waypoint sampling interval in seconds")
	outPath   = flag.String("out", "", "Trajectory set JSON output; empty disables")
	htmlPath  = flag.String("html", "", "3D candidates HTML output; empty disables")
	csvPath   = flag.String("csv", "", "Metrics CSV output; empty disables")
	obstacles = flag.String("obstacles", "", "Spherical obstacles JSON; adds a clearance ordering")
)

func main() {
	flag.Parse()
	log.Printf("[generate] skypath %s", version.String())
	if *modelPath == "" || *startArg == "" || *endArg == "" {
		log.Fatalf("[generate] -model, -start and -end are required")
	}

	cond, err := parseCondition(*startArg, *endArg)
	if err != nil {
		log.Fatalf("[generate] %v", err)
	}
	weights := rank.DefaultWeights()
	if *weightArg != "" {
		if weights, err = parseWeights(*weightArg); err != nil {
			log.Fatalf("[generate] %v", err)
		}
	}

	gen, err := loadGenerator(*modelPath, *statsPath)
	if err != nil {
		log.Fatalf("[generate] %v", err)
	}
	cfg := gen.Config()
	log.Printf("[generate] model=%s latent=%d hidden=%d layers=%d seq_len=%d",
		*modelPath, cfg.LatentDim, cfg.HiddenDim, cfg.NumLayers, cfg.SeqLen)

	began := time.Now()
	trajs, err := gen.Generate(context.Background(), infer.Request{
		Start:  cond.Start,
		End:    cond.End,
		Count:  *count,
		SeqLen: *seqLen,
		Seed:   *seed,
	})
	if err != nil {
		log.Fatalf("[generate] %v", err)
	}
	ranked := rank.Rank(trajs, cond.End, weights, *dt)
	log.Printf("[generate] candidates=%d seed=%d diversity=%.2f elapsed=%s",
		len(trajs), *seed, rank.Diversity(trajs), time.Since(began).Round(time.Millisecond))

	rank.WriteTable(os.Stdout, ranked)

	if *obstacles != "" {
		obs, err := loadObstacles(*obstacles)
		if err != nil {
			log.Fatalf("[generate] %v", err)
		}
		for _, sr := range rank.RankBySafety(trajs, obs) {
			log.Printf("[generate] safety candidate=%d clearance=%.2f", sr.Index, sr.Clearance)
		}
	}

	if *outPath != "" {
		set := traj.TrajectorySet{Condition: cond, Trajectories: trajs}
		if err := traj.WriteSetFile(*outPath, set); err != nil {
			log.Fatalf("[generate] %v", err)
		}
		log.Printf("[generate] out=%s", *outPath)
	}
	if *csvPath != "" {
		if err := writeMetricsCSV(*csvPath, ranked); err != nil {
			log.Fatalf("[generate] %v", err)
		}
		log.Printf("[generate] csv=%s", *csvPath)
	}
	if *htmlPath != "" {
		if err := viz.RenderTrajectoriesHTML(trajs, ranked, cond, *htmlPath); err != nil {
			log.Fatalf("[generate] %v", err)
		}
		log.Printf("[generate] html=%s", *htmlPath)
	}
}

// loadGenerator prefers the explicit -stats path over the bundle's sidecar.
func loadGenerator(model, stats string) (*infer.Generator, error) {
	if stats == "" {
		return infer.Load(model)
	}
	dec, err := artifact.LoadDecoder(model)
	if err != nil {
		return nil, err
	}
	ns, err := traj.ReadStatsFile(stats)
	if err != nil {
		return nil, err
	}
	return infer.NewGenerator(dec, ns), nil
}

func parseCondition(start, end string) (traj.Condition, error) {
	s, err := parseTriple(start)
	if err != nil {
		return traj.Condition{}, fmt.Errorf("-start: %w", err)
	}
	e, err := parseTriple(end)
	if err != nil {
		return traj.Condition{}, fmt.Errorf("-end: %w", err)
	}
	return traj.Condition{Start: s, End: e}, nil
}

func parseTriple(s string) (traj.Waypoint, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return traj.Waypoint{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return traj.Waypoint{}, fmt.Errorf("component %d of %q: %w", i, s, err)
		}
		v[i] = f
	}
	return traj.Waypoint{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseWeights(s string) (rank.Weights, error) {
	w, err := parseTriple(s)
	if err != nil {
		return rank.Weights{}, fmt.Errorf("-weights: %w", err)
	}
	return rank.Weights{Efficiency: w.X, Smoothness: w.Y, EndpointPenalty: w.Z}, nil
}

func loadObstacles(path string) ([]rank.Obstacle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read obstacles %s: %w", path, err)
	}
	var obs []rank.Obstacle
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("parse obstacles %s: %w", path, err)
	}
	return obs, nil
}

func writeMetricsCSV(path string, ranked []rank.Ranked) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics csv %s: %w", path, err)
	}
	defer f.Close()
	if err := rank.WriteCSV(f, ranked); err != nil {
		return fmt.Errorf("metrics csv %s: %w", path, err)
	}
	return nil
}
