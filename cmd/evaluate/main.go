// Evaluation CLI: loads a stored trajectory set, computes quality metrics
// for every candidate and prints the ranking, optionally as CSV.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/kestrel-data/skypath/internal/rank"
	"github.com/kestrel-data/skypath/internal/traj"
	"github.com/kestrel-data/skypath/internal/version"
)

var (
	inPath    = flag.String("in", "", "Trajectory set JSON (required)")
	endArg    = flag.String("end", "", "End condition as x,y,z; defaults to the set's condition")
	dt        = flag.Float64("dt", rank.DefaultDT, "Waypoint sampling interval in seconds")
	weightArg = flag.String("weights", "", "Ranking weights as efficiency,smoothness,endpoint-penalty")
	csvPath   = flag.String("csv", "", "Metrics CSV output; empty disables")
)

func main() {
	flag.Parse()
	log.Printf("[evaluate] skypath %s", version.String())
	if *inPath == "" {
		log.Fatalf("[evaluate] -in is required")
	}

	set, err := traj.ReadSetFile(*inPath)
	if err != nil {
		log.Fatalf("[evaluate] %v", err)
	}
	end := set.Condition.End
	if *endArg != "" {
		if end, err = parseTriple(*endArg); err != nil {
			log.Fatalf("[evaluate] -end: %v", err)
		}
	}
	weights := rank.DefaultWeights()
	if *weightArg != "" {
		w, err := parseTriple(*weightArg)
		if err != nil {
			log.Fatalf("[evaluate] -weights: %v", err)
		}
		weights = rank.Weights{Efficiency: w.X, Smoothness: w.Y, EndpointPenalty: w.Z}
	}

	ranked := rank.Rank(set.Trajectories, end, weights, *dt)
	log.Printf("[evaluate] in=%s candidates=%d end=(%.1f,%.1f,%.1f) diversity=%.2f",
		*inPath, len(set.Trajectories), end.X, end.Y, end.Z, rank.Diversity(set.Trajectories))
	rank.WriteTable(os.Stdout, ranked)

	lim := rank.DefaultLimits()
	for _, rk := range ranked {
		if !rank.IsValid(set.Trajectories[rk.Index], lim) {
			log.Printf("[evaluate] candidate=%d outside_flight_envelope max_curv=%.4f alt=[%.1f,%.1f]",
				rk.Index, rk.Metrics.MaxCurvature, rk.Metrics.MinAltitude, rk.Metrics.MaxAltitude)
		}
	}

	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			log.Fatalf("[evaluate] create csv %s: %v", *csvPath, err)
		}
		if err := rank.WriteCSV(f, ranked); err != nil {
			f.Close()
			log.Fatalf("[evaluate] csv %s: %v", *csvPath, err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("[evaluate] close csv %s: %v", *csvPath, err)
		}
		log.Printf("[evaluate] csv=%s", *csvPath)
	}
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
