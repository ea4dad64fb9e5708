package rank

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteTable prints a ranked candidate list as a fixed-width table, best
// first.
func WriteTable(w io.Writer, ranked []Ranked) {
	fmt.Fprintf(w, "%-5s %-9s %-8s %-8s %-8s %-10s %-10s %-10s\n",
		"rank", "candidate", "score", "length", "effic", "smooth", "end_err", "max_curv")
	for pos, rk := range ranked {
		m := rk.Metrics
		fmt.Fprintf(w, "%-5d %-9d %-8.4f %-8.1f %-8.4f %-10.4f %-10.2f %-10.4f\n",
			pos+1, rk.Index, rk.Score, m.PathLength, m.Efficiency, m.Smoothness, m.EndpointError, m.MaxCurvature)
	}
}

// csvHeader lists the WriteCSV columns in order.
var csvHeader = []string{
	"rank", "candidate", "score", "path_length", "straight_line", "efficiency",
	"avg_curvature", "max_curvature", "smoothness", "endpoint_error",
	"avg_velocity", "min_altitude", "max_altitude", "mean_altitude",
}

// WriteCSV writes one metrics row per ranked candidate, best first.
func WriteCSV(w io.Writer, ranked []Ranked) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write metrics header: %w", err)
	}
	f6 := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	for pos, rk := range ranked {
		m := rk.Metrics
		row := []string{
			strconv.Itoa(pos + 1), strconv.Itoa(rk.Index), f6(rk.Score),
			f6(m.PathLength), f6(m.StraightLine), f6(m.Efficiency),
			f6(m.AvgCurvature), f6(m.MaxCurvature), f6(m.Smoothness),
			f6(m.EndpointError), f6(m.AvgVelocity),
			f6(m.MinAltitude), f6(m.MaxAltitude), f6(m.MeanAltitude),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write metrics row %d: %w", pos, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
