package viz

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kestrel-data/skypath/internal/rank"
	"github.com/kestrel-data/skypath/internal/traj"
)

// RenderTrajectoriesHTML writes an interactive 3D page of ranked candidate
// trajectories. ranked indexes into trajs; series are listed best first and
// shaded green to red by rank. The dashed gray line is the requested
// start-to-end condition.
func RenderTrajectoriesHTML(trajs []traj.Trajectory, ranked []rank.Ranked, cond traj.Condition, path string) error {
	if len(ranked) == 0 {
		return fmt.Errorf("no candidates to render")
	}

	line := charts.NewLine3D()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Trajectory Candidates",
			Width:     "1200px",
			Height:    "800px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Generated trajectory candidates",
			Subtitle: fmt.Sprintf("%d candidates, best score %.3f", len(ranked), ranked[0].Score),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithGrid3DOpts(opts.Grid3D{Show: opts.Bool(true)}),
		charts.WithXAxis3DOpts(opts.XAxis3D{Name: "X (m)", Type: "value"}),
		charts.WithYAxis3DOpts(opts.YAxis3D{Name: "Y (m)", Type: "value"}),
		charts.WithZAxis3DOpts(opts.ZAxis3D{Name: "Z (m)", Type: "value"}),
	)

	for pos, rk := range ranked {
		tr := trajs[rk.Index]
		data := make([]opts.Chart3DData, len(tr))
		for i, w := range tr {
			data[i] = opts.Chart3DData{Value: []interface{}{w.X, w.Y, w.Z}}
		}
		line.AddSeries(
			fmt.Sprintf("rank %d (score %.3f)", pos+1, rk.Score),
			data,
			charts.WithLineStyleOpts(opts.LineStyle{Width: 3, Color: rankColor(pos, len(ranked))}),
		)
	}

	ref := []opts.Chart3DData{
		{Value: []interface{}{cond.Start.X, cond.Start.Y, cond.Start.Z}},
		{Value: []interface{}{cond.End.X, cond.End.Y, cond.End.Z}},
	}
	line.AddSeries("requested", ref,
		charts.WithLineStyleOpts(opts.LineStyle{Width: 1, Type: "dashed", Color: "#888888"}))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create candidates html: %w", err)
	}
	if err := line.Render(f); err != nil {
		f.Close()
		return fmt.Errorf("render candidates: %w", err)
	}
	return f.Close()
}

// rankColor shades series from green for the best candidate to red for the
// worst.
func rankColor(pos, n int) string {
	if n <= 1 {
		return "#2ca02c"
	}
	f := float64(pos) / float64(n-1)
	r := int(60 + f*180)
	g := int(200 - f*150)
	return fmt.Sprintf("#%02x%02x50", r, g)
}
