// Package viz renders training diagnostics to files: loss-curve PNGs and an
// interactive HTML view of generated candidates. File outputs only; there
// is no server behind them.
package viz

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/kestrel-data/skypath/internal/train"
)

var (
	trainColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	valColor      = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	reconColor    = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	klColor       = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	smoothColor   = color.RGBA{R: 148, G: 103, B: 189, A: 255}
	boundaryColor = color.RGBA{R: 140, G: 86, B: 75, A: 255}
)

// RenderLossCurves writes loss_total.png, loss_components.png and
// lr_schedule.png into dir.
func RenderLossCurves(history []train.EpochMetrics, dir string) error {
	if len(history) == 0 {
		return fmt.Errorf("no epochs to plot")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}
	if err := renderTotals(history, filepath.Join(dir, "loss_total.png")); err != nil {
		return err
	}
	if err := renderComponents(history, filepath.Join(dir, "loss_components.png")); err != nil {
		return err
	}
	return renderLR(history, filepath.Join(dir, "lr_schedule.png"))
}

func renderTotals(history []train.EpochMetrics, path string) error {
	p := plot.New()
	p.Title.Text = "Training and Validation Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"

	trainPts := make(plotter.XYs, len(history))
	valPts := make(plotter.XYs, len(history))
	for i, m := range history {
		trainPts[i] = plotter.XY{X: float64(m.Epoch), Y: m.Train.Total}
		valPts[i] = plotter.XY{X: float64(m.Epoch), Y: m.Val.Total}
	}

	if err := addLine(p, "train", trainPts, trainColor); err != nil {
		return err
	}
	if err := addLine(p, "val", valPts, valColor); err != nil {
		return err
	}
	p.Legend.Top = true

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save loss plot: %w", err)
	}
	return nil
}

// renderComponents plots the unweighted training-loss components, which is
// where divergence or KL collapse shows up first.
func renderComponents(history []train.EpochMetrics, path string) error {
	p := plot.New()
	p.Title.Text = "Training Loss Components"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Component value"

	series := []struct {
		name  string
		color color.RGBA
		pick  func(m train.EpochMetrics) float64
	}{
		{"reconstruction", reconColor, func(m train.EpochMetrics) float64 { return m.Train.Reconstruction }},
		{"kl", klColor, func(m train.EpochMetrics) float64 { return m.Train.KL }},
		{"smoothness", smoothColor, func(m train.EpochMetrics) float64 { return m.Train.Smoothness }},
		{"boundary", boundaryColor, func(m train.EpochMetrics) float64 { return m.Train.Boundary }},
	}
	for _, s := range series {
		pts := make(plotter.XYs, len(history))
		for i, m := range history {
			pts[i] = plotter.XY{X: float64(m.Epoch), Y: s.pick(m)}
		}
		if err := addLine(p, s.name, pts, s.color); err != nil {
			return err
		}
	}
	p.Legend.Top = true

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save components plot: %w", err)
	}
	return nil
}

func renderLR(history []train.EpochMetrics, path string) error {
	p := plot.New()
	p.Title.Text = "Learning Rate Schedule"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Learning rate"

	pts := make(plotter.XYs, len(history))
	for i, m := range history {
		pts[i] = plotter.XY{X: float64(m.Epoch), Y: m.LR}
	}
	if err := addLine(p, "lr", pts, trainColor); err != nil {
		return err
	}
	p.Legend.Top = true

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save lr plot: %w", err)
	}
	return nil
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.RGBA) error {
	l, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	l.Color = c
	l.Width = vg.Points(1)
	p.Add(l)
	p.Legend.Add(name, l)
	return nil
}
