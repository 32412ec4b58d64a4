// Package report renders the artifacts of an experiment: metric charts of
// test runs, loss curves of training runs and image grids of predicted
// sequences.
package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/framecast/evaluator"
)

// XLabel is the x-axis title of every metric chart.
const XLabel = "Time-steps Ahead"

// MetricChart groups record labels that share one chart.
type MetricChart struct {
	File   string
	YLabel string
	Labels []string
}

// MetricCharts lists the charts written by WriteMetricCharts.
var MetricCharts = []MetricChart{
	{File: "Scoring_Quality", YLabel: "Difference", Labels: []string{evaluator.LabelSpatial, evaluator.LabelScaling}},
	{File: "SSIM_Quality", YLabel: "Similarity", Labels: []string{evaluator.LabelSSIM}},
	{File: "RMSE_Quality", YLabel: "Root Mean Square Error (L2 residual)", Labels: []string{evaluator.LabelRMSE}},
	{File: "Scoring_Spatial_Hamming", YLabel: "Hamming Distance", Labels: []string{evaluator.LabelHamming}},
	{File: "Scoring_Spatial_Jaccard", YLabel: "Jaccard Distance", Labels: []string{evaluator.LabelJaccard}},
}

// WriteMetricCharts draws the mean of every label over frame offsets, with
// dashed lines one standard deviation above and below, into PNG files in
// dir. Charts whose labels have no summaries are skipped. It returns the
// paths written.
func WriteMetricCharts(dir string, summaries []evaluator.Summary) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	byLabel := map[string][]evaluator.Summary{}
	for _, s := range summaries {
		byLabel[s.Label] = append(byLabel[s.Label], s)
	}

	var paths []string
	for _, mc := range MetricCharts {
		p := plot.New()
		p.Title.Text = mc.File
		p.X.Label.Text = XLabel
		p.Y.Label.Text = mc.YLabel

		drawn := 0
		for i, label := range mc.Labels {
			rows := byLabel[label]
			if len(rows) == 0 {
				continue
			}
			if err := addBand(p, label, rows, plotutil.Color(i)); err != nil {
				return paths, fmt.Errorf("chart %s: %w", mc.File, err)
			}
			drawn++
		}
		if drawn == 0 {
			continue
		}
		p.Legend.Top = true

		path := filepath.Join(dir, mc.File+".png")
		if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
			return paths, fmt.Errorf("save chart %s: %w", mc.File, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func addBand(p *plot.Plot, label string, rows []evaluator.Summary, c color.Color) error {
	mean := make(plotter.XYs, len(rows))
	lo := make(plotter.XYs, len(rows))
	hi := make(plotter.XYs, len(rows))
	for i, s := range rows {
		x := float64(s.FrameOffset)
		mean[i] = plotter.XY{X: x, Y: s.Mean}
		lo[i] = plotter.XY{X: x, Y: s.Mean - s.StdDev}
		hi[i] = plotter.XY{X: x, Y: s.Mean + s.StdDev}
	}

	line, err := plotter.NewLine(mean)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add(label, line)

	for _, pts := range []plotter.XYs{lo, hi} {
		band, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		band.Color = c
		band.Width = vg.Points(0.5)
		band.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(band)
	}
	return nil
}
