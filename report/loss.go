package report

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Losses is the loss history of a training run.
type Losses struct {
	Epochs         []int
	TrainLoss      []float64
	ValidationLoss []float64
	BatchNr        []int
	BatchLoss      []float64
}

// WriteLossChart renders an HTML page with the per-epoch train and
// validation losses and, when present, the per-batch training loss.
func WriteLossChart(w io.Writer, title string, l Losses) error {
	if len(l.TrainLoss) != len(l.Epochs) || len(l.ValidationLoss) != len(l.Epochs) {
		return fmt.Errorf("loss chart: %d epochs, %d train and %d validation losses",
			len(l.Epochs), len(l.TrainLoss), len(l.ValidationLoss))
	}
	if len(l.BatchLoss) != len(l.BatchNr) {
		return fmt.Errorf("loss chart: %d batch numbers, %d batch losses", len(l.BatchNr), len(l.BatchLoss))
	}

	epochs := charts.NewLine()
	epochs.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: "Loss per epoch"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Epoch", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "MSE"}),
	)
	epochs.SetXAxis(labels(l.Epochs)).
		AddSeries("train", lineData(l.TrainLoss)).
		AddSeries("validation", lineData(l.ValidationLoss))

	page := components.NewPage()
	page.AddCharts(epochs)

	if len(l.BatchNr) > 0 {
		batches := charts.NewLine()
		batches.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
			charts.WithTitleOpts(opts.Title{Title: "Batch loss"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Batch", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: "MSE"}),
		)
		batches.SetXAxis(labels(l.BatchNr)).AddSeries("train", lineData(l.BatchLoss))
		page.AddCharts(batches)
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render loss chart: %w", err)
	}
	return nil
}

func labels(xs []int) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = strconv.Itoa(x)
	}
	return out
}

// lineData turns ys into points. Non-finite values become "-", which echarts
// draws as a gap.
func lineData(ys []float64) []opts.LineData {
	out := make([]opts.LineData, len(ys))
	for i, y := range ys {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			out[i] = opts.LineData{Value: "-"}
			continue
		}
		out[i] = opts.LineData{Value: y}
	}
	return out
}
