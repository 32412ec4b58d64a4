package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Noofbiz/framecast/evaluator"
	"github.com/Noofbiz/framecast/models"
	"github.com/Noofbiz/framecast/report"
	"github.com/Noofbiz/framecast/rollout"
	"github.com/Noofbiz/framecast/store"
	"github.com/Noofbiz/framecast/video"
)

// TestResult summarizes a test run.
type TestResult struct {
	RunID     string
	Clips     int
	Records   int
	Failed    int
	Summaries []evaluator.Summary
	Charts    []string
}

// Strategy returns the rollout strategy configured for test runs.
func (e *Experiment) Strategy() rollout.Strategy {
	return rollout.Strategy{Refeed: e.Config.Refeed, ReinsertEvery: e.Config.ReinsertFrequency}
}

// Test predicts NumTotalOutputFrames frames of every clip of src, starting
// after the input window at TestStartingPoint, and scores them against the
// ground truth. Records are stored under a new test run and charted.
func (r *Runner) Test(ctx context.Context, src BatchSource) (*TestResult, error) {
	e := r.exp
	cfg := e.Config
	strategy := e.Strategy()
	ev := evaluator.New(e.Normalizer, evaluator.WithLogger(r.logger))
	res := &TestResult{}

	r.logger.Info("testing",
		"model", models.Describe(e.Model),
		"batches", src.Len(),
		"num_total_output_frames", cfg.NumTotalOutputFrames,
		"test_starting_point", cfg.TestStartingPoint,
		"refeed", strategy.Refeed,
		"reinsert_frequency", strategy.ReinsertEvery)

	batchNr := 0
	err := src.Iterate(ctx, func(b *video.Batch) error {
		outputs := make([][]video.Frame, b.Size())
		targets := make([][]video.Frame, b.Size())
		first := cfg.TestStartingPoint + cfg.NumInputFrames
		for i, c := range b.Clips {
			out, err := rollout.FromClip(e.Model, c.Frames, cfg.TestStartingPoint, cfg.NumTotalOutputFrames, strategy)
			if err != nil {
				return fmt.Errorf("clip %s: %w", c.Name, err)
			}
			outputs[i] = out
			targets[i] = c.Frames[first : first+cfg.NumTotalOutputFrames]
		}
		failed, err := ev.CompareOutputTarget(outputs, targets)
		if err != nil {
			return err
		}
		res.Failed += failed
		res.Clips += b.Size()

		if batchNr == 0 {
			if err := r.savePredictions(outputs, targets); err != nil {
				return err
			}
		}
		batchNr++
		if cfg.Debug {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	if res.Clips == 0 {
		return nil, errors.New("test set yielded no batches")
	}

	records := ev.Finalize()
	res.Records = len(records)
	res.Summaries = evaluator.Summarize(records)

	s, err := e.Store()
	if err != nil {
		return nil, err
	}
	params, err := runParams(e)
	if err != nil {
		return nil, err
	}
	run := &store.Run{
		Kind:       store.KindTest,
		Experiment: cfg.ExperimentName,
		Model:      models.Describe(e.Model),
		ParamsJSON: params,
	}
	if err := s.CreateRun(run); err != nil {
		return nil, err
	}
	if err := s.InsertRecords(run.RunID, records); err != nil {
		return nil, err
	}
	res.RunID = run.RunID

	res.Charts, err = report.WriteMetricCharts(e.Layout.Charts, res.Summaries)
	if err != nil {
		return nil, err
	}
	r.phase = Done
	r.logger.Info("test done",
		"run_id", res.RunID,
		"clips", res.Clips,
		"records", res.Records,
		"failed", res.Failed,
		"charts", len(res.Charts))
	return res, nil
}

// savePredictions writes the ground truth above the prediction for every
// clip of one batch.
func (r *Runner) savePredictions(outputs, targets [][]video.Frame) error {
	norm := r.exp.Normalizer
	for i := range outputs {
		path := filepath.Join(r.exp.Layout.Predictions, fmt.Sprintf("%03d.png", i))
		if err := report.SaveSequence(path, denormalize(norm, targets[i]), denormalize(norm, outputs[i])); err != nil {
			return err
		}
	}
	return nil
}

func runParams(e *Experiment) (json.RawMessage, error) {
	data, err := json.Marshal(e.Config)
	if err != nil {
		return nil, fmt.Errorf("encode run params: %w", err)
	}
	return data, nil
}

func denormalize(norm video.Normalizer, fs []video.Frame) []video.Frame {
	out := make([]video.Frame, len(fs))
	for i, f := range fs {
		out[i] = norm.Denormalize(f)
	}
	return out
}
