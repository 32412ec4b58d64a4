package experiment

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/framecast/config"
	"github.com/Noofbiz/framecast/models"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// writeDataset creates n clips of frames PNG files each under a temp dir.
func writeDataset(t *testing.T, n, frames, size int) string {
	t.Helper()
	root := t.TempDir()
	for c := 0; c < n; c++ {
		dir := filepath.Join(root, fmt.Sprintf("clip_%02d", c))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < frames; i++ {
			img := image.NewGray(image.Rect(0, 0, size, size))
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					v := 128 + 100*math.Sin(float64(x+i+c)/3)*math.Cos(float64(y)/4)
					img.SetGray(x, y, color.Gray{Y: uint8(v)})
				}
			}
			fh, err := os.Create(filepath.Join(dir, fmt.Sprintf("%04d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(fh, img))
			require.NoError(t, fh.Close())
		}
	}
	return root
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ExperimentName = "waves"
	cfg.ExperimentsDir = t.TempDir()
	cfg.DataDir = writeDataset(t, 10, 16, 16)
	cfg.ModelType = string(models.Linear)
	cfg.Normalizer = "none"
	cfg.ImageSize = 16
	cfg.TestFraction = 0.2
	cfg.ValidationFraction = 0.2
	cfg.RandomFlips = false
	cfg.BatchSize = 4
	cfg.NumWorkers = 2
	cfg.NumInputFrames = 2
	cfg.NumOutputFrames = 3
	cfg.SamplesPerSequence = 2
	cfg.NumTotalOutputFrames = 6
	cfg.TestStartingPoint = 2
	cfg.NumEpochs = 2
	cfg.LearningRate = 0.01
	return cfg
}

func train(t *testing.T, exp *Experiment) *Runner {
	t.Helper()
	trainSrc, valSrc, _, err := exp.Loaders()
	require.NoError(t, err)
	r := NewRunner(exp)
	require.NoError(t, r.Train(context.Background(), trainSrc, valSrc))
	assert.Equal(t, Done, r.Phase())
	return r
}

func TestTrainThenTest(t *testing.T) {
	cfg := testConfig(t)
	exp, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	assert.Len(t, exp.Split.Train, 6)
	assert.Len(t, exp.Split.Validation, 2)
	assert.Len(t, exp.Split.Test, 2)

	train(t, exp)
	assert.Equal(t, []int{0, 1}, exp.Progress.EpochNr)
	// 6 training clips in batches of 4
	assert.Equal(t, []int{0, 1, 2, 3}, exp.Progress.BatchNr)
	for _, p := range []string{
		exp.Layout.ModelLatest, exp.Layout.ModelBest, exp.Layout.Progress,
		exp.Layout.Metadata, exp.Layout.Datasets,
		filepath.Join(exp.Layout.Training, "epoch_000.png"),
		filepath.Join(exp.Layout.Training, "epoch_001.png"),
	} {
		assert.FileExists(t, p)
	}

	s, err := exp.Store()
	require.NoError(t, err)
	epochs, err := s.Epochs(exp.RunID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Equal(t, exp.Progress.ValidationLoss[1], epochs[1].ValidationLoss)
	assert.False(t, math.IsNaN(epochs[1].PreviewRMSE))
	assert.Greater(t, epochs[1].PreviewRMSE, 0.0)
	runID := exp.RunID
	require.NoError(t, exp.Close())

	tst, err := Open(cfg, ModeTest, quiet)
	require.NoError(t, err)
	defer tst.Close()
	assert.Equal(t, runID, tst.RunID)
	assert.Equal(t, exp.Split, tst.Split)

	_, _, testSrc, err := tst.Loaders()
	require.NoError(t, err)
	res, err := NewRunner(tst).Test(context.Background(), testSrc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Clips)
	assert.NotEmpty(t, res.Charts)
	assert.NotEmpty(t, res.Summaries)

	s, err = tst.Store()
	require.NoError(t, err)
	records, err := s.Records(res.RunID)
	require.NoError(t, err)
	assert.Len(t, records, res.Records)
	assert.FileExists(t, filepath.Join(tst.Layout.Predictions, "000.png"))
	assert.FileExists(t, filepath.Join(tst.Layout.Charts, "RMSE_Quality.png"))
}

func setParams(m models.Model, v float32) {
	for _, p := range m.(models.Trainable).Params() {
		for i := range p.Value {
			p.Value[i] = v
		}
	}
}

func paramValue(t *testing.T, m models.Model) float32 {
	t.Helper()
	return m.(models.Trainable).Params()[0].Value[0]
}

func TestFinishEpochKeepsBestCheckpoint(t *testing.T) {
	exp, err := Open(testConfig(t), ModeTrain, quiet)
	require.NoError(t, err)
	defer exp.Close()
	r := NewRunner(exp)

	for epoch, loss := range []float64{0.08, 0.05, 0.07} {
		setParams(exp.Model, float32(epoch+1))
		require.NoError(t, r.finishEpoch(epoch, loss, loss, 0))
	}

	best, err := exp.Checkpoints().Load(Best)
	require.NoError(t, err)
	assert.Equal(t, float32(2), paramValue(t, best))

	latest, err := exp.Checkpoints().Load(Latest)
	require.NoError(t, err)
	assert.Equal(t, float32(3), paramValue(t, latest))

	loss, epoch := exp.Progress.BestValidationLoss()
	assert.Equal(t, 0.05, loss)
	assert.Equal(t, 1, epoch)
}

func TestFinishEpochKeepsNonFiniteLosses(t *testing.T) {
	exp, err := Open(testConfig(t), ModeTrain, quiet)
	require.NoError(t, err)
	defer exp.Close()
	r := NewRunner(exp)

	// a diverged step leaves NaN in the optimizer moments
	params := exp.Model.(models.Trainable).Params()
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = float32(math.NaN())
		}
	}
	exp.Optimizer.Step(params)

	require.NoError(t, r.finishEpoch(0, math.NaN(), math.NaN(), 0))
	require.NoError(t, r.finishEpoch(1, math.Inf(1), math.Inf(1), 0))
	assert.FileExists(t, exp.Layout.ModelLatest)

	logged, err := LoadProgressLog(exp.Layout.Progress)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, logged.EpochNr)
	assert.True(t, math.IsNaN(logged.TrainLoss[0]))
	assert.True(t, math.IsNaN(logged.ValidationLoss[1]))

	md, err := LoadMetadata(exp.Layout.Metadata)
	require.NoError(t, err)
	assert.Equal(t, exp.Optimizer.Steps(), md.Optimizer.Step)

	s, err := exp.Store()
	require.NoError(t, err)
	epochs, err := s.Epochs(exp.RunID)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.True(t, math.IsNaN(epochs[0].ValidationLoss))
	assert.True(t, math.IsNaN(epochs[1].PreviewRMSE))

	// the first finite epoch becomes the best
	setParams(exp.Model, 7)
	require.NoError(t, r.finishEpoch(2, 0.1, 0.1, 0))
	best, err := exp.Checkpoints().Load(Best)
	require.NoError(t, err)
	assert.Equal(t, float32(7), paramValue(t, best))
	loss, epoch := exp.Progress.BestValidationLoss()
	assert.Equal(t, 0.1, loss)
	assert.Equal(t, 2, epoch)
}

func TestResumeStartsAfterLastEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumEpochs = 1
	exp, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	train(t, exp)
	require.NoError(t, exp.Close())

	cfg.NumEpochs = 3
	cfg.ContinueExperiment = true
	cfg.LearningRate = 0.5
	resumed, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, 1, resumed.StartingEpoch)
	assert.Equal(t, exp.RunID, resumed.RunID)
	assert.Equal(t, 3, resumed.Config.NumEpochs)
	// stored hyperparameters win over the new configuration
	assert.Equal(t, 0.01, resumed.Config.LearningRate)
	assert.Equal(t, exp.Optimizer.Steps(), resumed.Optimizer.Steps())

	train(t, resumed)
	assert.Equal(t, []int{0, 1, 2}, resumed.Progress.EpochNr)

	s, err := resumed.Store()
	require.NoError(t, err)
	epochs, err := s.Epochs(resumed.RunID)
	require.NoError(t, err)
	assert.Len(t, epochs, 3)
}

func TestTrainNothingLeft(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumEpochs = 1
	exp, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	train(t, exp)
	require.NoError(t, exp.Close())

	cfg.ContinueExperiment = true
	again, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 1, again.StartingEpoch)
	train(t, again)
	assert.Equal(t, []int{0}, again.Progress.EpochNr)
}

func TestDebugRunsOneBatchPerEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debug = true
	exp, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	defer exp.Close()
	assert.Equal(t, config.DebugNumOutputFrames, exp.Config.NumOutputFrames)

	train(t, exp)
	assert.Equal(t, []int{0, 1}, exp.Progress.BatchNr)
}

func TestOpenWithoutCheckpoint(t *testing.T) {
	cfg := testConfig(t)

	_, err := Open(cfg, ModeTest, quiet)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	cfg.ContinueExperiment = true
	_, err = Open(cfg, ModeTrain, quiet)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	cfg.BestEffortResume = true
	exp, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	defer exp.Close()
	assert.Equal(t, 0, exp.StartingEpoch)
	assert.FileExists(t, exp.Layout.Metadata)
}

func TestOpenRejectsWindowMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumEpochs = 1
	exp, err := Open(cfg, ModeTrain, quiet)
	require.NoError(t, err)
	train(t, exp)
	require.NoError(t, exp.Close())

	// swap in a checkpoint with a different output window
	other := cfg.ModelConfig()
	other.NumOutputFrames = 4
	m, err := models.New(other)
	require.NoError(t, err)
	require.NoError(t, exp.Checkpoints().Save(Best, m))

	_, err = Open(cfg, ModeTest, quiet)
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestProgressLog(t *testing.T) {
	p := &ProgressLog{}
	assert.Equal(t, -1, p.LastEpoch())
	loss, epoch := p.BestValidationLoss()
	assert.True(t, math.IsInf(loss, 1))
	assert.Equal(t, -1, epoch)

	p.RecordEpoch(0, 1, 0.3)
	p.RecordEpoch(1, 0.8, 0.1)
	p.RecordEpoch(2, 0.7, 0.2)
	assert.Equal(t, 0, p.RecordBatch(0.5))
	assert.Equal(t, 1, p.RecordBatch(0.4))

	loss, epoch = p.BestValidationLoss()
	assert.Equal(t, 0.1, loss)
	assert.Equal(t, 1, epoch)
	assert.Equal(t, 2, p.LastEpoch())

	path := filepath.Join(t.TempDir(), "logger.json")
	require.NoError(t, p.Save(path))
	got, err := LoadProgressLog(path)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	require.NoError(t, os.WriteFile(path, []byte(`{"epoch_nr":[0],"train_loss":[]}`), 0o644))
	_, err = LoadProgressLog(path)
	assert.ErrorContains(t, err, "inconsistent")
}

func TestLayout(t *testing.T) {
	l := NewLayout("exps", "waves", false)
	assert.Equal(t, filepath.Join("exps", "waves", "predictions"), l.Predictions)
	assert.Equal(t, filepath.Join("exps", "waves", "models", "model_best.gob"), l.ModelBest)

	r := NewLayout("exps", "waves", true)
	assert.Equal(t, filepath.Join("exps", "waves", "predictions_refeed"), r.Predictions)
	assert.Equal(t, filepath.Join("exps", "waves", "charts_refeed"), r.Charts)
	assert.Equal(t, l.Metadata, r.Metadata)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "validating", ValidatingEpoch.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
	assert.Equal(t, "test", ModeTest.String())
}
