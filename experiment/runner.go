package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/Noofbiz/framecast/evaluator"
	"github.com/Noofbiz/framecast/models"
	"github.com/Noofbiz/framecast/report"
	"github.com/Noofbiz/framecast/rollout"
	"github.com/Noofbiz/framecast/sampler"
	"github.com/Noofbiz/framecast/store"
	"github.com/Noofbiz/framecast/video"
)

// Phase is the stage a Runner is in.
type Phase int

const (
	Initializing Phase = iota
	TrainingEpoch
	ValidatingEpoch
	Checkpointing
	Done
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case TrainingEpoch:
		return "training"
	case ValidatingEpoch:
		return "validating"
	case Checkpointing:
		return "checkpointing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// errStop ends a batch iteration early without failing it.
var errStop = errors.New("stop iteration")

// Runner trains and tests the model of an experiment.
type Runner struct {
	exp    *Experiment
	phase  Phase
	logger *slog.Logger

	trainRunCreated bool
	preview         *preview
	mse             *models.BatchMSE
}

// preview is the first clip of the last validation batch of an epoch.
type preview struct {
	input, target, output []video.Frame
}

// NewRunner creates a runner for exp.
func NewRunner(exp *Experiment) *Runner {
	logger := exp.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{exp: exp, logger: logger}
}

// Phase returns the current stage.
func (r *Runner) Phase() Phase { return r.phase }

// Train runs epochs StartingEpoch through NumEpochs-1. After every epoch the
// latest checkpoint, progress log and metadata are written, and the best
// checkpoint when the validation loss improved on every earlier epoch.
func (r *Runner) Train(ctx context.Context, train, validation BatchSource) error {
	e := r.exp
	cfg := e.Config
	if e.StartingEpoch >= cfg.NumEpochs {
		r.logger.Info("nothing to train", "starting_epoch", e.StartingEpoch, "num_epochs", cfg.NumEpochs)
		r.phase = Done
		return nil
	}
	mse, err := models.NewBatchMSE()
	if err != nil {
		return err
	}
	defer mse.Close()
	r.mse = mse

	r.logger.Info("training",
		"model", models.Describe(e.Model),
		"params", models.NumParams(e.Model),
		"epochs", fmt.Sprintf("%d..%d", e.StartingEpoch, cfg.NumEpochs-1),
		"train_batches", train.Len(),
		"validation_batches", validation.Len())

	for epoch := e.StartingEpoch; epoch < cfg.NumEpochs; epoch++ {
		start := time.Now()

		r.phase = TrainingEpoch
		trainLoss, err := r.trainEpoch(ctx, epoch, train)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		r.phase = ValidatingEpoch
		valLoss, err := r.validate(ctx, validation)
		if err != nil {
			return fmt.Errorf("epoch %d: validate: %w", epoch, err)
		}

		r.phase = Checkpointing
		if err := r.finishEpoch(epoch, trainLoss, valLoss, time.Since(start)); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	r.phase = Done
	return nil
}

func (r *Runner) epochSampler(epoch int) *sampler.Sampler {
	return sampler.New(rand.New(rand.NewSource(r.exp.Config.Seed + int64(epoch))))
}

func (r *Runner) trainEpoch(ctx context.Context, epoch int, src BatchSource) (float64, error) {
	smp := r.epochSampler(epoch)
	var sum float64
	n := 0
	err := src.Iterate(ctx, func(b *video.Batch) error {
		loss, err := r.trainBatch(smp, b)
		if err != nil {
			return err
		}
		nr := r.exp.Progress.RecordBatch(loss)
		sum += loss
		n++
		r.logger.Debug("batch loss", "epoch", epoch, "batch", nr, "loss", loss)
		if r.exp.Config.Debug {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("training set yielded no batches")
	}
	return sum / float64(n), nil
}

// trainBatch draws SamplesPerSequence windows shared by every clip of b and
// takes one optimizer step per window. Models without parameters are only
// scored. It returns the mean window loss.
func (r *Runner) trainBatch(smp *sampler.Sampler, b *video.Batch) (float64, error) {
	e := r.exp
	cfg := e.Config
	spans, err := smp.Sample(b.Length(), cfg.NumInputFrames, cfg.NumOutputFrames, cfg.SamplesPerSequence)
	if err != nil {
		return 0, err
	}

	tm, trainable := e.Model.(models.Trainable)
	var total float64
	for _, sp := range spans {
		var windowLoss float64
		if trainable {
			inputs, err := b.Windows(sp.Start, sp.InputEnd-sp.Start)
			if err != nil {
				return 0, err
			}
			targets, err := b.Windows(sp.InputEnd, sp.TargetEnd-sp.InputEnd)
			if err != nil {
				return 0, err
			}
			params := tm.Params()
			models.ZeroGrads(params)
			for i, c := range b.Clips {
				loss, err := tm.Accumulate(inputs[i], targets[i])
				if err != nil {
					return 0, fmt.Errorf("clip %s: %w", c.Name, err)
				}
				windowLoss += loss
			}
			models.ScaleGrads(params, 1/float32(b.Size()))
			e.Optimizer.Step(params)
		} else {
			for _, c := range b.Clips {
				loss, err := r.score(c, sp)
				if err != nil {
					return 0, err
				}
				windowLoss += loss
			}
		}
		total += windowLoss / float64(b.Size())
	}
	return total / float64(len(spans)), nil
}

// score predicts the target window of sp from its input window and returns
// the mean squared error.
func (r *Runner) score(c video.Clip, sp sampler.Span) (float64, error) {
	input := c.Frames[sp.Start:sp.InputEnd]
	target := c.Frames[sp.InputEnd:sp.TargetEnd]
	out, err := rollout.Rollout(r.exp.Model, input, len(target))
	if err != nil {
		return 0, fmt.Errorf("clip %s: %w", c.Name, err)
	}
	return models.MSE(out, target)
}

// validate returns the mean loss over validation batches. Windows are drawn
// from a sampler seeded identically every epoch so losses are comparable.
// The predictions of a window are scored for the whole batch at once.
func (r *Runner) validate(ctx context.Context, src BatchSource) (float64, error) {
	cfg := r.exp.Config
	smp := sampler.New(rand.New(rand.NewSource(cfg.Seed)))
	var sum float64
	n := 0
	r.preview = nil
	err := src.Iterate(ctx, func(b *video.Batch) error {
		spans, err := smp.Sample(b.Length(), cfg.NumInputFrames, cfg.NumOutputFrames, cfg.SamplesPerSequence)
		if err != nil {
			return err
		}
		var batchLoss float64
		for _, sp := range spans {
			outputs := make([]video.Clip, b.Size())
			targets := make([]video.Clip, b.Size())
			for i, c := range b.Clips {
				input := c.Frames[sp.Start:sp.InputEnd]
				target := c.Frames[sp.InputEnd:sp.TargetEnd]
				out, err := rollout.Rollout(r.exp.Model, input, len(target))
				if err != nil {
					return fmt.Errorf("clip %s: %w", c.Name, err)
				}
				if i == 0 {
					r.preview = &preview{input: input, target: target, output: out}
				}
				outputs[i] = video.Clip{Name: c.Name, Frames: out}
				targets[i] = video.Clip{Name: c.Name, Frames: target}
			}
			losses, err := r.windowLosses(outputs, targets)
			if err != nil {
				return err
			}
			for _, l := range losses {
				batchLoss += l
			}
		}
		sum += batchLoss / float64(b.Size()*len(spans))
		n++
		if cfg.Debug {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("validation set yielded no batches")
	}
	return sum / float64(n), nil
}

func (r *Runner) windowLosses(outputs, targets []video.Clip) ([]float64, error) {
	pred, err := video.NewBatch(outputs)
	if err != nil {
		return nil, fmt.Errorf("predicted windows: %w", err)
	}
	tgt, err := video.NewBatch(targets)
	if err != nil {
		return nil, fmt.Errorf("target windows: %w", err)
	}
	return r.mse.Compute(pred, tgt)
}

// finishEpoch records the losses of epoch and writes every artifact of it.
// Non-finite losses are kept. The progress log and metadata are encoded
// before the first file is written.
func (r *Runner) finishEpoch(epoch int, trainLoss, valLoss float64, elapsed time.Duration) error {
	e := r.exp
	prevBest, prevBestEpoch := e.Progress.BestValidationLoss()
	e.Progress.RecordEpoch(epoch, trainLoss, valLoss)

	if e.Scheduler.Step(valLoss) {
		r.logger.Info("reduced learning rate", "epoch", epoch, "learning_rate", e.Optimizer.LearningRate())
	}
	if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
		r.logger.Warn("validation loss is not finite", "epoch", epoch, "train_loss", trainLoss, "validation_loss", valLoss)
	}

	progress, err := e.Progress.encode()
	if err != nil {
		return err
	}
	meta, err := encodeMetadata(e.metadata())
	if err != nil {
		return err
	}

	if err := e.checkpoints.Save(Latest, e.Model); err != nil {
		return err
	}
	if valLoss < prevBest {
		if err := e.checkpoints.Save(Best, e.Model); err != nil {
			return err
		}
		r.logger.Info("new best model", "epoch", epoch, "validation_loss", valLoss,
			"previous", prevBest, "previous_epoch", prevBestEpoch)
	}
	if err := writeFileAtomic(e.Layout.Progress, progress); err != nil {
		return err
	}
	if err := writeFileAtomic(e.Layout.Metadata, meta); err != nil {
		return err
	}

	previewRMSE := r.previewRMSE(epoch)
	if err := r.recordEpoch(store.EpochLoss{
		Epoch:          epoch,
		TrainLoss:      trainLoss,
		ValidationLoss: valLoss,
		LearningRate:   e.Optimizer.LearningRate(),
		Elapsed:        elapsed,
		PreviewRMSE:    previewRMSE,
	}); err != nil {
		return err
	}

	r.logger.Info("epoch done",
		"epoch", epoch,
		"train_loss", trainLoss,
		"validation_loss", valLoss,
		"preview_rmse", previewRMSE,
		"learning_rate", e.Optimizer.LearningRate(),
		"elapsed", elapsed.Round(time.Millisecond))
	return r.savePreview(epoch)
}

func (r *Runner) recordEpoch(loss store.EpochLoss) error {
	e := r.exp
	s, err := e.Store()
	if err != nil {
		return err
	}
	if !r.trainRunCreated {
		if _, err := s.Run(e.RunID); errors.Is(err, store.ErrNotFound) {
			params, err := runParams(e)
			if err != nil {
				return err
			}
			if err := s.CreateRun(&store.Run{
				RunID:      e.RunID,
				Kind:       store.KindTrain,
				Experiment: e.Config.ExperimentName,
				Model:      models.Describe(e.Model),
				ParamsJSON: params,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		r.trainRunCreated = true
	}
	return s.RecordEpoch(e.RunID, loss)
}

// previewRMSE returns the mean RMSE of the kept validation prediction over
// its frames, or NaN when there is none or no frame could be scored.
func (r *Runner) previewRMSE(epoch int) float64 {
	p := r.preview
	if p == nil || len(p.output) == 0 {
		return math.NaN()
	}
	ev := evaluator.New(r.exp.Normalizer, evaluator.WithLogger(r.logger))
	for k := range p.output {
		if err := ev.Add(p.output[k], p.target[k], k, evaluator.RMSE); err != nil {
			r.logger.Warn("preview metric failed", "epoch", epoch, "frame_offset", k, "err", err)
		}
	}
	recs := ev.Finalize()
	if len(recs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, rec := range recs {
		sum += rec.Value
	}
	return sum / float64(len(recs))
}

// savePreview writes the kept validation prediction next to its input and
// ground truth.
func (r *Runner) savePreview(epoch int) error {
	p := r.preview
	if p == nil || len(p.output) == 0 {
		return nil
	}
	e := r.exp
	in := denormalize(e.Normalizer, p.input)
	path := filepath.Join(e.Layout.Training, fmt.Sprintf("epoch_%03d.png", epoch))
	return report.SaveSequence(path,
		append(append([]video.Frame{}, in...), denormalize(e.Normalizer, p.target)...),
		append(append([]video.Frame{}, in...), denormalize(e.Normalizer, p.output)...))
}
