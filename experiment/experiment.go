// Package experiment manages one frame prediction experiment: its directory
// layout, datasets, model, optimizer and scheduler, the checkpoints and
// progress log that make it resumable, and the training and test runs.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"github.com/Noofbiz/framecast/config"
	"github.com/Noofbiz/framecast/models"
	"github.com/Noofbiz/framecast/store"
	"github.com/Noofbiz/framecast/video"
)

// Mode selects what Open prepares the experiment for.
type Mode int

const (
	// ModeTrain starts a new experiment, or continues one when the
	// configuration asks for it, from the latest checkpoint.
	ModeTrain Mode = iota
	// ModeTest loads the best checkpoint of an existing experiment.
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// BatchSource yields batches of clips. *video.Loader and video.Batches
// implement it.
type BatchSource interface {
	Len() int
	Iterate(ctx context.Context, fn func(*video.Batch) error) error
}

// Experiment is the state shared by training and testing.
type Experiment struct {
	Config     config.Config
	Layout     Layout
	Normalizer video.Normalizer
	Split      video.Split

	Model     models.Model
	Optimizer *models.Adam
	Scheduler *models.Plateau
	Progress  *ProgressLog

	// StartingEpoch is the first epoch a training run will execute.
	StartingEpoch int
	// RunID identifies the training run across restarts.
	RunID string

	checkpoints Checkpoints
	store       *store.Store
	logger      *slog.Logger
}

// Open prepares the experiment named by cfg. A nil logger uses
// slog.Default().
//
// In ModeTest the stored configuration, split and best weights are loaded;
// any of them missing is an error wrapping ErrNoCheckpoint. In ModeTrain a
// new experiment is created unless cfg.ContinueExperiment is set, in which
// case the latest checkpoint is loaded and training resumes after the last
// recorded epoch. A failed resume is an error unless cfg.BestEffortResume is
// set, which falls back to a new experiment.
func Open(cfg config.Config, mode Mode, logger *slog.Logger) (*Experiment, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDebug()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	layout := NewLayout(cfg.ExperimentsDir, cfg.ExperimentName, cfg.Refeed)
	if err := layout.Mkdirs(); err != nil {
		return nil, err
	}
	e := &Experiment{
		Config:      cfg,
		Layout:      layout,
		checkpoints: Checkpoints{layout: layout},
		logger:      logger.With("experiment", cfg.ExperimentName),
	}

	if mode == ModeTest || cfg.ContinueExperiment {
		err := e.loadFromDisk(mode)
		switch {
		case err == nil:
			return e, nil
		case mode == ModeTrain && cfg.BestEffortResume && errors.Is(err, ErrNoCheckpoint):
			e.logger.Warn("cannot resume, starting a new experiment", "err", err)
			e.Config = cfg
		default:
			return nil, fmt.Errorf("resume experiment %q: %w", cfg.ExperimentName, err)
		}
	}
	if err := e.createNew(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Experiment) createNew() error {
	cfg := e.Config
	norm, err := video.NormalizerByName(cfg.Normalizer)
	if err != nil {
		return err
	}
	e.Normalizer = norm

	rng := rand.New(rand.NewSource(cfg.Seed))
	e.Split, err = video.NewSplit(cfg.DataDir, cfg.TestFraction, cfg.ValidationFraction, rng)
	if err != nil {
		return fmt.Errorf("create datasets: %w", err)
	}
	if err := video.SaveSplit(e.Layout.Datasets, e.Split); err != nil {
		return err
	}

	e.Model, err = models.New(cfg.ModelConfig())
	if err != nil {
		return err
	}
	e.Optimizer = models.NewAdam(cfg.AdamConfig())
	e.Scheduler = models.NewPlateau(e.Optimizer, cfg.PlateauConfig())
	e.Progress = &ProgressLog{}
	e.StartingEpoch = 0
	e.RunID = uuid.New().String()

	e.logger.Info("created experiment",
		"model", models.Describe(e.Model),
		"train_clips", len(e.Split.Train),
		"validation_clips", len(e.Split.Validation),
		"test_clips", len(e.Split.Test),
		"run_id", e.RunID)
	return e.SaveMetadata()
}

func (e *Experiment) loadFromDisk(mode Mode) error {
	md, err := LoadMetadata(e.Layout.Metadata)
	if err != nil {
		return err
	}
	cfg := e.Config.Resumed(md.Config)
	norm, err := video.NormalizerByName(cfg.Normalizer)
	if err != nil {
		return err
	}

	split, err := video.LoadSplit(e.Layout.Datasets)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
	}

	kind := Latest
	if mode == ModeTest {
		kind = Best
	}
	m, err := e.checkpoints.Load(kind)
	if err != nil {
		return err
	}
	if m.NumInputFrames() != cfg.NumInputFrames || m.NumOutputFrames() != cfg.NumOutputFrames {
		return fmt.Errorf("%s checkpoint is %s, configuration has num_input_frames=%d num_output_frames=%d: %w",
			kind, models.Describe(m), cfg.NumInputFrames, cfg.NumOutputFrames, models.ErrShapeMismatch)
	}

	progress, err := LoadProgressLog(e.Layout.Progress)
	if err != nil {
		if mode == ModeTrain {
			return fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
		}
		progress = &ProgressLog{}
	}

	opt := models.NewAdam(cfg.AdamConfig())
	if md.Optimizer.LearningRate > 0 {
		if err := opt.Restore(md.Optimizer); err != nil {
			return err
		}
	}
	sched := models.NewPlateau(opt, cfg.PlateauConfig())
	if md.Scheduler.Patience > 0 {
		sched.Restore(md.Scheduler)
	}

	e.Config = cfg
	e.Normalizer = norm
	e.Split = split
	e.Model = m
	e.Optimizer = opt
	e.Scheduler = sched
	e.Progress = progress
	e.StartingEpoch = progress.LastEpoch() + 1
	e.RunID = md.RunID
	if e.RunID == "" {
		e.RunID = uuid.New().String()
	}

	best, bestEpoch := progress.BestValidationLoss()
	e.logger.Info("loaded experiment",
		"mode", mode,
		"checkpoint", kind,
		"model", models.Describe(m),
		"starting_epoch", e.StartingEpoch,
		"best_validation_loss", best,
		"best_epoch", bestEpoch)
	return nil
}

// SaveMetadata writes the configuration, optimizer and scheduler state.
func (e *Experiment) SaveMetadata() error {
	return SaveMetadata(e.Layout.Metadata, e.metadata())
}

func (e *Experiment) metadata() Metadata {
	return Metadata{
		Config:    e.Config,
		Optimizer: e.Optimizer.State(),
		Scheduler: e.Scheduler.State(),
		Model:     models.Describe(e.Model),
		RunID:     e.RunID,
	}
}

// Checkpoints returns the weight artifacts of the experiment.
func (e *Experiment) Checkpoints() Checkpoints { return e.checkpoints }

// Store opens the experiment's metrics database on first use.
func (e *Experiment) Store() (*store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	s, err := store.Open(e.Layout.MetricsDB, e.logger)
	if err != nil {
		return nil, err
	}
	e.store = s
	return s, nil
}

// Close releases the metrics database.
func (e *Experiment) Close() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}

// Dataset returns the clips of one part of the split. Training clips are
// augmented.
func (e *Experiment) Dataset(clips []string, train bool) *video.Dataset {
	ds := &video.Dataset{
		Root:       e.Config.DataDir,
		Clips:      clips,
		ImageSize:  e.Config.ImageSize,
		Normalizer: e.Normalizer,
	}
	if train {
		ds.Augment = video.Augment{RandomFlips: e.Config.RandomFlips, BackAndForth: e.Config.BackAndForth}
	}
	return ds
}

// Loaders returns batch sources for the training, validation and test clips.
func (e *Experiment) Loaders() (train, validation, test *video.Loader, err error) {
	cfg := e.Config
	mk := func(clips []string, isTrain bool, seed int64) (*video.Loader, error) {
		return video.NewLoader(e.Dataset(clips, isTrain), video.LoaderConfig{
			BatchSize: cfg.BatchSize,
			Workers:   cfg.NumWorkers,
			Shuffle:   isTrain,
			Seed:      seed,
			Logger:    e.logger,
		})
	}
	if train, err = mk(e.Split.Train, true, cfg.Seed+int64(e.StartingEpoch)); err != nil {
		return nil, nil, nil, err
	}
	if validation, err = mk(e.Split.Validation, false, cfg.Seed); err != nil {
		return nil, nil, nil, err
	}
	if test, err = mk(e.Split.Test, false, cfg.Seed); err != nil {
		return nil, nil, nil, err
	}
	return train, validation, test, nil
}
