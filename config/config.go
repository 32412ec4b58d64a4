// Package config holds the experiment configuration: window sizes, rollout
// horizon, optimizer and scheduler settings, dataset location and run mode.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Noofbiz/framecast/models"
	"github.com/Noofbiz/framecast/video"
)

// Config is the JSON experiment configuration. Keys are snake_case.
type Config struct {
	ExperimentName string `json:"experiment_name"`
	ExperimentsDir string `json:"experiments_dir"`
	DataDir        string `json:"data_dir"`

	// Model
	ModelType  string `json:"model_type"`
	HiddenSize int    `json:"hidden_size"`

	// Data
	Normalizer         string  `json:"normalizer"`
	ImageSize          int     `json:"image_size"`
	TestFraction       float64 `json:"test_fraction"`
	ValidationFraction float64 `json:"validation_fraction"`
	RandomFlips        bool    `json:"random_flips"`
	BackAndForth       bool    `json:"back_and_forth"`
	BatchSize          int     `json:"batch_size"`
	NumWorkers         int     `json:"num_workers"`

	// Windows and rollout
	NumInputFrames       int  `json:"num_input_frames"`
	NumOutputFrames      int  `json:"num_output_frames"`
	SamplesPerSequence   int  `json:"samples_per_sequence"`
	NumTotalOutputFrames int  `json:"num_total_output_frames"`
	TestStartingPoint    int  `json:"test_starting_point"`
	ReinsertFrequency    int  `json:"reinsert_frequency"`
	Refeed               bool `json:"refeed"`

	// Optimization
	NumEpochs              int     `json:"num_epochs"`
	LearningRate           float64 `json:"learning_rate"`
	WeightDecayCoefficient float64 `json:"weight_decay_coefficient"`
	AdamBeta1              float64 `json:"adam_beta1"`
	AdamBeta2              float64 `json:"adam_beta2"`
	AdamEps                float64 `json:"adam_eps"`
	ClipNorm               float64 `json:"clip_norm"`
	SchedulerPatience      int     `json:"scheduler_patience"`
	SchedulerFactor        float64 `json:"scheduler_factor"`

	// Run mode
	Seed               int64 `json:"seed"`
	Debug              bool  `json:"debug"`
	ContinueExperiment bool  `json:"continue_experiment"`
	BestEffortResume   bool  `json:"best_effort_resume"`
}

// Default returns the default configuration.
func Default() Config {
	workers := 12
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	return Config{
		ExperimentName: "dummy",
		ExperimentsDir: "experiments",
		DataDir:        "data",

		ModelType:  string(models.MLP),
		HiddenSize: 32,

		Normalizer:         "normal",
		ImageSize:          128,
		TestFraction:       0.15,
		ValidationFraction: 0.15,
		RandomFlips:        true,
		BatchSize:          16,
		NumWorkers:         workers,

		NumInputFrames:       5,
		NumOutputFrames:      20,
		SamplesPerSequence:   5,
		NumTotalOutputFrames: 40,
		TestStartingPoint:    15,

		NumEpochs:              50,
		LearningRate:           1e-3,
		WeightDecayCoefficient: 1e-5,
		AdamBeta1:              0.9,
		AdamBeta2:              0.999,
		AdamEps:                1e-8,
		ClipNorm:               5,
		SchedulerPatience:      7,
		SchedulerFactor:        0.1,

		Seed: 12345,
	}
}

// Load reads a JSON configuration file. Keys missing from the file keep
// their Default values.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return Config{}, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.ExperimentName == "" {
		errs = append(errs, errors.New("experiment_name must be set"))
	}
	if !isModelType(c.ModelType) {
		errs = append(errs, fmt.Errorf("model_type %q: %w (supported: %v)", c.ModelType, models.ErrUnknownModel, models.Types()))
	}
	if _, err := video.NormalizerByName(c.Normalizer); err != nil {
		errs = append(errs, err)
	}
	positive("image_size", c.ImageSize)
	positive("batch_size", c.BatchSize)
	positive("num_input_frames", c.NumInputFrames)
	positive("num_output_frames", c.NumOutputFrames)
	positive("samples_per_sequence", c.SamplesPerSequence)
	positive("num_total_output_frames", c.NumTotalOutputFrames)
	positive("num_epochs", c.NumEpochs)
	if c.NumWorkers < 0 {
		errs = append(errs, fmt.Errorf("num_workers must not be negative, got %d", c.NumWorkers))
	}
	if c.TestStartingPoint < 0 {
		errs = append(errs, fmt.Errorf("test_starting_point must not be negative, got %d", c.TestStartingPoint))
	}
	if c.ReinsertFrequency < 0 {
		errs = append(errs, fmt.Errorf("reinsert_frequency must not be negative, got %d", c.ReinsertFrequency))
	}
	if c.TestFraction < 0 || c.ValidationFraction < 0 || c.TestFraction+c.ValidationFraction >= 1 {
		errs = append(errs, fmt.Errorf("test_fraction=%g and validation_fraction=%g must be non-negative and leave training clips",
			c.TestFraction, c.ValidationFraction))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate))
	}
	if c.WeightDecayCoefficient < 0 {
		errs = append(errs, fmt.Errorf("weight_decay_coefficient must not be negative, got %g", c.WeightDecayCoefficient))
	}
	if c.SchedulerFactor <= 0 || c.SchedulerFactor >= 1 {
		errs = append(errs, fmt.Errorf("scheduler_factor must be in (0, 1), got %g", c.SchedulerFactor))
	}
	positive("scheduler_patience", c.SchedulerPatience)
	return errors.Join(errs...)
}

func isModelType(t string) bool {
	for _, m := range models.Types() {
		if string(m) == t {
			return true
		}
	}
	return false
}

// Debug window sizes. They only shrink the data volume of a run.
const (
	DebugNumInputFrames       = 2
	DebugNumOutputFrames      = 3
	DebugNumTotalOutputFrames = 6
	DebugSamplesPerSequence   = 1
)

// WithDebug returns c with the window sizes reduced for a quick debug run
// when c.Debug is set, and c unchanged otherwise.
func (c Config) WithDebug() Config {
	if !c.Debug {
		return c
	}
	c.NumInputFrames = min(c.NumInputFrames, DebugNumInputFrames)
	c.NumOutputFrames = min(c.NumOutputFrames, DebugNumOutputFrames)
	c.NumTotalOutputFrames = min(c.NumTotalOutputFrames, DebugNumTotalOutputFrames)
	c.SamplesPerSequence = min(c.SamplesPerSequence, DebugSamplesPerSequence)
	return c
}

// Resumed returns the stored configuration of an experiment being continued
// or tested. The epoch count, worker count, paths, run mode and test-time
// rollout settings come from c.
func (c Config) Resumed(stored Config) Config {
	stored.NumEpochs = c.NumEpochs
	stored.NumWorkers = c.NumWorkers
	stored.Debug = c.Debug
	stored.NumTotalOutputFrames = c.NumTotalOutputFrames
	stored.TestStartingPoint = c.TestStartingPoint
	stored.Refeed = c.Refeed
	stored.ReinsertFrequency = c.ReinsertFrequency
	stored.ContinueExperiment = c.ContinueExperiment
	stored.BestEffortResume = c.BestEffortResume
	stored.ExperimentsDir = c.ExperimentsDir
	stored.DataDir = c.DataDir
	return stored
}

// ModelConfig returns the model construction parameters.
func (c Config) ModelConfig() models.Config {
	return models.Config{
		Type:            models.Type(c.ModelType),
		NumInputFrames:  c.NumInputFrames,
		NumOutputFrames: c.NumOutputFrames,
		HiddenSize:      c.HiddenSize,
		Seed:            c.Seed,
	}
}

// AdamConfig returns the optimizer parameters.
func (c Config) AdamConfig() models.AdamConfig {
	return models.AdamConfig{
		LearningRate: c.LearningRate,
		Beta1:        c.AdamBeta1,
		Beta2:        c.AdamBeta2,
		Epsilon:      c.AdamEps,
		WeightDecay:  c.WeightDecayCoefficient,
		ClipNorm:     float32(c.ClipNorm),
	}
}

// PlateauConfig returns the learning rate scheduler parameters.
func (c Config) PlateauConfig() models.PlateauConfig {
	return models.PlateauConfig{
		Factor:   c.SchedulerFactor,
		Patience: c.SchedulerPatience,
	}
}
