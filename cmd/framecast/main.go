// Command framecast trains and tests frame prediction models.
//
//	framecast train [flags]   train a new experiment or continue one
//	framecast test [flags]    roll out the best model on the test clips
//	framecast charts [flags]  redraw the charts of the latest test run
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/Noofbiz/framecast/config"
	"github.com/Noofbiz/framecast/evaluator"
	"github.com/Noofbiz/framecast/experiment"
	"github.com/Noofbiz/framecast/report"
	"github.com/Noofbiz/framecast/store"
)

const usage = `usage: framecast <train|test|charts> [flags]

Run "framecast <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "train":
		err = run(ctx, experiment.ModeTrain, args)
	case "test":
		err = run(ctx, experiment.ModeTest, args)
	case "charts":
		err = charts(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("framecast failed", "command", cmd, "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      l,
		TimeFormat: "15:04:05",
	}))
	slog.SetDefault(logger)
	return logger, nil
}

// options are the flags shared by every command. Flags left unset keep the
// value from the config file, or the default when there is none.
type options struct {
	fs          *flag.FlagSet
	configPath  string
	logLevel    string
	printConfig bool
	cfg         config.Config
}

func newOptions(name string) *options {
	o := &options{fs: flag.NewFlagSet(name, flag.ExitOnError), cfg: config.Default()}
	fs, c := o.fs, &o.cfg
	fs.StringVar(&o.configPath, "config", "", "path to a JSON experiment configuration")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVar(&o.printConfig, "print-effective-config", false, "print the merged configuration and exit")

	fs.StringVar(&c.ExperimentName, "name", c.ExperimentName, "experiment name")
	fs.StringVar(&c.ExperimentsDir, "experiments-dir", c.ExperimentsDir, "directory holding all experiments")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory with one sub-directory of frames per clip")
	fs.StringVar(&c.ModelType, "model", c.ModelType, "model type: linear, mlp or persistence")
	fs.IntVar(&c.HiddenSize, "hidden-size", c.HiddenSize, "hidden units of the mlp model")
	fs.StringVar(&c.Normalizer, "normalizer", c.Normalizer, "pixel normalizer: none, normal or m1to1")
	fs.IntVar(&c.ImageSize, "image-size", c.ImageSize, "frames are resized and cropped to this size")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "clips per batch")
	fs.IntVar(&c.NumWorkers, "workers", c.NumWorkers, "background loader goroutines")
	fs.IntVar(&c.NumInputFrames, "num-input-frames", c.NumInputFrames, "frames fed to the model")
	fs.IntVar(&c.NumOutputFrames, "num-output-frames", c.NumOutputFrames, "frames produced by one forward pass")
	fs.IntVar(&c.SamplesPerSequence, "samples-per-sequence", c.SamplesPerSequence, "training windows drawn per batch")
	fs.IntVar(&c.NumTotalOutputFrames, "num-total-output-frames", c.NumTotalOutputFrames, "frames predicted per test clip")
	fs.IntVar(&c.TestStartingPoint, "test-starting-point", c.TestStartingPoint, "first input frame of test rollouts")
	fs.IntVar(&c.ReinsertFrequency, "reinsert-frequency", c.ReinsertFrequency, "feed ground truth every n forward passes (0 = never)")
	fs.BoolVar(&c.Refeed, "refeed", c.Refeed, "feed ground truth to every forward pass")
	fs.IntVar(&c.NumEpochs, "epochs", c.NumEpochs, "number of training epochs")
	fs.Float64Var(&c.LearningRate, "learning-rate", c.LearningRate, "Adam learning rate")
	fs.Float64Var(&c.WeightDecayCoefficient, "weight-decay", c.WeightDecayCoefficient, "L2 weight decay")
	fs.Float64Var(&c.ClipNorm, "clip-norm", c.ClipNorm, "gradient clipping norm (0 = off)")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "tiny windows and one batch per epoch")
	fs.BoolVar(&c.ContinueExperiment, "continue", c.ContinueExperiment, "resume training from the latest checkpoint")
	fs.BoolVar(&c.BestEffortResume, "best-effort", c.BestEffortResume, "start over when resuming fails")
	return o
}

// parse reads the flags, loads the config file and re-applies the flags that
// were set explicitly on top of it.
func (o *options) parse(args []string) error {
	if err := o.fs.Parse(args); err != nil {
		return err
	}
	if o.configPath == "" {
		return nil
	}
	flags := o.cfg
	loaded, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = loaded
	o.fs.Visit(func(f *flag.Flag) {
		overrideFlag(&o.cfg, flags, f.Name)
	})
	return nil
}

func overrideFlag(dst *config.Config, src config.Config, name string) {
	switch name {
	case "name":
		dst.ExperimentName = src.ExperimentName
	case "experiments-dir":
		dst.ExperimentsDir = src.ExperimentsDir
	case "data-dir":
		dst.DataDir = src.DataDir
	case "model":
		dst.ModelType = src.ModelType
	case "hidden-size":
		dst.HiddenSize = src.HiddenSize
	case "normalizer":
		dst.Normalizer = src.Normalizer
	case "image-size":
		dst.ImageSize = src.ImageSize
	case "batch-size":
		dst.BatchSize = src.BatchSize
	case "workers":
		dst.NumWorkers = src.NumWorkers
	case "num-input-frames":
		dst.NumInputFrames = src.NumInputFrames
	case "num-output-frames":
		dst.NumOutputFrames = src.NumOutputFrames
	case "samples-per-sequence":
		dst.SamplesPerSequence = src.SamplesPerSequence
	case "num-total-output-frames":
		dst.NumTotalOutputFrames = src.NumTotalOutputFrames
	case "test-starting-point":
		dst.TestStartingPoint = src.TestStartingPoint
	case "reinsert-frequency":
		dst.ReinsertFrequency = src.ReinsertFrequency
	case "refeed":
		dst.Refeed = src.Refeed
	case "epochs":
		dst.NumEpochs = src.NumEpochs
	case "learning-rate":
		dst.LearningRate = src.LearningRate
	case "weight-decay":
		dst.WeightDecayCoefficient = src.WeightDecayCoefficient
	case "clip-norm":
		dst.ClipNorm = src.ClipNorm
	case "seed":
		dst.Seed = src.Seed
	case "debug":
		dst.Debug = src.Debug
	case "continue":
		dst.ContinueExperiment = src.ContinueExperiment
	case "best-effort":
		dst.BestEffortResume = src.BestEffortResume
	}
}

func run(ctx context.Context, mode experiment.Mode, args []string) error {
	o := newOptions(mode.String())
	if err := o.parse(args); err != nil {
		return err
	}
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}
	if o.printConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(o.cfg)
	}

	exp, err := experiment.Open(o.cfg, mode, logger)
	if err != nil {
		return err
	}
	defer exp.Close()

	train, validation, test, err := exp.Loaders()
	if err != nil {
		return err
	}
	runner := experiment.NewRunner(exp)

	if mode == experiment.ModeTest {
		res, err := runner.Test(ctx, test)
		if err != nil {
			return err
		}
		logger.Info("results stored", "run_id", res.RunID, "db", exp.Layout.MetricsDB, "charts", exp.Layout.Charts)
		for _, s := range res.Summaries {
			logger.Debug("summary", "label", s.Label, "frame_offset", s.FrameOffset, "mean", s.Mean, "sd", s.StdDev, "n", s.N)
		}
		return nil
	}

	trainErr := runner.Train(ctx, train, validation)
	if err := writeLossChart(exp); err != nil {
		logger.Warn("loss chart", "err", err)
	}
	if errors.Is(trainErr, context.Canceled) {
		logger.Info("training interrupted, continue with -continue", "phase", runner.Phase())
		return nil
	}
	return trainErr
}

func writeLossChart(exp *experiment.Experiment) error {
	p := exp.Progress
	if len(p.EpochNr) == 0 {
		return nil
	}
	path := filepath.Join(exp.Layout.Charts, "loss.html")
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	err = report.WriteLossChart(fh, exp.Config.ExperimentName, report.Losses{
		Epochs:         p.EpochNr,
		TrainLoss:      p.TrainLoss,
		ValidationLoss: p.ValidationLoss,
		BatchNr:        p.BatchNr,
		BatchLoss:      p.BatchLoss,
	})
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	return err
}

// charts redraws the metric charts of the most recent test run from the
// metrics database, without loading any model.
func charts(args []string) error {
	o := newOptions("charts")
	if err := o.parse(args); err != nil {
		return err
	}
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}
	layout := experiment.NewLayout(o.cfg.ExperimentsDir, o.cfg.ExperimentName, o.cfg.Refeed)
	s, err := store.Open(layout.MetricsDB, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.Runs(o.cfg.ExperimentName, store.KindTest)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("experiment %q has no test runs", o.cfg.ExperimentName)
	}
	last := runs[len(runs)-1]
	records, err := s.Records(last.RunID)
	if err != nil {
		return err
	}
	paths, err := report.WriteMetricCharts(layout.Charts, evaluator.Summarize(records))
	if err != nil {
		return err
	}
	logger.Info("charts written", "run_id", last.RunID, "records", len(records), "files", strings.Join(paths, ", "))
	return nil
}
