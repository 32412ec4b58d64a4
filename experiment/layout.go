package experiment

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the on-disk structure of one experiment:
//
//	<experiments_dir>/<name>/
//	  pickles/      metadata.json, logger.json, datasets.json, metrics.db
//	  models/       model_latest.gob, model_best.gob
//	  predictions/  predicted sequences of test runs
//	  charts/       metric and loss charts
//	  training/     per-epoch previews
//
// With refeed enabled, predictions and charts go to predictions_refeed and
// charts_refeed so both kinds of test run can live side by side.
type Layout struct {
	Root        string
	Pickles     string
	Models      string
	Predictions string
	Charts      string
	Training    string

	Metadata    string
	Progress    string
	Datasets    string
	MetricsDB   string
	ModelLatest string
	ModelBest   string
}

// NewLayout returns the layout of experiment name under experimentsDir.
func NewLayout(experimentsDir, name string, refeed bool) Layout {
	root := filepath.Join(experimentsDir, name)
	l := Layout{
		Root:        root,
		Pickles:     filepath.Join(root, "pickles"),
		Models:      filepath.Join(root, "models"),
		Predictions: filepath.Join(root, "predictions"),
		Charts:      filepath.Join(root, "charts"),
		Training:    filepath.Join(root, "training"),
	}
	if refeed {
		l.Predictions += "_refeed"
		l.Charts += "_refeed"
	}
	l.Metadata = filepath.Join(l.Pickles, "metadata.json")
	l.Progress = filepath.Join(l.Pickles, "logger.json")
	l.Datasets = filepath.Join(l.Pickles, "datasets.json")
	l.MetricsDB = filepath.Join(l.Pickles, "metrics.db")
	l.ModelLatest = filepath.Join(l.Models, "model_latest.gob")
	l.ModelBest = filepath.Join(l.Models, "model_best.gob")
	return l
}

// Mkdirs creates every directory of the layout.
func (l Layout) Mkdirs() error {
	for _, d := range []string{l.Pickles, l.Models, l.Predictions, l.Charts, l.Training} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
