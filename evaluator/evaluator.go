// Package evaluator scores predicted frames against ground truth with a set
// of partially disagreeing perceptual metrics and keeps the results as an
// ordered list of records for reporting.
//
// An Evaluator lives for one test run: construct it with New, call Add or
// CompareOutputTarget for every prediction, then Finalize to obtain the
// records.
package evaluator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/Noofbiz/framecast/video"
)

var (
	// ErrHashLength is returned when two fingerprints have different lengths.
	ErrHashLength = errors.New("fingerprint length mismatch")
	// ErrEmptyTarget is returned when a target frame has no pixels or no
	// intensity to normalize by.
	ErrEmptyTarget = errors.New("empty target")
	// ErrFrameShape is returned when two frames cannot be compared.
	ErrFrameShape = errors.New("frame shape mismatch")
	// ErrUnknownMetric is returned by Add for an unsupported metric name.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrFinalized is returned when adding to a finalized Evaluator.
	ErrFinalized = errors.New("evaluator finalized")
	// ErrNonFinite is returned for a score that is NaN or infinite. Such
	// scores are not recorded.
	ErrNonFinite = errors.New("non-finite score")
)

// Metric names a family of scores computed by Add.
type Metric string

const (
	// PHash is the hamming distance of perceptual hashes.
	PHash Metric = "pHash"
	// PHash2 is the jaccard distance of perceptual hashes.
	PHash2 Metric = "pHash2"
	// SSIM is the structural similarity index.
	SSIM Metric = "SSIM"
	// Own produces a spatial and a scaling score.
	Own Metric = "Own"
	// RMSE is the root mean squared pixel error.
	RMSE Metric = "RMSE"
)

// AllMetrics is the full set requested by CompareOutputTarget.
var AllMetrics = []Metric{PHash, PHash2, SSIM, Own, RMSE}

// Record labels.
const (
	LabelSpatial = "Spatial"
	LabelScaling = "Scaling"
	LabelSSIM    = "SSIM"
	LabelRMSE    = "RMSE"
	LabelHamming = "pHash - hamming"
	LabelJaccard = "pHash - jaccard"
)

// Record is one scored comparison.
type Record struct {
	FrameOffset int     `json:"frame_offset"`
	Label       string  `json:"label"`
	Value       float64 `json:"value"`
}

// Evaluator accumulates records for one test run. It is not safe for
// concurrent use.
type Evaluator struct {
	norm      video.Normalizer
	ssim      SSIMOptions
	logger    *slog.Logger
	records   []Record
	finalized bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used for per-sample failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithSSIM overrides the SSIM window and data range.
func WithSSIM(o SSIMOptions) Option {
	return func(e *Evaluator) { e.ssim = o }
}

// New creates an Evaluator. Frames passed to Add are de-normalized with norm
// before scoring.
func New(norm video.Normalizer, opts ...Option) *Evaluator {
	e := &Evaluator{norm: norm}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// prepro maps a normalized frame back to natural intensities.
func (e *Evaluator) prepro(f video.Frame) video.Frame {
	return e.norm.Denormalize(f)
}

// Add scores pred against tgt with every requested metric and appends one
// record per score, tagged with offset. Metrics are independent: a failing
// metric does not prevent the others from being recorded. The returned error
// joins the failures. The spatial and scaling parts of Own are recorded
// independently.
func (e *Evaluator) Add(pred, tgt video.Frame, offset int, metrics ...Metric) error {
	if e.finalized {
		return ErrFinalized
	}
	pred = e.prepro(pred)
	tgt = e.prepro(tgt)

	var errs []error
	var predHash, tgtHash Fingerprint
	var hashErr error
	hashes := func() (Fingerprint, Fingerprint, error) {
		if predHash == nil && hashErr == nil {
			if predHash, hashErr = FingerprintOf(pred); hashErr == nil {
				tgtHash, hashErr = FingerprintOf(tgt)
			}
		}
		return predHash, tgtHash, hashErr
	}

	record := func(label string, v float64, err error) {
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = fmt.Errorf("%s: %v: %w", label, v, ErrNonFinite)
		}
		if err != nil {
			errs = append(errs, err)
			return
		}
		e.records = append(e.records, Record{FrameOffset: offset, Label: label, Value: v})
	}

	for _, m := range metrics {
		switch m {
		case Own:
			v, err := SpatialScore(pred, tgt)
			record(LabelSpatial, v, err)
			v, err = ScalingScore(pred, tgt)
			record(LabelScaling, v, err)
		case SSIM:
			v, err := SSIMScore(pred, tgt, e.ssim)
			record(LabelSSIM, v, err)
		case RMSE:
			v, err := RMSEScore(pred, tgt)
			record(LabelRMSE, v, err)
		case PHash:
			a, b, err := hashes()
			var d int
			if err == nil {
				d, err = Hamming(a, b)
			}
			if err != nil {
				err = fmt.Errorf("%s: %w", m, err)
			}
			record(LabelHamming, float64(d), err)
		case PHash2:
			a, b, err := hashes()
			var d float64
			if err == nil {
				d, err = Jaccard(a, b)
			}
			if err != nil {
				err = fmt.Errorf("%s: %w", m, err)
			}
			record(LabelJaccard, d, err)
		default:
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMetric, m))
		}
	}
	return errors.Join(errs...)
}

// CompareOutputTarget scores every predicted frame of every clip against its
// target with AllMetrics. outputs[i][k] is compared with targets[i][k] at
// frame offset k. Per-sample metric failures are logged and counted, they do
// not stop the comparison.
func (e *Evaluator) CompareOutputTarget(outputs, targets [][]video.Frame) (failed int, err error) {
	if e.finalized {
		return 0, ErrFinalized
	}
	if len(outputs) != len(targets) {
		return 0, fmt.Errorf("compare: %d output clips, %d target clips: %w", len(outputs), len(targets), ErrFrameShape)
	}
	for i := range outputs {
		if len(outputs[i]) != len(targets[i]) {
			return failed, fmt.Errorf("compare: clip %d has %d output frames, %d target frames: %w",
				i, len(outputs[i]), len(targets[i]), ErrFrameShape)
		}
		for k := range outputs[i] {
			if err := e.Add(outputs[i][k], targets[i][k], k, AllMetrics...); err != nil {
				failed++
				e.logger.Warn("metric failed", "clip", i, "frame_offset", k, "err", err)
			}
		}
	}
	return failed, nil
}

// Records returns a copy of the records accumulated so far.
func (e *Evaluator) Records() []Record {
	return slices.Clone(e.records)
}

// Finalize ends the evaluator's lifetime and returns its records. Later calls
// to Add fail with ErrFinalized.
func (e *Evaluator) Finalize() []Record {
	e.finalized = true
	out := e.records
	e.records = nil
	return out
}

// Summary aggregates the records of one label at one frame offset.
type Summary struct {
	Label       string
	FrameOffset int
	Mean        float64
	StdDev      float64
	N           int
}

// Summarize groups records by label and frame offset. Labels keep the order
// of their first appearance and offsets are ascending within a label.
func Summarize(records []Record) []Summary {
	type key struct {
		label  string
		offset int
	}
	var labels []string
	values := map[key][]float64{}
	offsets := map[string][]int{}
	for _, r := range records {
		if _, ok := offsets[r.Label]; !ok {
			labels = append(labels, r.Label)
			offsets[r.Label] = nil
		}
		k := key{r.Label, r.FrameOffset}
		if _, ok := values[k]; !ok {
			offsets[r.Label] = append(offsets[r.Label], r.FrameOffset)
		}
		values[k] = append(values[k], r.Value)
	}

	var out []Summary
	for _, l := range labels {
		offs := offsets[l]
		sort.Ints(offs)
		for _, o := range offs {
			v := values[key{l, o}]
			s := Summary{Label: l, FrameOffset: o, N: len(v)}
			if len(v) == 1 {
				s.Mean = v[0]
			} else {
				s.Mean, s.StdDev = stat.MeanStdDev(v, nil)
			}
			out = append(out, s)
		}
	}
	return out
}
