package models

import "math"

// LearningRateSetter is the part of an optimizer a scheduler drives.
type LearningRateSetter interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

// PlateauConfig configures a Plateau scheduler.
type PlateauConfig struct {
	// Factor multiplies the learning rate on every reduction (default 0.1).
	Factor float64
	// Patience is the number of epochs without improvement that are tolerated
	// before reducing (default 10).
	Patience int
	// Threshold is the relative improvement needed to count as better
	// (default 1e-4).
	Threshold float64
	// MinLearningRate bounds the reductions from below.
	MinLearningRate float64
}

// Plateau reduces the learning rate of an optimizer when a monitored loss
// stops decreasing.
type Plateau struct {
	cfg    PlateauConfig
	opt    LearningRateSetter
	best   float64
	numBad int
}

// PlateauState is the serializable state of a Plateau scheduler. Best is
// stored as a pointer because JSON cannot encode +Inf.
type PlateauState struct {
	Factor          float64  `json:"factor"`
	Patience        int      `json:"patience"`
	Threshold       float64  `json:"threshold"`
	MinLearningRate float64  `json:"min_lr"`
	Best            *float64 `json:"best,omitempty"`
	NumBadEpochs    int      `json:"num_bad_epochs"`
}

// NewPlateau creates a scheduler driving opt.
func NewPlateau(opt LearningRateSetter, cfg PlateauConfig) *Plateau {
	if cfg.Factor == 0 {
		cfg.Factor = 0.1
	}
	if cfg.Patience == 0 {
		cfg.Patience = 10
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 1e-4
	}
	return &Plateau{cfg: cfg, opt: opt, best: math.Inf(1)}
}

// Step records one epoch's loss and reports whether the learning rate was
// reduced.
func (p *Plateau) Step(loss float64) bool {
	if loss < p.best*(1-p.cfg.Threshold) {
		p.best = loss
		p.numBad = 0
	} else {
		p.numBad++
	}
	if p.numBad <= p.cfg.Patience {
		return false
	}
	p.numBad = 0
	old := p.opt.LearningRate()
	lr := math.Max(old*p.cfg.Factor, p.cfg.MinLearningRate)
	if old-lr <= 1e-8 {
		return false
	}
	p.opt.SetLearningRate(lr)
	return true
}

// State returns the scheduler bookkeeping.
func (p *Plateau) State() PlateauState {
	s := PlateauState{
		Factor:          p.cfg.Factor,
		Patience:        p.cfg.Patience,
		Threshold:       p.cfg.Threshold,
		MinLearningRate: p.cfg.MinLearningRate,
		NumBadEpochs:    p.numBad,
	}
	if !math.IsInf(p.best, 1) {
		best := p.best
		s.Best = &best
	}
	return s
}

// Restore replaces the scheduler bookkeeping with s. The driven optimizer is
// unchanged.
func (p *Plateau) Restore(s PlateauState) {
	p.cfg = PlateauConfig{
		Factor:          s.Factor,
		Patience:        s.Patience,
		Threshold:       s.Threshold,
		MinLearningRate: s.MinLearningRate,
	}
	p.best = math.Inf(1)
	if s.Best != nil {
		p.best = *s.Best
	}
	p.numBad = s.NumBadEpochs
}
