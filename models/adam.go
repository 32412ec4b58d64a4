package models

import (
	"fmt"
	"math"
)

// AdamConfig holds the optimizer hyperparameters. Zero values are replaced by
// defaults in NewAdam.
type AdamConfig struct {
	// LearningRate (default 0.001).
	LearningRate float64
	// Beta1 and Beta2 are the moment decay rates (defaults 0.9 and 0.999).
	Beta1 float64
	Beta2 float64
	// Epsilon (default 1e-8).
	Epsilon float64
	// WeightDecay adds WeightDecay*value to every gradient (L2 penalty).
	WeightDecay float64
	// ClipNorm rescales the gradients when their global L2 norm exceeds it.
	// Zero disables clipping.
	ClipNorm float32
}

// Adam implements the Adam optimizer over a fixed set of Params.
type Adam struct {
	cfg  AdamConfig
	step int
	m    map[string][]float32
	v    map[string][]float32
}

// AdamState is the serializable state of an Adam optimizer.
type AdamState struct {
	LearningRate float64              `json:"learning_rate"`
	Beta1        float64              `json:"beta1"`
	Beta2        float64              `json:"beta2"`
	Epsilon      float64              `json:"epsilon"`
	WeightDecay  float64              `json:"weight_decay"`
	ClipNorm     float32              `json:"clip_norm"`
	Step         int                  `json:"step"`
	FirstMoment  map[string]Floats[float32] `json:"first_moment,omitempty"`
	SecondMoment map[string]Floats[float32] `json:"second_moment,omitempty"`
}

// NewAdam returns an optimizer with cfg's hyperparameters.
func NewAdam(cfg AdamConfig) *Adam {
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	return &Adam{
		cfg: cfg,
		m:   make(map[string][]float32),
		v:   make(map[string][]float32),
	}
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 { return a.cfg.LearningRate }

// SetLearningRate changes the learning rate used by the following steps.
func (a *Adam) SetLearningRate(lr float64) { a.cfg.LearningRate = lr }

// Steps returns how many updates were applied.
func (a *Adam) Steps() int { return a.step }

// Step applies one update to params using their accumulated gradients. It
// does not clear the gradients.
func (a *Adam) Step(params []*Param) {
	if len(params) == 0 {
		return
	}
	if a.cfg.WeightDecay != 0 {
		wd := float32(a.cfg.WeightDecay)
		for _, p := range params {
			for i, v := range p.Value {
				p.Grad[i] += wd * v
			}
		}
	}
	if a.cfg.ClipNorm > 0 {
		clipGlobalNorm(params, a.cfg.ClipNorm)
	}

	a.step++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	bc1 := 1 - math.Pow(b1, float64(a.step))
	bc2 := 1 - math.Pow(b2, float64(a.step))
	stepSize := float32(a.cfg.LearningRate / bc1)
	sqrtBC2 := float32(math.Sqrt(bc2))
	eps := float32(a.cfg.Epsilon)
	fb1, fb2 := float32(b1), float32(b2)

	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok || len(m) != len(p.Value) {
			m = make([]float32, len(p.Value))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok || len(v) != len(p.Value) {
			v = make([]float32, len(p.Value))
			a.v[p.Name] = v
		}
		for i, g := range p.Grad {
			m[i] = fb1*m[i] + (1-fb1)*g
			v[i] = fb2*v[i] + (1-fb2)*g*g
			denom := float32(math.Sqrt(float64(v[i])))/sqrtBC2 + eps
			p.Value[i] -= stepSize * m[i] / denom
		}
	}
}

func clipGlobalNorm(params []*Param, maxNorm float32) {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += float64(g) * float64(g)
		}
	}
	norm := float32(math.Sqrt(sq))
	if norm <= maxNorm || norm == 0 {
		return
	}
	ScaleGrads(params, maxNorm/norm)
}

// State returns a copy of the optimizer state.
func (a *Adam) State() AdamState {
	s := AdamState{
		LearningRate: a.cfg.LearningRate,
		Beta1:        a.cfg.Beta1,
		Beta2:        a.cfg.Beta2,
		Epsilon:      a.cfg.Epsilon,
		WeightDecay:  a.cfg.WeightDecay,
		ClipNorm:     a.cfg.ClipNorm,
		Step:         a.step,
		FirstMoment:  make(map[string]Floats[float32], len(a.m)),
		SecondMoment: make(map[string]Floats[float32], len(a.v)),
	}
	for k, m := range a.m {
		s.FirstMoment[k] = append([]float32(nil), m...)
	}
	for k, v := range a.v {
		s.SecondMoment[k] = append([]float32(nil), v...)
	}
	return s
}

// Restore replaces the optimizer state with s.
func (a *Adam) Restore(s AdamState) error {
	if s.LearningRate <= 0 {
		return fmt.Errorf("restore adam: learning rate must be positive, got %g", s.LearningRate)
	}
	for k, m := range s.FirstMoment {
		if len(s.SecondMoment[k]) != len(m) {
			return fmt.Errorf("restore adam: moments of %q differ in length: %w", k, ErrShapeMismatch)
		}
	}
	a.cfg = AdamConfig{
		LearningRate: s.LearningRate,
		Beta1:        s.Beta1,
		Beta2:        s.Beta2,
		Epsilon:      s.Epsilon,
		WeightDecay:  s.WeightDecay,
		ClipNorm:     s.ClipNorm,
	}
	a.step = s.Step
	a.m = make(map[string][]float32, len(s.FirstMoment))
	a.v = make(map[string][]float32, len(s.SecondMoment))
	for k, m := range s.FirstMoment {
		a.m[k] = append([]float32(nil), m...)
		a.v[k] = append([]float32(nil), s.SecondMoment[k]...)
	}
	return nil
}
