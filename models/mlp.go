package models

import (
	"fmt"
	"math/rand"

	"github.com/Noofbiz/framecast/video"
)

// MLPModel applies a small multilayer perceptron independently at every pixel:
// the pixel's NumInputFrames intensities go through one ReLU hidden layer and
// a linear output layer producing NumOutputFrames intensities.
type MLPModel struct {
	numInput  int
	numOutput int
	hidden    int

	// w1 is a matrix of shape [hidden][in], w2 of shape [out][hidden]
	w1, b1 *Param
	w2, b2 *Param
}

func newMLPModel(cfg Config, rng *rand.Rand) *MLPModel {
	m := &MLPModel{
		numInput:  cfg.NumInputFrames,
		numOutput: cfg.NumOutputFrames,
		hidden:    cfg.HiddenSize,
		w1:        newParam("hidden.weight", cfg.HiddenSize, cfg.NumInputFrames),
		b1:        newParam("hidden.bias", cfg.HiddenSize),
		w2:        newParam("output.weight", cfg.NumOutputFrames, cfg.HiddenSize),
		b2:        newParam("output.bias", cfg.NumOutputFrames),
	}
	xavier(m.w1, cfg.NumInputFrames, cfg.HiddenSize, rng)
	xavier(m.w2, cfg.HiddenSize, cfg.NumOutputFrames, rng)
	return m
}

func (m *MLPModel) Type() Type           { return MLP }
func (m *MLPModel) NumInputFrames() int  { return m.numInput }
func (m *MLPModel) NumOutputFrames() int { return m.numOutput }
func (m *MLPModel) Params() []*Param     { return []*Param{m.w1, m.b1, m.w2, m.b2} }

// HiddenSize returns the width of the hidden layer.
func (m *MLPModel) HiddenSize() int { return m.hidden }

// pixelScratch holds the per-pixel buffers reused across pixels.
type pixelScratch struct {
	x      []float32
	preAct []float32
	act    []float32
	out    []float32
	delta  []float32
}

func (m *MLPModel) newScratch() *pixelScratch {
	return &pixelScratch{
		x:      make([]float32, m.numInput),
		preAct: make([]float32, m.hidden),
		act:    make([]float32, m.hidden),
		out:    make([]float32, m.numOutput),
		delta:  make([]float32, m.hidden),
	}
}

// forwardPixel fills s.preAct, s.act and s.out from s.x.
func (m *MLPModel) forwardPixel(s *pixelScratch) {
	for j := 0; j < m.hidden; j++ {
		row := m.w1.Value[j*m.numInput : (j+1)*m.numInput]
		sum := m.b1.Value[j]
		for i, v := range s.x {
			sum += row[i] * v
		}
		s.preAct[j] = sum
		if sum > 0 {
			s.act[j] = sum
		} else {
			s.act[j] = 0
		}
	}
	for o := 0; o < m.numOutput; o++ {
		row := m.w2.Value[o*m.hidden : (o+1)*m.hidden]
		sum := m.b2.Value[o]
		for j, a := range s.act {
			sum += row[j] * a
		}
		s.out[o] = sum
	}
}

// Forward implements Model.
func (m *MLPModel) Forward(input []video.Frame) ([]video.Frame, error) {
	h, w, err := checkWindow(input, m.numInput, "input")
	if err != nil {
		return nil, err
	}
	out := make([]video.Frame, m.numOutput)
	for o := range out {
		out[o] = video.NewFrame(h, w)
	}
	s := m.newScratch()
	for p := 0; p < h*w; p++ {
		for i, in := range input {
			s.x[i] = in.Pix[p]
		}
		m.forwardPixel(s)
		for o := range out {
			out[o].Pix[p] = s.out[o]
		}
	}
	return out, nil
}

// Accumulate implements Trainable.
func (m *MLPModel) Accumulate(input, target []video.Frame) (float64, error) {
	h, w, err := checkWindow(input, m.numInput, "input")
	if err != nil {
		return 0, err
	}
	th, tw, err := checkWindow(target, m.numOutput, "target")
	if err != nil {
		return 0, err
	}
	if th != h || tw != w {
		return 0, fmt.Errorf("target is %dx%d, input is %dx%d: %w", th, tw, h, w, ErrShapeMismatch)
	}

	n := float32(m.numOutput * h * w)
	var loss float64
	s := m.newScratch()
	for p := 0; p < h*w; p++ {
		for i, in := range input {
			s.x[i] = in.Pix[p]
		}
		m.forwardPixel(s)

		// output layer: dLoss/dOut = 2*(pred - label)/N
		for j := range s.delta {
			s.delta[j] = 0
		}
		for o := 0; o < m.numOutput; o++ {
			diff := s.out[o] - target[o].Pix[p]
			loss += float64(diff) * float64(diff)
			d := 2.0 * diff / n
			m.b2.Grad[o] += d
			wrow := m.w2.Value[o*m.hidden : (o+1)*m.hidden]
			grow := m.w2.Grad[o*m.hidden : (o+1)*m.hidden]
			for j, a := range s.act {
				grow[j] += d * a
				s.delta[j] += wrow[j] * d
			}
		}

		// hidden layer, through the ReLU derivative
		for j := 0; j < m.hidden; j++ {
			if s.preAct[j] <= 0 {
				continue
			}
			d := s.delta[j]
			m.b1.Grad[j] += d
			grow := m.w1.Grad[j*m.numInput : (j+1)*m.numInput]
			for i, v := range s.x {
				grow[i] += d * v
			}
		}
	}
	return loss / float64(n), nil
}
