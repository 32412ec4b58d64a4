package models

import (
	"math/rand"

	"github.com/Noofbiz/framecast/video"
)

// LinearModel predicts every output frame as a per-pixel weighted sum of the
// input frames plus a bias: out[o](p) = sum_i W[o][i]*in[i](p) + b[o].
// This is the 1x1 convolution over the time axis that sits at the head of the
// encoder-decoder architectures.
type LinearModel struct {
	numInput  int
	numOutput int
	weight    *Param // [out][in]
	bias      *Param // [out]
}

func newLinearModel(cfg Config, rng *rand.Rand) *LinearModel {
	m := &LinearModel{
		numInput:  cfg.NumInputFrames,
		numOutput: cfg.NumOutputFrames,
		weight:    newParam("weight", cfg.NumOutputFrames, cfg.NumInputFrames),
		bias:      newParam("bias", cfg.NumOutputFrames),
	}
	xavier(m.weight, cfg.NumInputFrames, cfg.NumOutputFrames, rng)
	return m
}

func (m *LinearModel) Type() Type           { return Linear }
func (m *LinearModel) NumInputFrames() int  { return m.numInput }
func (m *LinearModel) NumOutputFrames() int { return m.numOutput }
func (m *LinearModel) Params() []*Param     { return []*Param{m.weight, m.bias} }

// Forward implements Model.
func (m *LinearModel) Forward(input []video.Frame) ([]video.Frame, error) {
	h, w, err := checkWindow(input, m.numInput, "input")
	if err != nil {
		return nil, err
	}
	out := make([]video.Frame, m.numOutput)
	for o := range out {
		f := video.NewFrame(h, w)
		row := m.weight.Value[o*m.numInput : (o+1)*m.numInput]
		b := m.bias.Value[o]
		for p := range f.Pix {
			sum := b
			for i, in := range input {
				sum += row[i] * in.Pix[p]
			}
			f.Pix[p] = sum
		}
		out[o] = f
	}
	return out, nil
}

// Accumulate implements Trainable.
func (m *LinearModel) Accumulate(input, target []video.Frame) (float64, error) {
	out, err := m.Forward(input)
	if err != nil {
		return 0, err
	}
	loss, err := MSE(out, target)
	if err != nil {
		return 0, err
	}

	// dLoss/dOut = 2*(out - target)/N over all output pixels
	n := float32(len(out) * out[0].Len())
	for o := range out {
		gw := m.weight.Grad[o*m.numInput : (o+1)*m.numInput]
		for p, v := range out[o].Pix {
			d := 2.0 * (v - target[o].Pix[p]) / n
			m.bias.Grad[o] += d
			for i, in := range input {
				gw[i] += d * in.Pix[p]
			}
		}
	}
	return loss, nil
}
