// Package models holds the frame prediction architectures and everything
// needed to train them: parameters, the Adam optimizer, the plateau learning
// rate scheduler and weight (de)serialization.
//
// Every architecture is used through the narrow Model interface. Models with
// parameters also implement Trainable.
package models

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Noofbiz/framecast/video"
)

var (
	// ErrUnknownModel is returned by New for an unsupported Type.
	ErrUnknownModel = errors.New("unknown model type")
	// ErrShapeMismatch is returned when input frames or restored weights do
	// not match the model's configured shape.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Model maps an input window of NumInputFrames frames to an output window of
// NumOutputFrames frames. Both sizes are fixed for the model's lifetime.
// Implementations must not modify the input frames.
type Model interface {
	Forward(input []video.Frame) ([]video.Frame, error)
	NumInputFrames() int
	NumOutputFrames() int
}

// Trainable is a Model with learnable parameters.
type Trainable interface {
	Model

	// Params returns the model's parameters. The slice and its elements are
	// owned by the model; optimizers update Value in place.
	Params() []*Param

	// Accumulate runs a forward pass on input, computes the mean squared
	// error against target and adds the loss gradient into each Param.Grad.
	// It returns the loss.
	Accumulate(input, target []video.Frame) (float64, error)
}

// Param is a named, flat parameter tensor with its gradient buffer.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: shape, Value: make([]float32, n), Grad: make([]float32, n)}
}

// ZeroGrads clears the gradient of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// ScaleGrads multiplies every gradient by s.
func ScaleGrads(params []*Param, s float32) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= s
		}
	}
}

// NumParams counts scalar parameters of m (zero for parameterless models).
func NumParams(m Model) int {
	t, ok := m.(Trainable)
	if !ok {
		return 0
	}
	n := 0
	for _, p := range t.Params() {
		n += len(p.Value)
	}
	return n
}

// Type selects an architecture.
type Type string

const (
	// Linear predicts each output pixel as a learned linear combination of
	// the same pixel across the input frames.
	Linear Type = "linear"
	// MLP runs a small per-pixel multilayer perceptron over the input frames.
	MLP Type = "mlp"
	// Persistence repeats the last input frame. It has no parameters.
	Persistence Type = "persistence"
)

// Types lists the supported architectures.
func Types() []Type { return []Type{Linear, MLP, Persistence} }

// Config holds the construction parameters shared by all architectures.
type Config struct {
	Type            Type
	NumInputFrames  int
	NumOutputFrames int

	// HiddenSize is the hidden layer width of the MLP (default 32).
	HiddenSize int

	// Seed controls weight initialization. If zero, a time-based seed is used.
	Seed int64
}

// New creates a model for cfg.Type.
func New(cfg Config) (Model, error) {
	if cfg.NumInputFrames <= 0 || cfg.NumOutputFrames <= 0 {
		return nil, fmt.Errorf("model %q needs positive window sizes, got num_input_frames=%d num_output_frames=%d",
			cfg.Type, cfg.NumInputFrames, cfg.NumOutputFrames)
	}
	if cfg.HiddenSize == 0 {
		cfg.HiddenSize = 32
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	switch cfg.Type {
	case Linear:
		return newLinearModel(cfg, rng), nil
	case MLP:
		return newMLPModel(cfg, rng), nil
	case Persistence:
		return &PersistenceModel{numInput: cfg.NumInputFrames, numOutput: cfg.NumOutputFrames}, nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownModel, cfg.Type, Types())
	}
}

// Describe returns a short human readable description of m.
func Describe(m Model) string {
	name := fmt.Sprintf("%T", m)
	if d, ok := m.(interface{ Type() Type }); ok {
		name = string(d.Type())
	}
	return fmt.Sprintf("%s(num_input_frames=%d, num_output_frames=%d, params=%d)",
		name, m.NumInputFrames(), m.NumOutputFrames(), NumParams(m))
}

// checkWindow validates that frames has n frames sharing one shape and returns
// that shape.
func checkWindow(frames []video.Frame, n int, what string) (h, w int, err error) {
	if len(frames) != n {
		return 0, 0, fmt.Errorf("%s window has %d frames, model expects %d: %w", what, len(frames), n, ErrShapeMismatch)
	}
	h, w = frames[0].Height, frames[0].Width
	for i, f := range frames {
		if !f.SameShape(frames[0]) {
			return 0, 0, fmt.Errorf("%s frame %d is %dx%d, expected %dx%d: %w", what, i, f.Height, f.Width, h, w, ErrShapeMismatch)
		}
	}
	return h, w, nil
}

// MSE returns the mean squared error over all pixels of two equally shaped
// windows.
func MSE(output, target []video.Frame) (float64, error) {
	if len(output) != len(target) {
		return 0, fmt.Errorf("output has %d frames, target has %d: %w", len(output), len(target), ErrShapeMismatch)
	}
	var sum float64
	var n int
	for i := range output {
		if !output[i].SameShape(target[i]) {
			return 0, fmt.Errorf("frame %d: %w", i, ErrShapeMismatch)
		}
		for j, v := range output[i].Pix {
			d := float64(v - target[i].Pix[j])
			sum += d * d
		}
		n += len(output[i].Pix)
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// xavier fills p with Glorot-uniform values scaled by 0.5.
func xavier(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range p.Value {
		p.Value[i] = (rng.Float32()*2.0 - 1.0) * limit * 0.5
	}
}
