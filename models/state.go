package models

import (
	"encoding/gob"
	"fmt"
	"io"
)

// stateVersion is bumped whenever the encoded State layout changes.
const stateVersion = 1

// NamedTensor is one parameter's values with its shape.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// State is everything needed to rebuild a model's inference behaviour.
type State struct {
	Version         int
	Type            Type
	NumInputFrames  int
	NumOutputFrames int
	HiddenSize      int
	Tensors         []NamedTensor
}

// Snapshot copies the architecture description and weights of m.
func Snapshot(m Model) (State, error) {
	typed, ok := m.(interface{ Type() Type })
	if !ok {
		return State{}, fmt.Errorf("snapshot %T: %w", m, ErrUnknownModel)
	}
	s := State{
		Version:         stateVersion,
		Type:            typed.Type(),
		NumInputFrames:  m.NumInputFrames(),
		NumOutputFrames: m.NumOutputFrames(),
	}
	if mlp, ok := m.(*MLPModel); ok {
		s.HiddenSize = mlp.HiddenSize()
	}
	if t, ok := m.(Trainable); ok {
		for _, p := range t.Params() {
			s.Tensors = append(s.Tensors, NamedTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Value...),
			})
		}
	}
	return s, nil
}

// Config returns the model configuration described by s.
func (s State) Config() Config {
	return Config{
		Type:            s.Type,
		NumInputFrames:  s.NumInputFrames,
		NumOutputFrames: s.NumOutputFrames,
		HiddenSize:      s.HiddenSize,
	}
}

// Apply copies the weights of s into m. The architecture and every tensor
// shape must match.
func (s State) Apply(m Model) error {
	typed, ok := m.(interface{ Type() Type })
	if !ok || typed.Type() != s.Type {
		return fmt.Errorf("weights for %q cannot be loaded into %s: %w", s.Type, Describe(m), ErrShapeMismatch)
	}
	if m.NumInputFrames() != s.NumInputFrames || m.NumOutputFrames() != s.NumOutputFrames {
		return fmt.Errorf("weights have num_input_frames=%d num_output_frames=%d, model has %d/%d: %w",
			s.NumInputFrames, s.NumOutputFrames, m.NumInputFrames(), m.NumOutputFrames(), ErrShapeMismatch)
	}
	t, ok := m.(Trainable)
	if !ok {
		if len(s.Tensors) != 0 {
			return fmt.Errorf("model %s has no parameters, weights have %d tensors: %w", Describe(m), len(s.Tensors), ErrShapeMismatch)
		}
		return nil
	}
	params := t.Params()
	if len(params) != len(s.Tensors) {
		return fmt.Errorf("model has %d parameters, weights have %d: %w", len(params), len(s.Tensors), ErrShapeMismatch)
	}
	for i, p := range params {
		nt := s.Tensors[i]
		if nt.Name != p.Name || len(nt.Data) != len(p.Value) || !equalShape(nt.Shape, p.Shape) {
			return fmt.Errorf("parameter %q%v does not match stored %q%v: %w", p.Name, p.Shape, nt.Name, nt.Shape, ErrShapeMismatch)
		}
	}
	for i, p := range params {
		copy(p.Value, s.Tensors[i].Data)
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save gob-encodes the state of m to w.
func Save(w io.Writer, m Model) error {
	s, err := Snapshot(m)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(&s); err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}
	return nil
}

// Load decodes a state written by Save and builds the model it describes.
func Load(r io.Reader) (Model, error) {
	s, err := ReadState(r)
	if err != nil {
		return nil, err
	}
	cfg := s.Config()
	// any seed: weights are overwritten below
	cfg.Seed = 1
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadState decodes a state written by Save without building a model.
func ReadState(r io.Reader) (State, error) {
	var s State
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return State{}, fmt.Errorf("decode model state: %w", err)
	}
	if s.Version != stateVersion {
		return State{}, fmt.Errorf("model state version mismatch: stored=%d expected=%d", s.Version, stateVersion)
	}
	return s, nil
}
