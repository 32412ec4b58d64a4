package models

import "github.com/Noofbiz/framecast/video"

// PersistenceModel predicts that nothing changes: every output frame is a copy
// of the last input frame. It is the baseline other models should beat.
type PersistenceModel struct {
	numInput  int
	numOutput int
}

func (m *PersistenceModel) Type() Type           { return Persistence }
func (m *PersistenceModel) NumInputFrames() int  { return m.numInput }
func (m *PersistenceModel) NumOutputFrames() int { return m.numOutput }

// Forward implements Model.
func (m *PersistenceModel) Forward(input []video.Frame) ([]video.Frame, error) {
	if _, _, err := checkWindow(input, m.numInput, "input"); err != nil {
		return nil, err
	}
	last := input[len(input)-1]
	out := make([]video.Frame, m.numOutput)
	for i := range out {
		out[i] = last.Clone()
	}
	return out, nil
}
