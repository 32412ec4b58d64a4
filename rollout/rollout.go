// Package rollout extends a model's fixed output window to an arbitrary
// prediction horizon by invoking it repeatedly on its own predictions.
package rollout

import (
	"errors"
	"fmt"

	"github.com/Noofbiz/framecast/models"
	"github.com/Noofbiz/framecast/video"
)

// ErrHorizon is returned for a non-positive horizon or one that runs past the
// available ground truth.
var ErrHorizon = errors.New("invalid rollout horizon")

// Rollout predicts total frames following input, which must hold exactly
// m.NumInputFrames() frames. The first block comes from input. Every later
// block is predicted from the most recent NumInputFrames frames of input
// followed by all predictions so far, so once at least NumInputFrames frames
// were predicted the model only sees its own outputs. Frames generated past
// total by the last block are dropped.
func Rollout(m models.Model, input []video.Frame, total int) ([]video.Frame, error) {
	numInput := m.NumInputFrames()
	if len(input) != numInput {
		return nil, fmt.Errorf("rollout: input window has %d frames, model expects num_input_frames=%d: %w",
			len(input), numInput, models.ErrShapeMismatch)
	}
	if total < 1 {
		return nil, fmt.Errorf("rollout: num_total_output_frames=%d: %w", total, ErrHorizon)
	}

	acc := make([]video.Frame, 0, total+m.NumOutputFrames())
	window := input
	for len(acc) < total {
		block, err := forward(m, window)
		if err != nil {
			return nil, err
		}
		acc = append(acc, block...)
		window = nextWindow(input, acc, numInput)
	}
	return acc[:total], nil
}

// nextWindow returns the last n frames of input followed by acc.
func nextWindow(input, acc []video.Frame, n int) []video.Frame {
	if len(acc) >= n {
		return acc[len(acc)-n:]
	}
	w := make([]video.Frame, 0, n)
	w = append(w, input[len(input)-(n-len(acc)):]...)
	return append(w, acc...)
}

func forward(m models.Model, window []video.Frame) ([]video.Frame, error) {
	block, err := m.Forward(window)
	if err != nil {
		return nil, fmt.Errorf("rollout: forward: %w", err)
	}
	if len(block) != m.NumOutputFrames() {
		return nil, fmt.Errorf("rollout: model returned %d frames, declares num_output_frames=%d: %w",
			len(block), m.NumOutputFrames(), models.ErrShapeMismatch)
	}
	return block, nil
}

// Strategy selects how blocks after the first are fed when ground truth is
// available.
type Strategy struct {
	// Refeed feeds every block with the ground-truth frames preceding it.
	Refeed bool
	// ReinsertEvery > 0 feeds every ReinsertEvery-th block (counting from the
	// first) with ground truth and self-feeds the blocks in between.
	ReinsertEvery int
}

// FromClip predicts total frames following the input window that starts at
// start in clip. Blocks are fed according to s; the zero Strategy is the same
// as Rollout. clip must hold the input window plus total ground-truth frames.
func FromClip(m models.Model, clip []video.Frame, start, total int, s Strategy) ([]video.Frame, error) {
	numInput, numOutput := m.NumInputFrames(), m.NumOutputFrames()
	if start < 0 || total < 1 || start+numInput+total > len(clip) {
		return nil, fmt.Errorf("rollout: clip_length=%d test_starting_point=%d num_input_frames=%d num_total_output_frames=%d: %w",
			len(clip), start, numInput, total, ErrHorizon)
	}
	input := clip[start : start+numInput]
	if !s.Refeed && s.ReinsertEvery <= 0 {
		return Rollout(m, input, total)
	}

	acc := make([]video.Frame, 0, total+numOutput)
	for block := 0; len(acc) < total; block++ {
		var window []video.Frame
		if s.Refeed || block%s.ReinsertEvery == 0 {
			pos := start + numInput + len(acc)
			window = clip[pos-numInput : pos]
		} else {
			window = nextWindow(input, acc, numInput)
		}
		out, err := forward(m, window)
		if err != nil {
			return nil, err
		}
		acc = append(acc, out...)
	}
	return acc[:total], nil
}
