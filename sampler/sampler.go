// Package sampler draws (input window, target window) start offsets inside a
// video clip.
package sampler

import (
	"errors"
	"fmt"
	"math/rand"
)

var (
	// ErrClipTooShort means the clip cannot hold a single input+target window.
	ErrClipTooShort = errors.New("clip too short for requested window")
	// ErrTooManySamples means more distinct offsets were requested than exist.
	ErrTooManySamples = errors.New("more samples requested than available offsets")
)

// ConfigError reports the configuration values that made sampling impossible.
type ConfigError struct {
	ClipLength         int
	NumInputFrames     int
	NumOutputFrames    int
	SamplesPerSequence int
	Err                error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: clip_length=%d num_input_frames=%d num_output_frames=%d samples_per_sequence=%d (available offsets=%d)",
		e.Err, e.ClipLength, e.NumInputFrames, e.NumOutputFrames, e.SamplesPerSequence, Available(e.ClipLength, e.NumInputFrames, e.NumOutputFrames))
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Span is one sampled window pair: input frames [Start, InputEnd) and target
// frames [InputEnd, TargetEnd).
type Span struct {
	Start     int
	InputEnd  int
	TargetEnd int
}

// Available returns the number of valid start offsets, L-I-O-1. It may be
// zero or negative when the clip is too short.
func Available(clipLength, numInput, numOutput int) int {
	return clipLength - numInput - numOutput - 1
}

// Sampler draws distinct start offsets from an explicit random source.
type Sampler struct {
	rng *rand.Rand
}

// New creates a Sampler. A nil rng is replaced by one seeded with seed 0 so
// results stay reproducible.
func New(rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	return &Sampler{rng: rng}
}

// Sample draws k distinct offsets without replacement from [0, L-I-O-1) and
// returns the corresponding spans.
func (s *Sampler) Sample(clipLength, numInput, numOutput, k int) ([]Span, error) {
	cfgErr := func(err error) error {
		return &ConfigError{
			ClipLength:         clipLength,
			NumInputFrames:     numInput,
			NumOutputFrames:    numOutput,
			SamplesPerSequence: k,
			Err:                err,
		}
	}
	if numInput <= 0 || numOutput <= 0 || k <= 0 {
		return nil, cfgErr(errors.New("window sizes and sample count must be positive"))
	}
	n := Available(clipLength, numInput, numOutput)
	if n <= 0 {
		return nil, cfgErr(ErrClipTooShort)
	}
	if k > n {
		return nil, cfgErr(ErrTooManySamples)
	}

	perm := s.rng.Perm(n)
	spans := make([]Span, k)
	for i, start := range perm[:k] {
		spans[i] = Span{
			Start:     start,
			InputEnd:  start + numInput,
			TargetEnd: start + numInput + numOutput,
		}
	}
	return spans, nil
}
