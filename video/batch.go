package video

import (
	"context"
	"errors"
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ErrLength is returned by NewBatch for clips of different lengths.
var ErrLength = errors.New("clip length mismatch")

// Batch groups clips of equal length and frame shape for joint processing.
type Batch struct {
	Clips []Clip
}

// NewBatch builds a batch. Every clip must have the length and frame shape
// of the first one; use CropToShortest for clips of different lengths.
func NewBatch(clips []Clip) (*Batch, error) {
	if len(clips) == 0 {
		return nil, errors.New("batch has no clips")
	}
	first := clips[0]
	for _, c := range clips {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if c.Len() != first.Len() {
			return nil, fmt.Errorf("clip %q has %d frames, clip %q has %d: %w",
				c.Name, c.Len(), first.Name, first.Len(), ErrLength)
		}
	}
	if first.Len() == 0 {
		return nil, errors.New("batch contains an empty clip")
	}
	ref := first.Frames[0]
	for _, c := range clips {
		if !c.Frames[0].SameShape(ref) {
			return nil, fmt.Errorf("clip %q is %dx%d, batch is %dx%d: %w",
				c.Name, c.Frames[0].Height, c.Frames[0].Width, ref.Height, ref.Width, ErrShape)
		}
	}
	return &Batch{Clips: append([]Clip(nil), clips...)}, nil
}

// CropToShortest cuts every clip to the length of the shortest one. It
// returns the cropped clips and the names of those that lost frames.
func CropToShortest(clips []Clip) ([]Clip, []string) {
	if len(clips) == 0 {
		return nil, nil
	}
	shortest := clips[0].Len()
	for _, c := range clips {
		shortest = min(shortest, c.Len())
	}
	out := make([]Clip, len(clips))
	var cropped []string
	for i, c := range clips {
		if c.Len() > shortest {
			cropped = append(cropped, c.Name)
		}
		out[i] = Clip{Name: c.Name, Frames: c.Frames[:shortest]}
	}
	return out, cropped
}

// Size is the number of clips.
func (b *Batch) Size() int { return len(b.Clips) }

// Length is the number of frames in every clip.
func (b *Batch) Length() int {
	if len(b.Clips) == 0 {
		return 0
	}
	return b.Clips[0].Len()
}

// Windows slices [start, start+length) out of every clip, indexed by clip.
func (b *Batch) Windows(start, length int) ([][]Frame, error) {
	out := make([][]Frame, len(b.Clips))
	for i, c := range b.Clips {
		w, err := c.Window(start, length)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// ToTensor converts the batch into a gomlx tensor shaped
// [clips, frames, height, width] so it can be fed to gomlx graphs.
func (b *Batch) ToTensor() *tensors.Tensor {
	data := make([][][][]float32, len(b.Clips))
	for i, c := range b.Clips {
		data[i] = make([][][]float32, len(c.Frames))
		for j, f := range c.Frames {
			data[i][j] = f.Rows()
		}
	}
	return tensors.FromAnyValue(data)
}

// Batches is an in-memory batch source, useful for tests and small runs.
type Batches []*Batch

// Len returns the number of batches.
func (bs Batches) Len() int { return len(bs) }

// Iterate calls fn for every batch in order. Returning an error from fn stops
// iteration and that error is returned.
func (bs Batches) Iterate(ctx context.Context, fn func(*Batch) error) error {
	for _, b := range bs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
