package video

import (
	"errors"
	"fmt"
)

// ErrShape is returned when frames that must share a shape do not.
var ErrShape = errors.New("frame shape mismatch")

// Frame is a single-channel image. Pix has Height*Width entries.
type Frame struct {
	Height int
	Width  int
	Pix    []float32
}

// NewFrame allocates a zeroed frame of the given size.
func NewFrame(height, width int) Frame {
	return Frame{Height: height, Width: width, Pix: make([]float32, height*width)}
}

// FrameFromRows builds a frame from a [row][col] slice. All rows must have the
// same length.
func FrameFromRows(rows [][]float32) (Frame, error) {
	if len(rows) == 0 {
		return Frame{}, nil
	}
	w := len(rows[0])
	f := NewFrame(len(rows), w)
	for y, row := range rows {
		if len(row) != w {
			return Frame{}, fmt.Errorf("row %d has %d columns, expected %d", y, len(row), w)
		}
		copy(f.Pix[y*w:], row)
	}
	return f, nil
}

// At returns the intensity at row y, column x.
func (f Frame) At(y, x int) float32 {
	return f.Pix[y*f.Width+x]
}

// Set writes the intensity at row y, column x.
func (f Frame) Set(y, x int, v float32) {
	f.Pix[y*f.Width+x] = v
}

// Len is the number of pixels.
func (f Frame) Len() int { return len(f.Pix) }

// SameShape reports whether both frames have identical dimensions.
func (f Frame) SameShape(o Frame) bool {
	return f.Height == o.Height && f.Width == o.Width && len(f.Pix) == len(o.Pix)
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	c := Frame{Height: f.Height, Width: f.Width, Pix: make([]float32, len(f.Pix))}
	copy(c.Pix, f.Pix)
	return c
}

// Rows returns a [row][col] copy of the frame.
func (f Frame) Rows() [][]float32 {
	rows := make([][]float32, f.Height)
	for y := range rows {
		rows[y] = make([]float32, f.Width)
		copy(rows[y], f.Pix[y*f.Width:(y+1)*f.Width])
	}
	return rows
}

// FlipHorizontal mirrors the frame left to right.
func (f Frame) FlipHorizontal() Frame {
	out := NewFrame(f.Height, f.Width)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			out.Pix[y*f.Width+x] = f.Pix[y*f.Width+(f.Width-1-x)]
		}
	}
	return out
}

// FlipVertical mirrors the frame top to bottom.
func (f Frame) FlipVertical() Frame {
	out := NewFrame(f.Height, f.Width)
	for y := 0; y < f.Height; y++ {
		copy(out.Pix[y*f.Width:(y+1)*f.Width], f.Pix[(f.Height-1-y)*f.Width:(f.Height-y)*f.Width])
	}
	return out
}

// Clip is the ordered frame sequence of a single video.
type Clip struct {
	Name   string
	Frames []Frame
}

// Len returns the number of frames.
func (c Clip) Len() int { return len(c.Frames) }

// Validate checks that every frame shares the first frame's shape.
func (c Clip) Validate() error {
	if len(c.Frames) == 0 {
		return nil
	}
	first := c.Frames[0]
	for i, f := range c.Frames[1:] {
		if !f.SameShape(first) {
			return fmt.Errorf("clip %q frame %d is %dx%d, expected %dx%d: %w",
				c.Name, i+1, f.Height, f.Width, first.Height, first.Width, ErrShape)
		}
	}
	return nil
}

// Window returns frames [start, start+length). The returned slice aliases the
// clip's frames.
func (c Clip) Window(start, length int) ([]Frame, error) {
	if start < 0 || length < 0 || start+length > len(c.Frames) {
		return nil, fmt.Errorf("window [%d,%d) outside clip %q of length %d", start, start+length, c.Name, len(c.Frames))
	}
	return c.Frames[start : start+length], nil
}

// Reversed returns the clip played backwards.
func (c Clip) Reversed() Clip {
	out := Clip{Name: c.Name, Frames: make([]Frame, len(c.Frames))}
	for i, f := range c.Frames {
		out.Frames[len(c.Frames)-1-i] = f
	}
	return out
}
