package report

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/Noofbiz/framecast/video"
)

// gap is the spacing in pixels between the tiles of a sequence grid.
const gap = 2

// SaveSequence writes rows of frames as a PNG grid, one row per slice. Frames
// hold natural intensities; values outside [0,1] are clipped. Every frame
// must have the shape of the first one.
func SaveSequence(path string, rows ...[]video.Frame) error {
	img, err := sequenceImage(rows)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(fh, img); err != nil {
		fh.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fh.Close()
}

func sequenceImage(rows [][]video.Frame) (*image.Gray, error) {
	var ref *video.Frame
	cols := 0
	for _, r := range rows {
		for i := range r {
			if ref == nil {
				ref = &r[i]
			}
			if !r[i].SameShape(*ref) {
				return nil, fmt.Errorf("sequence frame is %dx%d, expected %dx%d: %w",
					r[i].Height, r[i].Width, ref.Height, ref.Width, video.ErrShape)
			}
		}
		cols = max(cols, len(r))
	}
	if ref == nil {
		return nil, errors.New("sequence has no frames")
	}

	h, w := ref.Height, ref.Width
	img := image.NewGray(image.Rect(0, 0, cols*(w+gap)-gap, len(rows)*(h+gap)-gap))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 128}), image.Point{}, draw.Src)
	for ri, r := range rows {
		for ci, f := range r {
			tile := grayOf(f)
			at := image.Pt(ci*(w+gap), ri*(h+gap))
			draw.Draw(img, tile.Bounds().Add(at), tile, image.Point{}, draw.Src)
		}
	}
	return img, nil
}

func grayOf(f video.Frame) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		if v != v {
			v = 0
		}
		v = min(max(v, 0), 1)
		g.Pix[i] = uint8(v*255 + 0.5)
	}
	return g
}
