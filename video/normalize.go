package video

import (
	"fmt"
	"sort"
)

// Normalizer maps natural [0,1] intensities to the range the models train on
// via (x-Mean)/Std and back.
type Normalizer struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

var normalizers = map[string]Normalizer{
	"none":   {Mean: 0.0, Std: 1.0},       // leave as is
	"normal": {Mean: 0.5047, Std: 0.1176}, // mean 0 std 1 over the wave data
	"m1to1":  {Mean: 0.5, Std: 0.5},       // -1 .. 1
}

// NormalizerByName returns one of the named normalizers.
func NormalizerByName(name string) (Normalizer, error) {
	n, ok := normalizers[name]
	if !ok {
		names := make([]string, 0, len(normalizers))
		for k := range normalizers {
			names = append(names, k)
		}
		sort.Strings(names)
		return Normalizer{}, fmt.Errorf("unknown normalizer %q (known: %v)", name, names)
	}
	return n, nil
}

// Normalize applies (x-Mean)/Std to every pixel and returns a new frame.
func (n Normalizer) Normalize(f Frame) Frame {
	out := NewFrame(f.Height, f.Width)
	std := n.Std
	if std == 0 {
		std = 1
	}
	for i, v := range f.Pix {
		out.Pix[i] = float32((float64(v) - n.Mean) / std)
	}
	return out
}

// Denormalize applies x*Std+Mean to every pixel and returns a new frame. A
// zero Std is treated as 1, as in Normalize.
func (n Normalizer) Denormalize(f Frame) Frame {
	out := NewFrame(f.Height, f.Width)
	std := n.Std
	if std == 0 {
		std = 1
	}
	for i, v := range f.Pix {
		out.Pix[i] = float32(std*float64(v) + n.Mean)
	}
	return out
}
