package evaluator

import (
	"fmt"
	"image"
	"math"
	"math/bits"

	"github.com/corona10/goimagehash"
	"gonum.org/v1/gonum/stat"

	"github.com/Noofbiz/framecast/video"
)

// HashSize is the side of the perceptual hash DCT block; fingerprints have
// HashSize*HashSize bits.
const HashSize = 16

// SpatialScore returns the mean absolute difference between the frames'
// deviations from their own spatial means, divided by the target's mean
// deviation. It is 0 when pred equals tgt, flat frames included.
func SpatialScore(pred, tgt video.Frame) (float64, error) {
	p, t, err := ownPixels("spatial score", pred, tgt)
	if err != nil {
		return 0, err
	}
	pMean := stat.Mean(p, nil)
	tMean := stat.Mean(t, nil)
	var relDiff, relTarget float64
	for i := range p {
		pr := math.Abs(p[i] - pMean)
		tr := math.Abs(t[i] - tMean)
		relDiff += math.Abs(pr - tr)
		relTarget += tr
	}
	if relTarget == 0 {
		if relDiff == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("spatial score: target has no spatial variation: %w", ErrEmptyTarget)
	}
	return relDiff / relTarget, nil
}

// ScalingScore returns the mean absolute pixel difference divided by the
// target's mean intensity.
func ScalingScore(pred, tgt video.Frame) (float64, error) {
	p, t, err := ownPixels("scaling score", pred, tgt)
	if err != nil {
		return 0, err
	}
	tMean := stat.Mean(t, nil)
	if tMean == 0 {
		return 0, fmt.Errorf("scaling score: target mean intensity is 0: %w", ErrEmptyTarget)
	}
	var absDiff float64
	for i := range p {
		absDiff += math.Abs(p[i] - t[i])
	}
	return absDiff / float64(len(p)) / tMean, nil
}

func ownPixels(name string, pred, tgt video.Frame) ([]float64, []float64, error) {
	if !pred.SameShape(tgt) {
		return nil, nil, fmt.Errorf("%s: %dx%d vs %dx%d: %w", name, pred.Height, pred.Width, tgt.Height, tgt.Width, ErrFrameShape)
	}
	if tgt.Len() == 0 {
		return nil, nil, fmt.Errorf("%s: %w", name, ErrEmptyTarget)
	}
	return toFloat64(pred), toFloat64(tgt), nil
}

// RMSEScore returns the root of the mean squared pixel difference.
func RMSEScore(pred, tgt video.Frame) (float64, error) {
	if !pred.SameShape(tgt) {
		return 0, fmt.Errorf("rmse: %dx%d vs %dx%d: %w", pred.Height, pred.Width, tgt.Height, tgt.Width, ErrFrameShape)
	}
	if tgt.Len() == 0 {
		return 0, fmt.Errorf("rmse: %w", ErrEmptyTarget)
	}
	var sum float64
	for i, v := range pred.Pix {
		d := float64(v) - float64(tgt.Pix[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(tgt.Len())), nil
}

// Fingerprint is a perceptual hash as a bit vector, most significant bit of
// the hash first.
type Fingerprint []bool

// FingerprintOf hashes f with a 256 bit DCT perceptual hash. Pixel values are
// taken on a [0,1] scale and clipped.
func FingerprintOf(f video.Frame) (Fingerprint, error) {
	if f.Len() == 0 {
		return nil, fmt.Errorf("fingerprint: %w", ErrEmptyTarget)
	}
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		img.Pix[i] = uint8(math.Max(0, math.Min(255, float64(v)*255)))
	}
	h, err := goimagehash.ExtPerceptionHash(img, HashSize, HashSize)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	words := h.GetHash()
	fp := make(Fingerprint, 0, 64*len(words))
	for _, w := range words {
		for b := 63; b >= 0; b-- {
			fp = append(fp, w&(1<<uint(b)) != 0)
		}
	}
	return fp, nil
}

// OnesCount returns the number of set bits.
func (fp Fingerprint) OnesCount() int {
	n := 0
	for _, b := range fp {
		if b {
			n++
		}
	}
	return n
}

// Uint64s packs the fingerprint into 64 bit words, the inverse of the
// unpacking in FingerprintOf.
func (fp Fingerprint) Uint64s() []uint64 {
	words := make([]uint64, (len(fp)+63)/64)
	for i, b := range fp {
		if b {
			words[i/64] |= 1 << uint(63-i%64)
		}
	}
	return words
}

// Hamming returns the number of positions where a and b differ.
func Hamming(a, b Fingerprint) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("hamming: %d vs %d bits: %w", len(a), len(b), ErrHashLength)
	}
	wa, wb := a.Uint64s(), b.Uint64s()
	d := 0
	for i := range wa {
		d += bits.OnesCount64(wa[i] ^ wb[i])
	}
	return d, nil
}

// Jaccard returns 1 - |a AND b| / |a OR b| over the set bits of a and b. Two
// fingerprints without set bits have distance 0.
func Jaccard(a, b Fingerprint) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("jaccard: %d vs %d bits: %w", len(a), len(b), ErrHashLength)
	}
	var union, differ int
	for i := range a {
		if a[i] || b[i] {
			union++
			if a[i] != b[i] {
				differ++
			}
		}
	}
	if union == 0 {
		return 0, nil
	}
	return float64(differ) / float64(union), nil
}

func toFloat64(f video.Frame) []float64 {
	out := make([]float64, len(f.Pix))
	for i, v := range f.Pix {
		out[i] = float64(v)
	}
	return out
}
