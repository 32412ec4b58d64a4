package evaluator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/Noofbiz/framecast/video"
)

// SSIMOptions configures SSIMScore. Zero fields take the defaults.
type SSIMOptions struct {
	// Sigma of the gaussian weighting window (default 1.5).
	Sigma float64
	// Truncate is the window radius in sigmas (default 3.5, an 11x11 window
	// for the default sigma).
	Truncate float64
	// DataRange is the dynamic range of the pixel values (default 2, the
	// range of signed floating point images).
	DataRange float64
}

func (o SSIMOptions) withDefaults() SSIMOptions {
	if o.Sigma == 0 {
		o.Sigma = 1.5
	}
	if o.Truncate == 0 {
		o.Truncate = 3.5
	}
	if o.DataRange == 0 {
		o.DataRange = 2
	}
	return o
}

// WindowSize returns the side of the square weighting window.
func (o SSIMOptions) WindowSize() int {
	o = o.withDefaults()
	return 2*int(o.Truncate*o.Sigma+0.5) + 1
}

// SSIMScore returns the mean structural similarity of a and b using gaussian
// weighted local statistics with sample covariance. Both frames must have the
// same shape and be at least WindowSize pixels in each dimension.
func SSIMScore(a, b video.Frame, opts SSIMOptions) (float64, error) {
	opts = opts.withDefaults()
	if !a.SameShape(b) {
		return 0, fmt.Errorf("ssim: %dx%d vs %dx%d: %w", a.Height, a.Width, b.Height, b.Width, ErrFrameShape)
	}
	win := opts.WindowSize()
	if a.Height < win || a.Width < win {
		return 0, fmt.Errorf("ssim: frame %dx%d is smaller than the %dx%d window: %w", a.Height, a.Width, win, win, ErrFrameShape)
	}

	h, w := a.Height, a.Width
	n := h * w
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(a.Pix[i])
		y[i] = float64(b.Pix[i])
	}
	xx := make([]float64, n)
	yy := make([]float64, n)
	xy := make([]float64, n)
	floats.MulTo(xx, x, x)
	floats.MulTo(yy, y, y)
	floats.MulTo(xy, x, y)

	kernel := gaussianKernel(opts.Sigma, (win-1)/2)
	ux := gaussianFilter(x, h, w, kernel)
	uy := gaussianFilter(y, h, w, kernel)
	uxx := gaussianFilter(xx, h, w, kernel)
	uyy := gaussianFilter(yy, h, w, kernel)
	uxy := gaussianFilter(xy, h, w, kernel)

	np := float64(win * win)
	covNorm := np / (np - 1)
	c1 := math.Pow(0.01*opts.DataRange, 2)
	c2 := math.Pow(0.03*opts.DataRange, 2)

	// average over the interior, away from the reflected border
	pad := (win - 1) / 2
	var sum float64
	var count int
	for r := pad; r < h-pad; r++ {
		for c := pad; c < w-pad; c++ {
			i := r*w + c
			vx := covNorm * (uxx[i] - ux[i]*ux[i])
			vy := covNorm * (uyy[i] - uy[i]*uy[i])
			vxy := covNorm * (uxy[i] - ux[i]*uy[i])
			a1 := 2*ux[i]*uy[i] + c1
			a2 := 2*vxy + c2
			b1 := ux[i]*ux[i] + uy[i]*uy[i] + c1
			b2 := vx + vy + c2
			sum += (a1 * a2) / (b1 * b2)
			count++
		}
	}
	return sum / float64(count), nil
}

// gaussianKernel returns normalized 1D gaussian weights for offsets
// -radius..radius.
func gaussianKernel(sigma float64, radius int) []float64 {
	k := make([]float64, 2*radius+1)
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-0.5 * d * d / (sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// gaussianFilter convolves an h x w image with kernel along both axes,
// reflecting at the borders (d c b a | a b c d | d c b a).
func gaussianFilter(src []float64, h, w int, kernel []float64) []float64 {
	radius := len(kernel) / 2
	tmp := make([]float64, len(src))
	for r := 0; r < h; r++ {
		row := src[r*w : (r+1)*w]
		for c := 0; c < w; c++ {
			var s float64
			for k, kv := range kernel {
				s += kv * row[reflect(c+k-radius, w)]
			}
			tmp[r*w+c] = s
		}
	}
	dst := make([]float64, len(src))
	for c := 0; c < w; c++ {
		for r := 0; r < h; r++ {
			var s float64
			for k, kv := range kernel {
				s += kv * tmp[reflect(r+k-radius, h)*w+c]
			}
			dst[r*w+c] = s
		}
	}
	return dst
}

func reflect(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}
