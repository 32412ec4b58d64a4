package evaluator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/framecast/video"
)

func texturedFrame(h, w int, seed int64) video.Frame {
	rng := rand.New(rand.NewSource(seed))
	f := video.NewFrame(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := 0.5 + 0.3*math.Sin(float64(x)/3)*math.Cos(float64(y)/4)
			f.Set(y, x, float32(base+0.1*rng.Float64()))
		}
	}
	return f
}

func constFrame(h, w int, v float32) video.Frame {
	f := video.NewFrame(h, w)
	for i := range f.Pix {
		f.Pix[i] = v
	}
	return f
}

func none(t *testing.T) video.Normalizer {
	n, err := video.NormalizerByName("none")
	require.NoError(t, err)
	return n
}

func TestSSIM(t *testing.T) {
	a := texturedFrame(24, 20, 1)
	b := texturedFrame(24, 20, 2)

	self, err := SSIMScore(a, a, SSIMOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, 1e-9)

	ab, err := SSIMScore(a, b, SSIMOptions{})
	require.NoError(t, err)
	ba, err := SSIMScore(b, a, SSIMOptions{})
	require.NoError(t, err)
	assert.Less(t, ab, 1.0)
	assert.Greater(t, ab, -1.0)
	assert.InDelta(t, ab, ba, 1e-12)

	flat, err := SSIMScore(constFrame(12, 12, 0.3), constFrame(12, 12, 0.3), SSIMOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, flat, 1e-12)

	_, err = SSIMScore(constFrame(10, 30, 0), constFrame(10, 30, 0), SSIMOptions{})
	assert.ErrorIs(t, err, ErrFrameShape)
	_, err = SSIMScore(a, constFrame(20, 24, 0), SSIMOptions{})
	assert.ErrorIs(t, err, ErrFrameShape)

	assert.Equal(t, 11, SSIMOptions{}.WindowSize())
	assert.Equal(t, 7, SSIMOptions{Sigma: 1, Truncate: 3}.WindowSize())
}

func TestGaussianKernelAndReflect(t *testing.T) {
	k := gaussianKernel(1.5, 5)
	require.Len(t, k, 11)
	var sum float64
	for i := range k {
		sum += k[i]
		assert.InDelta(t, k[i], k[len(k)-1-i], 1e-15)
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Greater(t, k[5], k[4])

	for _, tc := range []struct{ i, n, want int }{
		{-1, 4, 0}, {-2, 4, 1}, {4, 4, 3}, {5, 4, 2}, {2, 4, 2},
	} {
		assert.Equal(t, tc.want, reflect(tc.i, tc.n), "reflect(%d, %d)", tc.i, tc.n)
	}
}

func TestRMSE(t *testing.T) {
	a := texturedFrame(4, 4, 3)
	v, err := RMSEScore(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	v, err = RMSEScore(constFrame(3, 3, 0), constFrame(3, 3, 0.5))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-9)

	_, err = RMSEScore(a, constFrame(4, 5, 0))
	assert.ErrorIs(t, err, ErrFrameShape)
}

func TestOwnScores(t *testing.T) {
	a := texturedFrame(8, 8, 4)
	spatial, err := SpatialScore(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, spatial)
	scaling, err := ScalingScore(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, scaling)

	pred, _ := video.FrameFromRows([][]float32{{2, 2}})
	tgt, _ := video.FrameFromRows([][]float32{{1, 3}})
	spatial, err = SpatialScore(pred, tgt)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, spatial, 1e-9)
	scaling, err = ScalingScore(pred, tgt)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scaling, 1e-9)

	// a black target has no intensity to scale by
	_, err = ScalingScore(a, constFrame(8, 8, 0))
	assert.ErrorIs(t, err, ErrEmptyTarget)

	// a flat target keeps its scaling score
	flat := constFrame(8, 8, 0.4)
	_, err = SpatialScore(a, flat)
	assert.ErrorIs(t, err, ErrEmptyTarget)
	scaling, err = ScalingScore(constFrame(8, 8, 0.2), flat)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scaling, 1e-6)

	spatial, err = SpatialScore(flat, flat)
	require.NoError(t, err)
	assert.Equal(t, 0.0, spatial)
	scaling, err = ScalingScore(flat, flat)
	require.NoError(t, err)
	assert.Equal(t, 0.0, scaling)

	_, err = SpatialScore(a, constFrame(4, 8, 0))
	assert.ErrorIs(t, err, ErrFrameShape)
}

func TestHashDistances(t *testing.T) {
	a := Fingerprint{true, true, false, false}
	b := Fingerprint{true, false, true, false}

	ab, err := Hamming(a, b)
	require.NoError(t, err)
	ba, err := Hamming(b, a)
	require.NoError(t, err)
	assert.Equal(t, 2, ab)
	assert.Equal(t, ab, ba)

	j, err := Jaccard(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, j, 1e-12)

	j, err = Jaccard(a, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, j)

	j, err = Jaccard(Fingerprint{false, false}, Fingerprint{false, false})
	require.NoError(t, err)
	assert.Equal(t, 0.0, j)

	j, err = Jaccard(Fingerprint{true, false}, Fingerprint{false, true})
	require.NoError(t, err)
	assert.Equal(t, 1.0, j)

	_, err = Hamming(a, b[:3])
	assert.ErrorIs(t, err, ErrHashLength)
	_, err = Jaccard(a, b[:3])
	assert.ErrorIs(t, err, ErrHashLength)
}

func TestFingerprintOf(t *testing.T) {
	a := texturedFrame(32, 32, 5)
	fa, err := FingerprintOf(a)
	require.NoError(t, err)
	require.Len(t, fa, HashSize*HashSize)

	again, err := FingerprintOf(a.Clone())
	require.NoError(t, err)
	assert.Equal(t, fa, again)

	flipped, err := FingerprintOf(a.FlipHorizontal().FlipVertical())
	require.NoError(t, err)
	d, err := Hamming(fa, flipped)
	require.NoError(t, err)
	assert.Greater(t, d, 0)

	words := fa.Uint64s()
	require.Len(t, words, 4)
	var unpacked Fingerprint
	for _, w := range words {
		for b := 63; b >= 0; b-- {
			unpacked = append(unpacked, w&(1<<uint(b)) != 0)
		}
	}
	assert.Equal(t, fa, unpacked)
}

func TestAddRecordsEveryMetric(t *testing.T) {
	e := New(none(t))
	a := texturedFrame(16, 16, 6)
	require.NoError(t, e.Add(a, a, 3, AllMetrics...))

	want := []Record{
		{3, LabelHamming, 0},
		{3, LabelJaccard, 0},
		{3, LabelSSIM, 1},
		{3, LabelSpatial, 0},
		{3, LabelScaling, 0},
		{3, LabelRMSE, 0},
	}
	if diff := cmp.Diff(want, e.Records(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestAddDenormalizesBeforeScoring(t *testing.T) {
	norm, err := video.NormalizerByName("normal")
	require.NoError(t, err)
	e := New(norm)

	pred := norm.Normalize(constFrame(4, 4, 0.6))
	tgt := norm.Normalize(constFrame(4, 4, 0.5))
	require.NoError(t, e.Add(pred, tgt, 0, RMSE))
	recs := e.Records()
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.1, recs[0].Value, 1e-5)
}

func TestAddIsolatesMetricFailures(t *testing.T) {
	e := New(none(t))
	pred := texturedFrame(16, 16, 7)
	tgt := constFrame(16, 16, 0)

	err := e.Add(pred, tgt, 1, Own, RMSE, SSIM, PHash, PHash2, "MAE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyTarget)
	assert.ErrorIs(t, err, ErrUnknownMetric)

	var labels []string
	for _, r := range e.Records() {
		labels = append(labels, r.Label)
	}
	assert.Equal(t, []string{LabelRMSE, LabelSSIM, LabelHamming, LabelJaccard}, labels)
}

func TestAddRecordsFlatFrames(t *testing.T) {
	e := New(none(t))
	flat := constFrame(16, 16, 0.4)
	require.NoError(t, e.Add(flat, flat, 0, Own))
	want := []Record{{0, LabelSpatial, 0}, {0, LabelScaling, 0}}
	if diff := cmp.Diff(want, e.Records()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	// only the spatial part fails against a textured prediction
	err := e.Add(texturedFrame(16, 16, 2), flat, 1, Own)
	assert.ErrorIs(t, err, ErrEmptyTarget)
	recs := e.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, LabelScaling, recs[2].Label)
	assert.Equal(t, 1, recs[2].FrameOffset)
}

func TestAddSkipsNonFiniteScores(t *testing.T) {
	e := New(none(t))
	pred := constFrame(16, 16, float32(math.NaN()))
	tgt := texturedFrame(16, 16, 3)

	err := e.Add(pred, tgt, 0, Own, SSIM, RMSE)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonFinite)
	assert.Empty(t, e.Records())
}

func TestCompareOutputTarget(t *testing.T) {
	e := New(none(t))
	outputs := [][]video.Frame{
		{texturedFrame(16, 16, 1), texturedFrame(16, 16, 2), texturedFrame(16, 16, 3)},
		{texturedFrame(16, 16, 4), texturedFrame(16, 16, 5), texturedFrame(16, 16, 6)},
	}
	targets := [][]video.Frame{
		{texturedFrame(16, 16, 11), texturedFrame(16, 16, 12), texturedFrame(16, 16, 13)},
		{texturedFrame(16, 16, 14), constFrame(16, 16, 0), texturedFrame(16, 16, 16)},
	}

	failed, err := e.CompareOutputTarget(outputs, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	recs := e.Finalize()
	assert.Len(t, recs, 2*3*6-2)
	for _, r := range recs {
		assert.GreaterOrEqual(t, r.FrameOffset, 0)
		assert.Less(t, r.FrameOffset, 3)
	}

	_, err = e.CompareOutputTarget(outputs, targets)
	assert.ErrorIs(t, err, ErrFinalized)
	assert.ErrorIs(t, e.Add(outputs[0][0], targets[0][0], 0, RMSE), ErrFinalized)
	assert.Empty(t, e.Records())
}

func TestCompareOutputTargetShapeMismatch(t *testing.T) {
	e := New(none(t))
	_, err := e.CompareOutputTarget(make([][]video.Frame, 2), make([][]video.Frame, 1))
	assert.ErrorIs(t, err, ErrFrameShape)

	_, err = e.CompareOutputTarget(
		[][]video.Frame{{constFrame(2, 2, 1)}},
		[][]video.Frame{{constFrame(2, 2, 1), constFrame(2, 2, 1)}})
	assert.ErrorIs(t, err, ErrFrameShape)
}

func TestSummarize(t *testing.T) {
	records := []Record{
		{0, LabelRMSE, 1},
		{1, LabelRMSE, 4},
		{0, LabelRMSE, 3},
		{0, LabelSSIM, 0.5},
		{1, LabelRMSE, 4},
	}
	got := Summarize(records)
	want := []Summary{
		{Label: LabelRMSE, FrameOffset: 0, Mean: 2, StdDev: math.Sqrt2, N: 2},
		{Label: LabelRMSE, FrameOffset: 1, Mean: 4, StdDev: 0, N: 2},
		{Label: LabelSSIM, FrameOffset: 0, Mean: 0.5, StdDev: 0, N: 1},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, Summarize(nil))
}
