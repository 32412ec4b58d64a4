package models

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/framecast/video"
)

func randomWindow(rng *rand.Rand, n, h, w int) []video.Frame {
	frames := make([]video.Frame, n)
	for i := range frames {
		f := video.NewFrame(h, w)
		for p := range f.Pix {
			f.Pix[p] = rng.Float32()
		}
		frames[i] = f
	}
	return frames
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "transformer", NumInputFrames: 2, NumOutputFrames: 2})
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), "transformer")

	_, err = New(Config{Type: Linear, NumInputFrames: 0, NumOutputFrames: 2})
	assert.Error(t, err)
}

func TestModelsProduceDeclaredWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, typ := range Types() {
		t.Run(string(typ), func(t *testing.T) {
			m, err := New(Config{Type: typ, NumInputFrames: 3, NumOutputFrames: 4, HiddenSize: 5, Seed: 11})
			require.NoError(t, err)
			assert.Equal(t, 3, m.NumInputFrames())
			assert.Equal(t, 4, m.NumOutputFrames())

			in := randomWindow(rng, 3, 4, 5)
			out, err := m.Forward(in)
			require.NoError(t, err)
			require.Len(t, out, 4)
			for _, f := range out {
				assert.Equal(t, 4, f.Height)
				assert.Equal(t, 5, f.Width)
			}

			again, err := m.Forward(in)
			require.NoError(t, err)
			assert.Equal(t, out, again)

			_, err = m.Forward(in[:2])
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestPersistenceRepeatsLastFrame(t *testing.T) {
	m, err := New(Config{Type: Persistence, NumInputFrames: 2, NumOutputFrames: 3})
	require.NoError(t, err)
	in := randomWindow(rand.New(rand.NewSource(1)), 2, 2, 2)
	out, err := m.Forward(in)
	require.NoError(t, err)
	for _, f := range out {
		assert.Equal(t, in[1].Pix, f.Pix)
	}
	out[0].Pix[0] = 42
	assert.NotEqual(t, float32(42), in[1].Pix[0])
	assert.Equal(t, 0, NumParams(m))
}

func TestTrainableLossDecreases(t *testing.T) {
	for _, typ := range []Type{Linear, MLP} {
		t.Run(string(typ), func(t *testing.T) {
			m, err := New(Config{Type: typ, NumInputFrames: 3, NumOutputFrames: 2, HiddenSize: 8, Seed: 5})
			require.NoError(t, err)
			tm := m.(Trainable)
			opt := NewAdam(AdamConfig{LearningRate: 0.01})

			// target: both output frames copy the last input frame
			rng := rand.New(rand.NewSource(9))
			in := randomWindow(rng, 3, 6, 6)
			target := []video.Frame{in[2].Clone(), in[2].Clone()}

			first, err := tm.Accumulate(in, target)
			require.NoError(t, err)
			ZeroGrads(tm.Params())

			var last float64
			for i := 0; i < 300; i++ {
				last, err = tm.Accumulate(in, target)
				require.NoError(t, err)
				opt.Step(tm.Params())
				ZeroGrads(tm.Params())
			}
			assert.Less(t, last, first*0.5)
			assert.Equal(t, 300, opt.Steps())

			out, err := m.Forward(in)
			require.NoError(t, err)
			mse, err := MSE(out, target)
			require.NoError(t, err)
			assert.InDelta(t, last, mse, 0.05)
		})
	}
}

func TestAccumulateRejectsMismatchedTarget(t *testing.T) {
	m, err := New(Config{Type: MLP, NumInputFrames: 2, NumOutputFrames: 1, Seed: 1})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(2))
	_, err = m.(Trainable).Accumulate(randomWindow(rng, 2, 3, 3), randomWindow(rng, 1, 4, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMSE(t *testing.T) {
	a, _ := video.FrameFromRows([][]float32{{0, 1}, {2, 3}})
	b, _ := video.FrameFromRows([][]float32{{1, 1}, {2, 1}})
	got, err := MSE([]video.Frame{a}, []video.Frame{b})
	require.NoError(t, err)
	assert.InDelta(t, 5.0/4.0, got, 1e-9)

	_, err = MSE([]video.Frame{a}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBatchMSEMatchesMSE(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	var preds, targets []video.Clip
	for i := 0; i < 3; i++ {
		preds = append(preds, video.Clip{Name: "p", Frames: randomWindow(rng, 2, 4, 5)})
		targets = append(targets, video.Clip{Name: "t", Frames: randomWindow(rng, 2, 4, 5)})
	}
	pb, err := video.NewBatch(preds)
	require.NoError(t, err)
	tb, err := video.NewBatch(targets)
	require.NoError(t, err)

	m, err := NewBatchMSE()
	require.NoError(t, err)
	defer m.Close()
	got, err := m.Compute(pb, tb)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range preds {
		want, err := MSE(preds[i].Frames, targets[i].Frames)
		require.NoError(t, err)
		assert.InDelta(t, want, got[i], 1e-5)
	}

	short, err := video.NewBatch(targets[:2])
	require.NoError(t, err)
	_, err = m.Compute(pb, short)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAdamWeightDecayShrinksWeights(t *testing.T) {
	p := newParam("w", 2)
	p.Value[0], p.Value[1] = 1, -1
	opt := NewAdam(AdamConfig{LearningRate: 0.1, WeightDecay: 0.5})
	opt.Step([]*Param{p})
	assert.Less(t, p.Value[0], float32(1))
	assert.Greater(t, p.Value[1], float32(-1))
}

func TestAdamClipNorm(t *testing.T) {
	p := newParam("w", 2)
	p.Grad[0], p.Grad[1] = 3, 4
	clipGlobalNorm([]*Param{p}, 1)
	assert.InDelta(t, 0.6, p.Grad[0], 1e-6)
	assert.InDelta(t, 0.8, p.Grad[1], 1e-6)
}

func TestAdamStateRestore(t *testing.T) {
	params := func() []*Param {
		p := newParam("w", 3)
		copy(p.Value, []float32{0.5, -0.2, 0.1})
		return []*Param{p}
	}
	setGrad := func(ps []*Param) { copy(ps[0].Grad, []float32{0.3, 0.1, -0.4}) }

	a := NewAdam(AdamConfig{LearningRate: 0.05, WeightDecay: 1e-5})
	pa := params()
	setGrad(pa)
	a.Step(pa)

	b := NewAdam(AdamConfig{})
	require.NoError(t, b.Restore(a.State()))
	pb := []*Param{{Name: "w", Shape: []int{3}, Value: append([]float32(nil), pa[0].Value...), Grad: make([]float32, 3)}}

	setGrad(pa)
	setGrad(pb)
	a.Step(pa)
	b.Step(pb)
	assert.Equal(t, pa[0].Value, pb[0].Value)
	assert.Equal(t, 0.05, b.LearningRate())

	assert.Error(t, b.Restore(AdamState{}))
}

func TestAdamStateEncodesNonFiniteMoments(t *testing.T) {
	a := NewAdam(AdamConfig{LearningRate: 0.01})
	p := []*Param{{Name: "w", Shape: []int{2}, Value: []float32{1, 2}, Grad: []float32{float32(math.NaN()), 1}}}
	a.Step(p)

	data, err := json.Marshal(a.State())
	require.NoError(t, err)
	var st AdamState
	require.NoError(t, json.Unmarshal(data, &st))
	require.Len(t, st.FirstMoment["w"], 2)
	assert.True(t, math.IsNaN(float64(st.FirstMoment["w"][0])))
	assert.False(t, math.IsNaN(float64(st.FirstMoment["w"][1])))
	require.NoError(t, NewAdam(AdamConfig{}).Restore(st))

	data, err = json.Marshal(Floats[float64]{1.5, math.Inf(-1), math.NaN()})
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5, null, null]`, string(data))

	var nilFloats Floats[float64]
	data, err = json.Marshal(nilFloats)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestPlateauReducesAfterPatience(t *testing.T) {
	opt := NewAdam(AdamConfig{LearningRate: 0.1})
	sched := NewPlateau(opt, PlateauConfig{Factor: 0.5, Patience: 2})

	assert.False(t, sched.Step(1.0))
	assert.False(t, sched.Step(1.0))
	assert.False(t, sched.Step(1.0))
	assert.True(t, sched.Step(1.0), "third epoch without improvement exceeds patience 2")
	assert.InDelta(t, 0.05, opt.LearningRate(), 1e-12)

	assert.False(t, sched.Step(0.5))
	assert.InDelta(t, 0.05, opt.LearningRate(), 1e-12)

	st := sched.State()
	require.NotNil(t, st.Best)
	assert.Equal(t, 0.5, *st.Best)

	restored := NewPlateau(opt, PlateauConfig{})
	restored.Restore(st)
	assert.Equal(t, st, restored.State())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for _, typ := range Types() {
		t.Run(string(typ), func(t *testing.T) {
			m, err := New(Config{Type: typ, NumInputFrames: 2, NumOutputFrames: 3, HiddenSize: 4, Seed: 8})
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, Save(&buf, m))
			loaded, err := Load(&buf)
			require.NoError(t, err)
			assert.Equal(t, Describe(m), Describe(loaded))

			in := randomWindow(rng, 2, 3, 3)
			want, err := m.Forward(in)
			require.NoError(t, err)
			got, err := loaded.Forward(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestApplyRejectsMismatchedWeights(t *testing.T) {
	small, err := New(Config{Type: Linear, NumInputFrames: 2, NumOutputFrames: 2, Seed: 1})
	require.NoError(t, err)
	large, err := New(Config{Type: Linear, NumInputFrames: 3, NumOutputFrames: 2, Seed: 1})
	require.NoError(t, err)
	mlp, err := New(Config{Type: MLP, NumInputFrames: 2, NumOutputFrames: 2, Seed: 1})
	require.NoError(t, err)

	s, err := Snapshot(large)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Apply(small), ErrShapeMismatch)
	assert.ErrorIs(t, s.Apply(mlp), ErrShapeMismatch)
}
