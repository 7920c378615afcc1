package trace

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nres-tracer/internal/errs"
	nresimage "nres-tracer/internal/image"
	"nres-tracer/internal/synth"
)

func singleOrderFlat(t *testing.T, fade synth.Fade) (*nresimage.Frame, synth.OrderTruth) {
	t.Helper()
	cfg := synth.DefaultConfig()
	cfg.Height = 256
	cfg.NOrders = 1
	cfg.FirstRow = 100
	cfg.Fade = fade
	frame, truth, err := synth.Flat(cfg)
	require.NoError(t, err)
	require.Len(t, truth.Orders, 1)
	return frame, truth.Orders[0]
}

func TestFollowRecoversCentroids(t *testing.T) {
	frame, truth := singleOrderFlat(t, synth.Fade{})

	ft, err := Follow(frame, 512, truth.Red.Eval(512)+1.4, DefaultFollowParams(), nil)
	require.NoError(t, err)
	require.Equal(t, frame.Width, ft.Defined(), "edge stops keep every column")

	for x, c := range ft.Centroids {
		assert.InDelta(t, truth.Red.Eval(float64(x)), c, 0.1, "column %d", x)
		assert.Greater(t, ft.Flux[x], 4000.0)
	}
}

func TestFollowerStopsAtEdge(t *testing.T) {
	frame, truth := singleOrderFlat(t, synth.Fade{})
	ft := NewFiberTrace(frame.Width)

	f := NewFollower(frame, ft, 1000, truth.Blue.Eval(1000), Right, DefaultFollowParams())
	assert.Equal(t, Walking, f.State())
	assert.Equal(t, StopEdge, f.Run())
	assert.Equal(t, Stopped, f.State())
	assert.Equal(t, 24, f.Steps())
	assert.Equal(t, frame.Width, f.Column())
	assert.False(t, f.Step())

	for x := 1000; x < frame.Width; x++ {
		assert.False(t, math.IsNaN(ft.Centroids[x]), "column %d", x)
	}
	assert.True(t, math.IsNaN(ft.Centroids[999]))
}

func TestFollowerBaffleClip(t *testing.T) {
	frame, truth := singleOrderFlat(t, synth.Fade{Start: 600, End: 800})
	params := DefaultFollowParams()
	ft := NewFiberTrace(frame.Width)

	f := NewFollower(frame, ft, 300, truth.Red.Eval(300), Right, params)
	require.Equal(t, StopSNR, f.Run())

	stop := f.Column()
	assert.Greater(t, stop, 780)
	assert.LessOrEqual(t, stop, 800)

	clip := params.QueueLength + params.BaffleClip
	for x := stop - clip; x < frame.Width; x++ {
		assert.True(t, math.IsNaN(ft.Centroids[x]), "column %d should be clipped", x)
		assert.True(t, math.IsNaN(ft.Flux[x]))
	}
	for x := 300; x < stop-clip; x++ {
		assert.InDelta(t, truth.Red.Eval(float64(x)), ft.Centroids[x], 0.1, "column %d", x)
	}
}

func TestFollowEmptyFrame(t *testing.T) {
	frame := nresimage.NewFrame(64, 64)
	_, err := Follow(frame, 32, 32, DefaultFollowParams(), nil)
	assert.ErrorIs(t, err, errs.ErrSearchExhausted)

	f := NewFollower(frame, NewFiberTrace(64), 32, 32, Left, DefaultFollowParams())
	assert.Equal(t, StopNoFlux, f.Run())
	assert.Zero(t, f.Steps())
}

func TestFollowerStopsOffDetectorRows(t *testing.T) {
	frame, truth := singleOrderFlat(t, synth.Fade{})
	params := DefaultFollowParams()
	params.BaffleClip = 0

	f := NewFollower(frame, NewFiberTrace(frame.Width), 512, truth.Red.Eval(512), Right, params)
	f.row = 3
	assert.Equal(t, StopBounds, f.Run())
}

func TestFollowParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultFollowParams().Validate())

	bad := []FollowParams{
		{HalfWidth: 0, QueueLength: 20, SNRThreshold: 20, BaffleClip: 150},
		{HalfWidth: 8, QueueLength: 0, SNRThreshold: 20, BaffleClip: 150},
		{HalfWidth: 8, QueueLength: 20, SNRThreshold: -1, BaffleClip: 150},
		{HalfWidth: 8, QueueLength: 20, SNRThreshold: 20, BaffleClip: -1},
	}
	for _, p := range bad {
		assert.ErrorIs(t, p.Validate(), errs.ErrInvalidInput)
	}
	_, err := Follow(nresimage.NewFrame(8, 8), 4, 4, bad[0], nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}
