package trend

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		target []float64
		anchor []float64
		want   []float64
	}{
		{
			name:   "anchor zero counts as one",
			target: []float64{10, 20, 0},
			anchor: []float64{0, 5, 0},
			want:   []float64{500, 200, 0},
		},
		{
			name:   "equal to anchor maps to scale constant",
			target: []float64{40, 80},
			anchor: []float64{40, 80},
			want:   []float64{50, 50},
		},
		{
			name:   "aligned on newest points",
			target: []float64{1, 2, 3, 4},
			anchor: []float64{50, 50},
			want:   []float64{3, 4},
		},
		{
			name:   "missing anchor",
			target: []float64{1, 2},
			anchor: nil,
			want:   []float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.target, tt.anchor)
			assert.Equal(t, tt.want, got)
			for _, v := range got {
				assert.False(t, math.IsInf(v, 0) || math.IsNaN(v))
			}
		})
	}
}

func TestGrowth(t *testing.T) {
	t.Run("previous mean 30, current mean 40", func(t *testing.T) {
		series := append(repeat(10, 48), 20, 40, 40, 40)
		m, err := Growth(series)
		require.NoError(t, err)
		assert.Equal(t, 40.0, m.Volume)
		assert.Equal(t, 33.33, m.PoP)
		assert.Equal(t, 300.0, m.YoY)
	})

	t.Run("previous mean 20, current mean 40", func(t *testing.T) {
		series := append(repeat(10, 48), 20, 20, 40, 40)
		m, err := Growth(series)
		require.NoError(t, err)
		assert.Equal(t, 100.0, m.PoP)
	})

	t.Run("zero denominators give zero growth", func(t *testing.T) {
		series := append(repeat(0, 50), 7, 8)
		m, err := Growth(series)
		require.NoError(t, err)
		assert.Equal(t, 7.5, m.Volume)
		assert.Zero(t, m.PoP)
		assert.Zero(t, m.YoY)
	})

	t.Run("volume rounded to two decimals", func(t *testing.T) {
		series := append(repeat(1, 50), 1.004, 1.001)
		m, err := Growth(series)
		require.NoError(t, err)
		assert.Equal(t, 1.0, m.Volume)
	})

	t.Run("short series", func(t *testing.T) {
		_, err := Growth(repeat(10, MinSamples-1))
		assert.True(t, errors.Is(err, ErrInsufficientData))
	})
}

func TestAnalyzeInsufficientData(t *testing.T) {
	for _, n := range []int{0, 1, 10, MinSamples - 1} {
		m, ok := Analyze(repeat(10, n), repeat(50, n))
		assert.False(t, ok, "n=%d", n)
		assert.Equal(t, Metrics{Volume: 0, PoP: 0, YoY: 0}, m, "n=%d", n)
	}

	m, ok := Analyze(repeat(25, MinSamples), repeat(50, MinSamples))
	assert.True(t, ok)
	assert.Equal(t, Metrics{Volume: 25}, m)
}

func TestAnalyzeAnchorAgainstItself(t *testing.T) {
	anchor := append(repeat(40, MinSamples-2), 80, 80)
	m, ok := Analyze(anchor, anchor)
	require.True(t, ok)
	assert.Equal(t, Metrics{Volume: 50}, m)
	assert.Equal(t, 70.0, ComposeBES(m))
}

func TestComposeBES(t *testing.T) {
	assert.Equal(t, 73.5, ComposeBES(Metrics{Volume: 50, PoP: 10, YoY: 5}))
	assert.Equal(t, 50.0, ComposeBES(Metrics{}))

	// Not clamped at either end.
	assert.Equal(t, 240.0, ComposeBES(Metrics{Volume: 100, PoP: 300, YoY: 600}))
	assert.Equal(t, -10.0, ComposeBES(Metrics{PoP: -200}))

	assert.Equal(t, 63.34, ComposeBES(Metrics{Volume: 33.33, PoP: 0.01, YoY: 0.01}))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 33.33, Round2(100.0/3))
	assert.Equal(t, -1.24, Round2(-1.235))
	assert.Equal(t, 2.68, Round2(2.675))
	assert.Equal(t, 0.0, Round2(math.NaN()))
	assert.Equal(t, 0.0, Round2(math.Inf(1)))
}
