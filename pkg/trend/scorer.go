package trend

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// ScaleConstant maps the anchor's own level to 50 on the normalized scale.
	ScaleConstant = 50.0
	// MinSamples is the shortest series that yields a growth read
	// (one year of weekly points).
	MinSamples = 52
)

// ErrInsufficientData is returned by Growth for series shorter than MinSamples.
var ErrInsufficientData = errors.New("insufficient data")

// Metrics is the growth read of one keyword.
type Metrics struct {
	Volume float64 `json:"volume"`
	PoP    float64 `json:"pop"`
	YoY    float64 `json:"yoy"`
}

// Normalize divides target by anchor point by point and scales the result
// by ScaleConstant. Zero anchor points count as 1. When the series differ in
// length they are aligned on their newest points.
func Normalize(target, anchor []float64) []float64 {
	n := min(len(target), len(anchor))
	target = target[len(target)-n:]
	anchor = anchor[len(anchor)-n:]

	out := make([]float64, n)
	for i := range n {
		a := anchor[i]
		if a == 0 {
			a = 1
		}
		out[i] = target[i] / a * ScaleConstant
	}
	return out
}

// Growth derives volume, period-over-period and year-over-year growth from a
// normalized series ordered oldest to newest.
//
// current is the mean of the last two points, previous the mean of the two
// before them and the yearly baseline the mean of the first two. A zero or
// negative denominator yields 0 growth.
func Growth(series []float64) (Metrics, error) {
	if len(series) < MinSamples {
		return Metrics{}, ErrInsufficientData
	}
	n := len(series)
	current := mean(series[n-2:])
	previous := mean(series[n-4 : n-2])
	baseline := mean(series[:2])

	var pop, yoy float64
	if previous > 0 {
		pop = (current - previous) / previous * 100
	}
	if baseline > 0 {
		yoy = (current - baseline) / baseline * 100
	}

	return Metrics{
		Volume: Round2(current),
		PoP:    Round2(pop),
		YoY:    Round2(yoy),
	}, nil
}

// Analyze normalizes target against anchor and computes its growth. Short
// series resolve to zero metrics and ok is false.
func Analyze(target, anchor []float64) (m Metrics, ok bool) {
	m, err := Growth(Normalize(target, anchor))
	if err != nil {
		return Metrics{}, false
	}
	return m, true
}

// ComposeBES combines metrics into the Brand Equity Score. The result is not
// clamped; scores above 100 or below 0 are valid.
func ComposeBES(m Metrics) float64 {
	bes := decimal.NewFromFloat(m.Volume).Mul(decimal.RequireFromString("0.4")).
		Add(decimal.NewFromFloat(m.PoP).Mul(decimal.RequireFromString("0.3"))).
		Add(decimal.NewFromFloat(m.YoY).Mul(decimal.RequireFromString("0.1"))).
		Add(decimal.NewFromInt(50))
	return bes.Round(2).InexactFloat64()
}

// Round2 rounds half away from zero to two decimals, working on the shortest
// decimal form of v (2.675 rounds to 2.68).
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
