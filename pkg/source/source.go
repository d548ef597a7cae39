package source

import (
	"context"
	"errors"
	"time"
)

// ErrConfiguration marks setup problems that make a sync run impossible,
// such as missing credentials or an empty seed list.
var ErrConfiguration = errors.New("configuration error")

// Sample is one point of an interest-over-time series.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Values returns the sample values in order.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// Fetcher is the interface every trend data provider must implement.
//
// Fetch returns one series per requested keyword, ordered oldest to newest.
// All keywords of one call share a comparison scale, so callers include
// their anchor keyword in every call. Keywords the provider has no data
// for are simply absent from the result.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, keywords []string, window string) (map[string][]Sample, error)
}
