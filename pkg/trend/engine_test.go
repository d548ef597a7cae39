package trend

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elonfeng/brandstreet/pkg/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  [][]string
	series map[string][]float64
	fail   func(keywords []string) error
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Fetch(ctx context.Context, keywords []string, window string) (map[string][]source.Sample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(keywords))
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(keywords); err != nil {
			return nil, err
		}
	}

	out := make(map[string][]source.Sample)
	for _, kw := range keywords {
		vals, ok := f.series[kw]
		if !ok {
			continue
		}
		samples := make([]source.Sample, len(vals))
		for i, v := range vals {
			samples[i] = source.Sample{Time: time.Unix(int64(i)*604800, 0), Value: v}
		}
		out[kw] = samples
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestEngine(f source.Fetcher, opts Options) (*Engine, *sleepRecorder) {
	e := NewEngine(f, opts)
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec
}

func baseSeries() map[string][]float64 {
	return map[string][]float64{
		"Nifty 50": repeat(50, 52),
		"zomato":   append(repeat(10, 48), 20, 40, 40, 40),
		"nykaa":    repeat(25, 52),
		"swiggy":   repeat(50, 52),
		"short":    repeat(10, 10),
		"tata":     append(repeat(5, 50), 10, 10),
	}
}

func TestEngineRun(t *testing.T) {
	f := &fakeFetcher{series: baseSeries()}
	e, rec := newTestEngine(f, Options{
		Anchor:    "Nifty 50",
		BatchSize: 4,
		JitterMin: 5 * time.Second,
		JitterMax: 10 * time.Second,
	})

	keywords := []string{"zomato", "nykaa", "swiggy", "short", "tata", "ghost", "zomato", "Nifty 50"}
	res, err := e.Run(context.Background(), keywords)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Batches)
	assert.Zero(t, res.FailedBatches)
	assert.Len(t, res.Metrics, 7)

	assert.Equal(t, Metrics{Volume: 40, PoP: 33.33, YoY: 300}, res.Metrics["zomato"])
	assert.Equal(t, Metrics{Volume: 25}, res.Metrics["nykaa"])
	assert.Equal(t, Metrics{Volume: 10, PoP: 100, YoY: 100}, res.Metrics["tata"])
	assert.Equal(t, Metrics{}, res.Metrics["short"])
	assert.Equal(t, Metrics{}, res.Metrics["ghost"])
	assert.Equal(t, Metrics{Volume: 50}, res.Metrics["Nifty 50"], "the anchor scores against itself")
	assert.ElementsMatch(t, []string{"short", "ghost"}, res.Insufficient)

	// Every request carries the anchor and at most five terms.
	require.Len(t, f.calls, 2)
	for _, call := range f.calls {
		assert.Equal(t, "Nifty 50", call[0])
		assert.Equal(t, 1, countOf(call, "Nifty 50"))
		assert.LessOrEqual(t, len(call), source.MaxComparisonTerms)
	}

	// One jitter pause per successful batch.
	require.Len(t, rec.slept, 2)
	for _, d := range rec.slept {
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}

func TestEngineBatchFailureIsIsolated(t *testing.T) {
	f := &fakeFetcher{
		series: baseSeries(),
		fail: func(keywords []string) error {
			if slices.Contains(keywords, "short") {
				return errors.New("429 too many requests")
			}
			return nil
		},
	}
	e, rec := newTestEngine(f, Options{
		BatchSize:  2,
		MaxRetries: 2,
		Cooldown:   60 * time.Second,
	})

	res, err := e.Run(context.Background(), []string{"zomato", "nykaa", "swiggy", "short", "tata"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1, res.FailedBatches)
	assert.ElementsMatch(t, []string{"swiggy", "short"}, res.Degraded)
	assert.Equal(t, Metrics{}, res.Metrics["swiggy"])
	assert.Equal(t, Metrics{Volume: 40, PoP: 33.33, YoY: 300}, res.Metrics["zomato"])
	assert.Equal(t, Metrics{Volume: 10, PoP: 100, YoY: 100}, res.Metrics["tata"])

	// The failing batch is tried 1 + MaxRetries times with a cooldown before each retry.
	assert.Equal(t, 5, f.callCount())
	cooldowns := 0
	for _, d := range rec.slept {
		if d == 60*time.Second {
			cooldowns++
		}
	}
	assert.Equal(t, 2, cooldowns)
}

func TestEngineBreakerOpens(t *testing.T) {
	f := &fakeFetcher{
		series: baseSeries(),
		fail:   func([]string) error { return errors.New("upstream down") },
	}
	e, _ := newTestEngine(f, Options{BatchSize: 1, MaxRetries: 2, Cooldown: time.Minute})

	res, err := e.Run(context.Background(), []string{"zomato", "nykaa"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.FailedBatches)
	// Six attempts, but the breaker short-circuits the sixth.
	assert.Equal(t, 5, f.callCount())
}

func TestEngineConcurrentBatches(t *testing.T) {
	f := &fakeFetcher{series: baseSeries()}
	e, _ := newTestEngine(f, Options{BatchSize: 1, Concurrency: 3})

	res, err := e.Run(context.Background(), []string{"zomato", "nykaa", "swiggy", "tata"})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Batches)
	assert.Len(t, res.Metrics, 4)
	assert.Equal(t, 4, f.callCount())
}

func TestEngineContextCancelled(t *testing.T) {
	f := &fakeFetcher{series: baseSeries()}
	e := NewEngine(f, Options{BatchSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, []string{"zomato", "nykaa"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineErrUpstreamFetch(t *testing.T) {
	f := &fakeFetcher{fail: func([]string) error { return errors.New("boom") }}
	e, _ := newTestEngine(f, Options{})

	_, _, err := e.runBatch(context.Background(), 0, []string{"zomato"})
	assert.ErrorIs(t, err, ErrUpstreamFetch)
	assert.ErrorContains(t, err, "boom")
}

func countOf(terms []string, kw string) int {
	n := 0
	for _, t := range terms {
		if t == kw {
			n++
		}
	}
	return n
}
