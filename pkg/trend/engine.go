package trend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/elonfeng/brandstreet/internal/metrics"
	"github.com/elonfeng/brandstreet/pkg/source"
)

// ErrUpstreamFetch marks a batch whose fetch failed after all retries.
var ErrUpstreamFetch = errors.New("upstream fetch failed")

// Options tunes the batch engine. Zero values fall back to defaults.
type Options struct {
	Anchor            string
	Window            string
	BatchSize         int
	Concurrency       int
	MaxRetries        int
	Cooldown          time.Duration
	JitterMin         time.Duration
	JitterMax         time.Duration
	RequestsPerMinute int // 0 disables pacing
}

// Engine fetches keyword series in anchored batches and turns them into metrics.
type Engine struct {
	fetcher source.Fetcher
	opts    Options
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new batch engine over fetcher.
func NewEngine(fetcher source.Fetcher, opts Options) *Engine {
	if opts.Anchor == "" {
		opts.Anchor = "Nifty 50"
	}
	if opts.Window == "" {
		opts.Window = "today 12-m"
	}
	// One slot of every comparison is taken by the anchor.
	if opts.BatchSize <= 0 || opts.BatchSize >= source.MaxComparisonTerms {
		opts.BatchSize = source.MaxComparisonTerms - 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.JitterMax < opts.JitterMin {
		opts.JitterMax = opts.JitterMin
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "trend-" + fetcher.Name(),
		Timeout: opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("trend breaker state change")
		},
	})

	return &Engine{
		fetcher: fetcher,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
		sleep:   sleepContext,
	}
}

// Result is the outcome of one engine run.
type Result struct {
	Metrics       map[string]Metrics
	Batches       int
	FailedBatches int
	Insufficient  []string // keywords with too little data
	Degraded      []string // keywords of batches that never fetched
}

// Run scores every keyword. Upstream failures never fail the run: keywords
// of a batch that exhausted its retries get zero metrics and are listed in
// Result.Degraded. The only error returned is the context's.
func (e *Engine) Run(ctx context.Context, keywords []string) (*Result, error) {
	batches := e.batches(keywords)
	res := &Result{
		Metrics: make(map[string]Metrics, len(keywords)),
		Batches: len(batches),
	}

	log.Info().Int("keywords", len(keywords)).Int("batches", len(batches)).
		Str("anchor", e.opts.Anchor).Msg("fetching trend data")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for i, batch := range batches {
		g.Go(func() error {
			scored, insufficient, err := e.runBatch(gctx, i, batch)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error().Err(err).Int("batch", i).Strs("keywords", batch).
					Msg("batch failed, degrading to zero metrics")
				metrics.TrendBatches.WithLabelValues("failed").Inc()
				metrics.TrendKeywords.WithLabelValues("degraded").Add(float64(len(batch)))
				res.FailedBatches++
				for _, kw := range batch {
					res.Metrics[kw] = Metrics{}
					res.Degraded = append(res.Degraded, kw)
				}
				return nil
			}

			metrics.TrendBatches.WithLabelValues("ok").Inc()
			metrics.TrendKeywords.WithLabelValues("scored").Add(float64(len(batch) - len(insufficient)))
			metrics.TrendKeywords.WithLabelValues("insufficient").Add(float64(len(insufficient)))
			for kw, m := range scored {
				res.Metrics[kw] = m
			}
			res.Insufficient = append(res.Insufficient, insufficient...)
			log.Info().Int("batch", i+1).Int("of", len(batches)).Int("keywords", len(batch)).
				Msg("batch scored")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

// batches de-duplicates keywords and chunks them. A keyword equal to the
// anchor stays in its batch and is scored against itself.
func (e *Engine) batches(keywords []string) [][]string {
	seen := make(map[string]bool, len(keywords))
	var uniq []string
	for _, kw := range keywords {
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		uniq = append(uniq, kw)
	}

	var out [][]string
	for start := 0; start < len(uniq); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(uniq))
		out = append(out, uniq[start:end])
	}
	return out
}

// runBatch fetches one batch with its own retry budget, then pauses for a
// random jitter so consecutive batches do not hammer the provider.
func (e *Engine) runBatch(ctx context.Context, idx int, batch []string) (map[string]Metrics, []string, error) {
	query := []string{e.opts.Anchor}
	for _, kw := range batch {
		if kw != e.opts.Anchor {
			query = append(query, kw)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.TrendBatches.WithLabelValues("retry").Inc()
			log.Warn().Err(lastErr).Int("batch", idx).Int("attempt", attempt).
				Dur("cooldown", e.opts.Cooldown).Msg("batch fetch failed, cooling down")
			if err := e.sleep(ctx, e.opts.Cooldown); err != nil {
				return nil, nil, err
			}
		}

		data, err := e.fetch(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		scored, insufficient := e.analyze(batch, data)
		_ = e.sleep(ctx, e.jitter())
		return scored, insufficient, nil
	}
	return nil, nil, fmt.Errorf("%w: batch %d: %w", ErrUpstreamFetch, idx, lastErr)
}

func (e *Engine) fetch(ctx context.Context, query []string) (map[string][]source.Sample, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.fetcher.Fetch(ctx, query, e.opts.Window)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string][]source.Sample), nil
}

// analyze scores each keyword of a fetched batch against the batch's anchor.
// Keywords missing from the response or with short series score zero.
func (e *Engine) analyze(batch []string, data map[string][]source.Sample) (map[string]Metrics, []string) {
	anchor := source.Values(data[e.opts.Anchor])
	scored := make(map[string]Metrics, len(batch))
	var insufficient []string

	for _, kw := range batch {
		m, ok := Analyze(source.Values(data[kw]), anchor)
		if !ok {
			insufficient = append(insufficient, kw)
		}
		scored[kw] = m
	}
	return scored, insufficient
}

func (e *Engine) jitter() time.Duration {
	lo, hi := e.opts.JitterMin, e.opts.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
