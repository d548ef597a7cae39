package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elonfeng/brandstreet/internal/metrics"
	"github.com/elonfeng/brandstreet/internal/store"
	"github.com/elonfeng/brandstreet/pkg/alert"
	"github.com/elonfeng/brandstreet/pkg/source"
	"github.com/elonfeng/brandstreet/pkg/trend"
)

// ErrConfiguration is returned when a sync cannot start at all.
var ErrConfiguration = source.ErrConfiguration

// ErrSyncInProgress is returned when a sync is requested while one runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// Trending reports the queries currently trending upstream.
type Trending interface {
	Trending(ctx context.Context) (map[string]string, error)
}

// Summary describes one sync run.
type Summary struct {
	Brands        int           `json:"brands"`
	Synced        int           `json:"synced"`
	Batches       int           `json:"batches"`
	BatchesFailed int           `json:"batches_failed"`
	Degraded      []string      `json:"degraded,omitempty"`
	Insufficient  []string      `json:"insufficient,omitempty"`
	Spotlight     []string      `json:"spotlight,omitempty"`
	Movers        []alert.Mover `json:"movers,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Syncer refreshes brand scores from the trend engine.
type Syncer struct {
	store     store.Store
	engine    *trend.Engine
	seedFile  string
	trending  Trending
	alertMgr  *alert.Manager
	topMovers int
	now       func() time.Time
	running   sync.Mutex
}

// SyncerOptions configures a Syncer. Trending and Alerts may be nil.
type SyncerOptions struct {
	SeedFile  string
	Trending  Trending
	Alerts    *alert.Manager
	TopMovers int
	Now       func() time.Time
}

// NewSyncer creates a syncer writing to s.
func NewSyncer(s store.Store, engine *trend.Engine, opts SyncerOptions) *Syncer {
	if opts.Alerts == nil {
		opts.Alerts = alert.NewManager(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		store:     s,
		engine:    engine,
		seedFile:  opts.SeedFile,
		trending:  opts.Trending,
		alertMgr:  opts.Alerts,
		topMovers: opts.TopMovers,
		now:       opts.Now,
	}
}

// Sync runs one full refresh: seeds, trend metrics, scores, upsert.
// Configuration problems abort the run; upstream failures only degrade it.
func (s *Syncer) Sync(ctx context.Context) (*Summary, error) {
	if !s.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.running.Unlock()

	start := s.now()
	seeds, err := source.LoadSeeds(s.seedFile)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Run(ctx, source.Keywords(seeds))
	if err != nil {
		return nil, fmt.Errorf("run trend engine: %w", err)
	}

	trending := s.spotlight(ctx)
	stamp := s.now().UTC()

	sum := &Summary{
		Brands:        len(seeds),
		Batches:       res.Batches,
		BatchesFailed: res.FailedBatches,
		Degraded:      res.Degraded,
		Insufficient:  res.Insufficient,
	}

	brands := make([]store.Brand, 0, len(seeds))
	for _, seed := range seeds {
		m := res.Metrics[seed.Keyword]
		b := store.Brand{
			ExternalKey: seed.Keyword,
			Name:        seed.Name,
			Sector:      seed.Sector,
			Tribe:       seed.Tribe,
			Volume:      m.Volume,
			GrowthPoP:   m.PoP,
			GrowthYoY:   m.YoY,
			BESScore:    trend.ComposeBES(m),
			LastUpdated: stamp,
		}
		if _, ok := trending[strings.ToLower(seed.Keyword)]; ok {
			b.Spotlight = true
			sum.Spotlight = append(sum.Spotlight, seed.Keyword)
		}
		brands = append(brands, b)

		if prev, err := s.store.GetBrandByKey(ctx, seed.Keyword); err == nil {
			sum.Movers = append(sum.Movers, alert.Mover{
				Name:     b.Name,
				Keyword:  b.ExternalKey,
				Previous: prev.BESScore,
				Current:  b.BESScore,
				Delta:    trend.Round2(b.BESScore - prev.BESScore),
			})
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("keyword", seed.Keyword).Msg("could not read previous score")
		}
	}

	if err := s.store.UpsertBrands(ctx, brands); err != nil {
		return nil, fmt.Errorf("upsert brands: %w", err)
	}
	sum.Synced = len(brands)
	sum.Movers = topMovers(sum.Movers, s.topMovers)
	sum.Duration = s.now().Sub(start)

	metrics.SyncedBrands.Add(float64(sum.Synced))
	metrics.SyncDuration.Observe(sum.Duration.Seconds())

	log.Info().Int("synced", sum.Synced).Int("batches", sum.Batches).
		Int("batches_failed", sum.BatchesFailed).Int("insufficient", len(sum.Insufficient)).
		Int("spotlight", len(sum.Spotlight)).Dur("took", sum.Duration).Msg("sync complete")

	s.notify(ctx, sum)
	return sum, nil
}

// spotlight is best effort: a feed failure leaves every brand unmarked.
func (s *Syncer) spotlight(ctx context.Context) map[string]string {
	if s.trending == nil {
		return nil
	}
	trending, err := s.trending.Trending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("daily trending feed unavailable, skipping spotlight")
		return nil
	}
	return trending
}

func (s *Syncer) notify(ctx context.Context, sum *Summary) {
	if !s.alertMgr.HasNotifiers() {
		return
	}
	n := &alert.Notification{
		Title:     fmt.Sprintf("BrandStreet sync: %d brands updated", sum.Synced),
		Body:      fmt.Sprintf("%d of %d batches failed, %d brands with too little data", sum.BatchesFailed, sum.Batches, len(sum.Insufficient)),
		Synced:    sum.Synced,
		Degraded:  sum.Degraded,
		Spotlight: sum.Spotlight,
		Movers:    sum.Movers,
	}
	if err := s.alertMgr.Broadcast(ctx, n); err != nil {
		log.Error().Err(err).Msg("sync notification failed")
	}
}

// topMovers keeps the n largest absolute score changes. n <= 0 keeps none.
func topMovers(movers []alert.Mover, n int) []alert.Mover {
	if n <= 0 {
		return nil
	}
	var out []alert.Mover
	for _, m := range movers {
		if m.Delta != 0 {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Delta) > math.Abs(out[j].Delta)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Scheduler runs the sync job periodically.
type Scheduler struct {
	syncer   *Syncer
	interval time.Duration
}

// New creates a new scheduler.
func New(syncer *Syncer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{syncer: syncer, interval: interval}
}

// Run syncs immediately, then on every tick. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Msg("scheduler: initial sync")
	s.syncOnce(ctx)
	log.Info().Dur("every", s.interval).Msg("scheduler: running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Scheduler) syncOnce(ctx context.Context) {
	if _, err := s.syncer.Sync(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("scheduled sync failed")
	}
}
