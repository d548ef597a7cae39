package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/brandstreet/internal/config"
	"github.com/elonfeng/brandstreet/internal/scheduler"
	"github.com/elonfeng/brandstreet/internal/store"
	"github.com/elonfeng/brandstreet/pkg/alert"
	"github.com/elonfeng/brandstreet/pkg/ledger"
	"github.com/elonfeng/brandstreet/pkg/server"
	"github.com/elonfeng/brandstreet/pkg/source"
	"github.com/elonfeng/brandstreet/pkg/trend"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load config: %w", source.ErrConfiguration, err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.SQLStore, error) {
	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func buildLedger(cfg *config.Config, db store.Store) *ledger.Engine {
	return ledger.New(db, ledger.Options{RealizePnL: cfg.Ledger.RealizePnL})
}

func buildFetcher(cfg *config.Config) (source.Fetcher, error) {
	switch cfg.Trend.Provider {
	case "", "serpapi":
		return source.NewSerpAPI(cfg.Trend.BaseURL, cfg.Trend.APIKey, cfg.Trend.Geo, cfg.Trend.Language)
	default:
		return nil, fmt.Errorf("%w: unknown trend provider %q", source.ErrConfiguration, cfg.Trend.Provider)
	}
}

func buildEngine(cfg *config.Config) (*trend.Engine, error) {
	fetcher, err := buildFetcher(cfg)
	if err != nil {
		return nil, err
	}
	jitterMin, jitterMax := cfg.Trend.ParseJitter()
	return trend.NewEngine(fetcher, trend.Options{
		Anchor:            cfg.Trend.Anchor,
		Window:            cfg.Trend.Window,
		BatchSize:         cfg.Trend.BatchSize,
		Concurrency:       cfg.Trend.Concurrency,
		MaxRetries:        cfg.Trend.MaxRetries,
		Cooldown:          cfg.Trend.ParseCooldown(),
		JitterMin:         jitterMin,
		JitterMax:         jitterMax,
		RequestsPerMinute: cfg.Trend.RequestsPerMinute,
	}), nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func buildSyncer(cfg *config.Config, db store.Store) (*scheduler.Syncer, error) {
	engine, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	opts := scheduler.SyncerOptions{
		SeedFile:  cfg.Sync.SeedFile,
		Alerts:    buildAlertManager(cfg),
		TopMovers: cfg.Sync.TopMovers,
	}
	if cfg.Sync.Spotlight && cfg.Trend.DailyFeedURL != "" {
		opts.Trending = source.NewDailyTrends(cfg.Trend.DailyFeedURL)
	}
	return scheduler.NewSyncer(db, engine, opts), nil
}

func runSync(ctx context.Context, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	syncer, err := buildSyncer(cfg, db)
	if err != nil {
		return err
	}

	sum, err := syncer.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if jsonOutput {
		return printJSON(sum)
	}
	fmt.Fprintf(os.Stderr, "synced %d of %d brands (%d/%d batches failed)\n",
		sum.Synced, sum.Brands, sum.BatchesFailed, sum.Batches)
	return nil
}

// serverSyncer builds the syncer for API-triggered runs. A server without
// trend credentials still serves the market; only /sync is unavailable.
func serverSyncer(cfg *config.Config, db store.Store) server.Syncer {
	syncer, err := buildSyncer(cfg, db)
	if err != nil {
		log.Warn().Err(err).Msg("sync disabled")
		return nil
	}
	return syncer
}

func runServe(ctx context.Context, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv := server.New(db, buildLedger(cfg, db), serverSyncer(cfg, db), port)
	return srv.ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// The daemon exists to sync, so missing credentials are fatal here.
	syncer, err := buildSyncer(cfg, db)
	if err != nil {
		return err
	}
	sched := scheduler.New(syncer, cfg.Schedule.ParseSyncInterval())
	srv := server.New(db, buildLedger(cfg, db), syncer, port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	log.Info().Msg("shut down")
	return err
}

func runBrands(ctx context.Context, jsonOutput bool, sector string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	brands, err := buildLedger(cfg, db).Brands(ctx, sector, limit)
	if err != nil {
		return fmt.Errorf("list brands: %w", err)
	}

	if jsonOutput {
		return printJSON(brands)
	}

	if len(brands) == 0 {
		fmt.Println("no brands yet (run a sync first: brandstreet sync)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBES\tVOLUME\tPOP%\tYOY%\tBRAND\tSECTOR\tSPOTLIGHT\tUPDATED")
	for _, b := range brands {
		spot := ""
		if b.Spotlight {
			spot = "*"
		}
		fmt.Fprintf(w, "%d\t%.2f\t%.2f\t%+.2f\t%+.2f\t%s\t%s\t%s\t%s\n",
			b.ID, b.BESScore, b.Volume, b.GrowthPoP, b.GrowthYoY,
			b.Name, b.Sector, spot, b.LastUpdated.Format(time.RFC3339))
	}
	return w.Flush()
}

func runLeaderboard(ctx context.Context, jsonOutput bool, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	profiles, err := buildLedger(cfg, db).Leaderboard(ctx, limit)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	if jsonOutput {
		return printJSON(profiles)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPLAYER\tPOINTS\tRANK")
	for i, p := range profiles {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", i+1, p.Username, p.PointsBalance, p.RankTitle)
	}
	return w.Flush()
}

func runPortfolio(ctx context.Context, jsonOutput bool, user string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := sessionFor(ctx, db, user)
	if err != nil {
		return err
	}
	pf, err := buildLedger(cfg, db).Portfolio(ctx, sess)
	if err != nil {
		return fmt.Errorf("portfolio: %w", err)
	}

	if jsonOutput {
		return printJSON(pf)
	}

	fmt.Printf("%s (%s): %d points available, %d staked\n\n", pf.Username, pf.RankTitle, pf.Balance, pf.TotalOpen)
	if len(pf.Positions) == 0 {
		fmt.Println("no open positions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tBRAND\tTHESIS\tOPEN\tENTRY BES\tNOW\tP&L%")
	for _, p := range pf.Positions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%.2f\t%.2f\t%+.2f\n",
			p.EntryID, p.BrandName, p.Thesis, p.Open, p.EntryBES, p.CurrentBES, p.PnLPercent)
	}
	return w.Flush()
}

func runStake(ctx context.Context, user, brand string, amount int64, thesis string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := sessionFor(ctx, db, user)
	if err != nil {
		return err
	}
	b, err := resolveBrand(ctx, db, brand)
	if err != nil {
		return err
	}

	r, err := buildLedger(cfg, db).Stake(ctx, sess, b.ID, amount, thesis)
	if err != nil {
		return fmt.Errorf("stake rejected: %w", err)
	}
	fmt.Printf("staked %d on %s at BES %.2f (%s), balance %d\n",
		amount, b.Name, r.Entry.EntryBES, r.Entry.ThesisTag, r.Balance)
	return nil
}

func runLiquidate(ctx context.Context, user, brand string, amount int64) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := sessionFor(ctx, db, user)
	if err != nil {
		return err
	}
	b, err := resolveBrand(ctx, db, brand)
	if err != nil {
		return err
	}

	r, err := buildLedger(cfg, db).Liquidate(ctx, sess, b.ID, amount)
	if err != nil {
		return fmt.Errorf("liquidation rejected: %w", err)
	}
	fmt.Printf("liquidated %d of %s for %d points, balance %d\n",
		amount, b.Name, r.Entry.SettledPoints, r.Balance)
	return nil
}

func runUsersAdd(ctx context.Context, name string, points int64, pointsSet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if !pointsSet {
		points = cfg.Ledger.StartingPoints
	}
	p, err := buildLedger(cfg, db).OpenAccount(ctx, name, points, cfg.Ledger.DefaultRank)
	if err != nil {
		return fmt.Errorf("open account: %w", err)
	}
	fmt.Printf("opened account %s (%s) with %d points\n", p.Username, p.ID, p.PointsBalance)
	return nil
}

func sessionFor(ctx context.Context, db store.Store, username string) (ledger.Session, error) {
	p, err := db.GetProfileByUsername(ctx, username)
	if err != nil {
		return ledger.Session{}, fmt.Errorf("unknown user: %w", err)
	}
	return ledger.NewSession(p), nil
}

// resolveBrand accepts a numeric id or a brand keyword.
func resolveBrand(ctx context.Context, db store.Store, ref string) (*store.Brand, error) {
	var (
		b   *store.Brand
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		b, err = db.GetBrand(ctx, id)
	} else {
		b, err = db.GetBrandByKey(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("unknown brand: %w", err)
	}
	return b, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
