package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elonfeng/brandstreet/pkg/source"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, source.ErrConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "brandstreet",
		Short:         "Trade reputation points on brand equity scores built from search trends",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of console text")

	root.AddCommand(syncCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(brandsCmd())
	root.AddCommand(leaderboardCmd())
	root.AddCommand(portfolioCmd())
	root.AddCommand(stakeCmd())
	root.AddCommand(liquidateCmd())
	root.AddCommand(usersCmd())

	return root
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if !logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func syncCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch trend data, score every seeded brand and upsert the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the sync summary as JSON")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with sync scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func brandsCmd() *cobra.Command {
	var (
		jsonOutput bool
		sector     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "brands",
		Short: "List brands by equity score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrands(cmd.Context(), jsonOutput, sector, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&sector, "sector", "", "only brands in this sector")
	cmd.Flags().IntVar(&limit, "limit", 50, "max brands to show")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the richest players",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeaderboard(cmd.Context(), jsonOutput, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 10, "max players to show")
	return cmd
}

func portfolioCmd() *cobra.Command {
	var (
		jsonOutput bool
		user       string
	)

	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Show a player's open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortfolio(cmd.Context(), jsonOutput, user)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&user, "user", "", "player username")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func stakeCmd() *cobra.Command {
	var (
		user   string
		brand  string
		amount int64
		thesis string
	)

	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Stake points on a brand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStake(cmd.Context(), user, brand, amount, thesis)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "player username")
	cmd.Flags().StringVar(&brand, "brand", "", "brand id or keyword")
	cmd.Flags().Int64Var(&amount, "amount", 0, "points to stake")
	cmd.Flags().StringVar(&thesis, "thesis", "Hype", "thesis: Hype, Quality, Trust or Value")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("brand")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func liquidateCmd() *cobra.Command {
	var (
		user   string
		brand  string
		amount int64
	)

	cmd := &cobra.Command{
		Use:   "liquidate",
		Short: "Cash out part of a position",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLiquidate(cmd.Context(), user, brand, amount)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "player username")
	cmd.Flags().StringVar(&brand, "brand", "", "brand id or keyword")
	cmd.Flags().Int64Var(&amount, "amount", 0, "points to liquidate")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("brand")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage player accounts",
	}

	var (
		name   string
		points int64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Open a player account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsersAdd(cmd.Context(), name, points, cmd.Flags().Changed("points"))
		},
	}
	add.Flags().StringVar(&name, "name", "", "username")
	add.Flags().Int64Var(&points, "points", 0, "starting balance (default: from config)")
	_ = add.MarkFlagRequired("name")

	cmd.AddCommand(add)
	return cmd
}
