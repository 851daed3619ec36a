package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fusiond/internal/config"
	"github.com/sawpanic/fusiond/internal/fusion"
	"github.com/sawpanic/fusiond/internal/infrastructure/db"
	"github.com/sawpanic/fusiond/internal/obsmetrics"
	"github.com/sawpanic/fusiond/internal/persistence/postgres"
	"github.com/sawpanic/fusiond/internal/snapshot"
)

const version = "v0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var pollFallback bool

	rootCmd := &cobra.Command{
		Use:     "fusiond",
		Short:   "Real-time multi-period OHLCV and futures-sentiment fusion engine",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "fusiond.yaml", "path to the engine configuration file")
	rootCmd.PersistentFlags().BoolVar(&pollFallback, "poll-fallback", false, "never subscribe to notifications, always poll")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Warm up and run the fusion engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(configPath, pollFallback)
		},
	}

	catchupCmd := &cobra.Command{
		Use:   "catchup",
		Short: "Force a one-shot parallel catch-up and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatchupOnce(configPath)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(catchupCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

type wiring struct {
	cfg     *config.EngineConfig
	dbMgr   *db.Manager
	store   *snapshot.Store
	engine  *fusion.Engine
	symbols []string
}

func wire(ctx context.Context, configPath string, pollFallback bool) (*wiring, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if pollFallback {
		cfg.PollFallback = true
	}

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = cfg.UpstreamURL
	dbCfg.ExchangeTag = cfg.ExchangeTag
	dbMgr, err := db.NewManager(dbCfg)
	if err != nil {
		return nil, err
	}

	store := snapshot.NewStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	metrics := obsmetrics.NewRegistry()
	engine := fusion.New(cfg, dbMgr.Reader(), store, metrics)

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols, err = dbMgr.Reader().DistinctSymbols(ctx)
		if err != nil {
			return nil, err
		}
		log.Info().Int("count", len(symbols)).Msg("discovered symbol universe from upstream store")
	}

	return &wiring{cfg: cfg, dbMgr: dbMgr, store: store, engine: engine, symbols: symbols}, nil
}

func runEngine(configPath string, pollFallback bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := wire(ctx, configPath, pollFallback)
	if err != nil {
		return err
	}
	defer w.dbMgr.Close()
	defer w.store.Close()

	if err := w.engine.Warmup(ctx, w.symbols); err != nil {
		return err
	}

	obsmetrics.ServeMetrics(":9090")

	var listener *postgres.Listener
	if !w.cfg.PollFallback {
		listener = postgres.NewListener(w.cfg.UpstreamURL)
	}

	log.Info().Msg("fusiond: engine running")
	return w.engine.Run(ctx, listener, w.symbols)
}

func runCatchupOnce(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w, err := wire(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer w.dbMgr.Close()
	defer w.store.Close()

	if err := w.engine.Warmup(ctx, w.symbols); err != nil {
		return err
	}
	if err := w.engine.ParallelCatchup(ctx, w.symbols, time.Now()); err != nil {
		return err
	}
	log.Info().Time("last_seen", w.engine.LastSeen()).Msg("fusiond: catch-up complete")
	return nil
}
