package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/httpapi"
	"github.com/elitesignals/elite/internal/marketdata"
	"github.com/elitesignals/elite/internal/orders"
	"github.com/elitesignals/elite/internal/persistence"
	"github.com/elitesignals/elite/internal/pipeline"
	"github.com/elitesignals/elite/internal/portfolio"
	"github.com/elitesignals/elite/internal/registry"
	"github.com/elitesignals/elite/internal/telemetry"
	"github.com/elitesignals/elite/internal/tracker"
)

var (
	flagSymbols         []string
	flagBootstrapTicker string
	flagSettleInterval  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signal core: HTTP/WS surface, quote stream, snapshotter",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&flagSymbols, "symbols", []string{"NSE:RELIANCE", "NSE:INFY", "NSE:TCS"},
		"instruments for the streaming quote subscription")
	serveCmd.Flags().StringVar(&flagBootstrapTicker, "bootstrap-ticker", "NSE:RELIANCE",
		"ticker used to train the baseline models when the registry is empty (empty disables)")
	serveCmd.Flags().DurationVar(&flagSettleInterval, "settle-interval", 15*time.Minute,
		"how often open predictions are settled against realised closes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data directory %s: %w", cfg.DataDir, err)
	}

	// The broker integration is injected by the hosting process; standalone
	// runs use the deterministic simulated adapter.
	adapter := broker.NewResilient(seededFake(flagSymbols), broker.DefaultResilientConfig())

	var warm *marketdata.WarmTier
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(cmd.Context()).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		warm = marketdata.NewWarmTier(client, cfg.Redis.TTL)
		defer client.Close()
	}

	cache := marketdata.NewCache(cfg.Cache.TTL, cfg.Cache.Capacity)
	market := marketdata.NewService(adapter, cache, warm)
	barStore, err := marketdata.OpenBarStore(filepath.Join(cfg.DataDir, "cache"))
	if err != nil {
		return err
	}
	market.AttachBarStore(barStore)
	stream := marketdata.NewStream(adapter, flagSymbols, marketdata.DefaultStreamConfig())

	mirror, err := persistence.Open(cfg.DB.DSN, cfg.DB.Timeout)
	if err != nil {
		return err
	}
	defer mirror.Close()

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		return err
	}
	trk, err := tracker.Open(cfg.DataDir, tracker.Config{
		WindowDays:      cfg.Tracker.WindowDays,
		MinObservations: cfg.Tracker.MinObservations,
	})
	if err != nil {
		return err
	}
	defer trk.Close()

	snaps, err := portfolio.OpenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer snaps.Close()

	core, err := pipeline.New(cfg, market, reg, trk, mirror)
	if err != nil {
		return err
	}

	orderRouter := orders.NewRouter(cfg.Orders, adapter, market)
	metrics := telemetry.New(cfg.LabelHorizonBars, market.CacheStats, stream.Stats)

	snapper, err := portfolio.NewSnapshotter(orderRouter, snaps, portfolio.SnapshotterConfig{
		Interval:   cfg.SnapshotInterval,
		SessionEnd: cfg.SessionEndTime,
		Horizon:    cfg.SnapshotHorizon,
		OnSnapshot: func(snap domain.PortfolioSnapshot) {
			metrics.SnapshotsRun.Inc()
			if err := mirror.SaveSnapshot(context.Background(), snap); err != nil {
				log.Warn().Err(err).Msg("failed to mirror snapshot")
			}
		},
	})
	if err != nil {
		return err
	}

	server := httpapi.NewServer(cfg.HTTP, core, orderRouter, snaps, stream, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flagBootstrapTicker != "" {
		if err := core.Bootstrap(ctx, flagBootstrapTicker); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	cache.StartCleanup(ctx, cfg.Cache.TTL)
	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("quote stream stopped")
		}
	}()
	go func() {
		if err := snapper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("snapshotter stopped")
		}
	}()
	go feedWorkingOrders(ctx, stream, orderRouter)
	go settleLoop(ctx, core, flagSymbols, flagSettleInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seededFake seeds the simulated adapter with plausible quotes so paper
// trading works out of the box.
func seededFake(symbols []string) *broker.Fake {
	fake := broker.NewFake()
	for i, sym := range symbols {
		fake.SetQuote(domain.Quote{
			InstrumentKey:  sym,
			LastTradePrice: 500 + float64(i)*250,
			ReceivedTS:     time.Now().UTC(),
		})
	}
	return fake
}

func settleLoop(ctx context.Context, core *pipeline.Core, symbols []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				n, err := core.Settle(ctx, sym)
				if err != nil {
					log.Warn().Str("ticker", sym).Err(err).Msg("settlement pass failed")
					continue
				}
				if n > 0 {
					log.Info().Str("ticker", sym).Int("settled", n).Msg("predictions realised")
				}
			}
		}
	}
}

// feedWorkingOrders progresses working paper orders on live ticks.
func feedWorkingOrders(ctx context.Context, stream *marketdata.Stream, router *orders.Router) {
	id, updates := stream.Subscribe()
	defer stream.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			router.OnQuote(u)
		}
	}
}
