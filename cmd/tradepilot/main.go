// Tradepilot - multi-tenant spot trading automation service.
//
// Users register trade plans (entry, ceiling, take profit, stop loss) and
// the service carries them out against their own exchange accounts:
// candle-confirmed entries, venue-resident take profits, candle-close stop
// losses, and a reconciler that repairs whatever happens behind our back.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradepilot/internal/clock"
	"github.com/web3guy0/tradepilot/internal/config"
	"github.com/web3guy0/tradepilot/internal/engine"
	"github.com/web3guy0/tradepilot/internal/exchange"
	"github.com/web3guy0/tradepilot/internal/exchange/binance"
	"github.com/web3guy0/tradepilot/internal/exchange/bybit"
	"github.com/web3guy0/tradepilot/internal/notify"
	"github.com/web3guy0/tradepilot/internal/store"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Dur("fast_tick", cfg.FastTick).
		Dur("slow_tick", cfg.SlowTick).
		Int("workers", cfg.TickWorkers).
		Msg("🚀 Tradepilot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if _, err := st.SeedExchanges(ctx, "binance", "bybit"); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed exchanges")
	}

	// Exchange clients
	filters := exchange.NewFilterCache(cfg.FilterCacheTTL)
	registry := exchange.NewRegistry(st.CredentialSource(store.PlaintextDecryptor), filters)
	registry.Register("binance", binance.NewFactory(cfg.RequestTimeout))
	registry.Register("bybit", bybit.NewFactory(cfg.RequestTimeout))

	// Notifications
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, st)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Telegram notifier")
		}
		notifier = tg
	} else {
		log.Warn().Msg("⚠️ No TELEGRAM_BOT_TOKEN - notifications go to the log only")
	}

	// Engine + reconciler
	clk := clock.System{}
	eng := engine.New(st, engine.NewRegistrySource(registry, st), filters, notifier, clk, engine.Config{
		Workers:          cfg.TickWorkers,
		FeeMargin:        cfg.FeeMargin,
		QtyBuffer:        cfg.QtyBuffer,
		BalanceNotifyTTL: cfg.BalanceNotifyTTL,
	})
	rec := engine.NewReconciler(eng, cfg.StaleThreshold)

	fast := clock.NewScheduler("lifecycle", cfg.FastTick, eng.Tick)
	slow := clock.NewScheduler("reconciler", cfg.SlowTick, rec.Run)
	fast.Start(ctx)
	slow.Start(ctx)

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown
	log.Info().Msg("Shutting down...")
	fast.Stop()
	slow.Stop()
	cancel()
	eng.Stop()

	log.Info().Msg("👋 Goodbye!")
}
