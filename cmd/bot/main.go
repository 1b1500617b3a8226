// Kimchi Arb — an automated cross-exchange arbitrage bot trading the
// KRW/USDT "kimchi premium" between Upbit and Binance.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires venues, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: universe refresh, premium monitor, opportunity, metrics, health loops
//	premium/calculator.go — premium math: coin premium, tether premium, fee model, depth-based sizing
//	strategy/             — the arbitrage cycle state machine (buy → withdraw → sell → return funds)
//	risk/manager.go       — admission gate: trade size, daily volume, exposure, emergency stop
//	fx/rate.go            — USD→KRW rate with source fallback and a stale-tolerant cache
//	venue/                — Upbit and Binance REST clients plus the paper-trading decorator
//	store/store.go        — JSON file persistence for paper balances and trade history
//	api/                  — optional web dashboard (snapshot endpoint + WebSocket event stream)
//
// How it makes money:
//
//	Korean exchanges often price coins a few percent away from global
//	USDT markets. When the gap exceeds trading + transfer fees, the bot
//	buys on the cheap side, moves the coin on-chain, sells on the rich
//	side, and returns the proceeds as USDT, pocketing the spread.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/internal/api"
	"kimchi-arb/internal/config"
	"kimchi-arb/internal/engine"
	"kimchi-arb/internal/fx"
	"kimchi-arb/internal/premium"
	"kimchi-arb/internal/risk"
	"kimchi-arb/internal/store"
	"kimchi-arb/internal/strategy"
	"kimchi-arb/internal/venue"
	"kimchi-arb/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KIMCHI_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, logClose, err := buildLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logClose()

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open data store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}
	defer st.Close()

	fees := premium.DefaultFees()

	krw, usdt, err := buildVenues(cfg, fees, st, logger)
	if err != nil {
		logger.Error("failed to build venue clients", "error", err)
		os.Exit(1)
	}

	// Pre-flight: both venues must answer an authenticated call.
	preflightCtx, cancelPreflight := context.WithTimeout(context.Background(), 15*time.Second)
	for _, client := range []venue.Client{krw, usdt} {
		if err := client.VerifyAccess(preflightCtx); err != nil {
			logger.Error("venue access check failed", "venue", client.Name(), "error", err)
			cancelPreflight()
			os.Exit(1)
		}
	}
	cancelPreflight()

	rates := fx.NewProvider(fx.DefaultSources(),
		time.Duration(cfg.FiatRate.CacheDurationSec)*time.Second, logger)

	riskMgr := risk.NewManager(risk.Limits{
		MaxSingleTradeKrw:  cfg.Risk.MaxSingleTradeKrw,
		MaxDailyVolumeKrw:  cfg.Risk.MaxDailyVolumeKrw,
		MaxConcurrent:      cfg.Risk.MaxConcurrent,
		MaxSlippagePct:     cfg.Risk.MaxSlippagePct,
		EmergencyLossPct:   cfg.Risk.EmergencyLossPct,
		MinVenueBalanceKrw: cfg.Risk.MinVenueBalanceKrw,
		MaxExposurePct:     cfg.Risk.MaxExposurePct,
	}, logger)

	calc := premium.NewCalculator(krw, usdt, rates, fees, logger)

	exec := strategy.NewExecutor(krw, usdt, riskMgr, rates, fees, st,
		time.Duration(cfg.Trading.TransferTimeoutMinutes)*time.Minute, logger)
	exec.SetAlertFunc(func(msg string) {
		logger.Error("OPERATOR ALERT", "message", msg)
	})

	eng := engine.New(cfg, krw, usdt, calc, exec, riskMgr, rates, st, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — orders and transfers are simulated against the paper ledger")
	}

	logger.Info("kimchi arbitrage bot started",
		"max_single_trade_krw", cfg.Risk.MaxSingleTradeKrw,
		"max_daily_volume_krw", cfg.Risk.MaxDailyVolumeKrw,
		"max_concurrent", cfg.Risk.MaxConcurrent,
		"safety_margin_pct", cfg.Trading.SafetyMarginPct,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal. Further signals are delivered to the
	// channel and ignored, so shutdown is idempotent.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

// buildVenues constructs the live exchange clients, wrapped by the
// paper-trading decorator in dry-run mode. Market data always comes
// from the live venues.
func buildVenues(cfg *config.Config, fees *premium.FeeSchedule, st *store.Store,
	logger *slog.Logger) (venue.Client, venue.Client, error) {

	upbit := venue.NewUpbit(cfg.Upbit, logger)
	binance := venue.NewBinance(cfg.Binance, cfg.Testnet, logger)

	if !cfg.DryRun {
		return upbit, binance, nil
	}

	seed := map[types.Venue]map[string]decimal.Decimal{
		types.VenueKRW:  {"KRW": decimal.NewFromInt(10000000)},
		types.VenueUSDT: {"USDT": decimal.NewFromInt(10000)},
	}
	ledger, err := venue.NewPaperLedger(st, seed, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("paper ledger: %w", err)
	}

	krw := venue.NewPaper(upbit, ledger, fees.KrwTakerPct, fees.WithdrawFee)
	usdt := venue.NewPaper(binance, ledger, fees.UsdtTakerPct, fees.WithdrawFee)
	return krw, usdt, nil
}

// buildLogger sets up slog per config, optionally teeing to a file.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
