// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. A coin universe is maintained as the intersection of both venues'
//     markets, refreshed periodically (refreshUniverse).
//  2. The premium monitor loop computes per-symbol premium snapshots
//     and pushes them to the log and dashboard.
//  3. The opportunity loop checks each symbol for a profitable spread,
//     consults the risk manager, and hands approved opportunities to
//     the strategy executor in a dedicated goroutine.
//  4. Metrics and health loops surface risk counters and venue balances.
//  5. Symbols failing repeatedly are disabled until process restart.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kimchi-arb/internal/api"
	"kimchi-arb/internal/config"
	"kimchi-arb/internal/fx"
	"kimchi-arb/internal/market"
	"kimchi-arb/internal/premium"
	"kimchi-arb/internal/risk"
	"kimchi-arb/internal/store"
	"kimchi-arb/internal/strategy"
	"kimchi-arb/internal/venue"
	"kimchi-arb/pkg/types"
)

const (
	universeRefreshInterval = 30 * time.Minute
	metricsInterval         = 30 * time.Second
	healthInterval          = 60 * time.Second

	// Consecutive failures on one symbol before it is excluded from
	// both loops until restart.
	maxSymbolFailures = 5
)

// Engine orchestrates all components of the arbitrage system.
// It owns the lifecycle of all goroutines.
type Engine struct {
	cfg     *config.Config
	krw     venue.Client
	usdt    venue.Client
	scanner *market.Scanner
	calc    *premium.Calculator
	exec    *strategy.Executor
	riskMgr *risk.Manager
	rates   *fx.Provider
	history *store.Store
	logger  *slog.Logger

	// universe is the symbol intersection of both venues. lastPremium
	// keeps the latest snapshot per symbol for the dashboard.
	universeMu  sync.RWMutex
	universe    []string
	lastPremium map[string]types.PremiumSnapshot

	// failures counts consecutive per-symbol errors; disabled symbols
	// stay out of the loops until restart.
	failMu   sync.Mutex
	failures map[string]int
	disabled map[string]bool

	// inflight marks symbols with an active trade cycle so the
	// opportunity loop doesn't stack trades on one symbol.
	inflightMu sync.Mutex
	inflight   map[string]bool

	// events is the optional dashboard stream. Nil if disabled.
	events chan api.Event

	refreshInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine from already-constructed components.
// history may be nil (no trade-history endpoint data).
func New(cfg *config.Config, krw, usdt venue.Client, calc *premium.Calculator,
	exec *strategy.Executor, riskMgr *risk.Manager, rates *fx.Provider,
	history *store.Store, logger *slog.Logger) *Engine {

	ctx, cancel := context.WithCancel(context.Background())

	var events chan api.Event
	if cfg.Dashboard.Enabled {
		events = make(chan api.Event, 100)
	}

	return &Engine{
		cfg:             cfg,
		krw:             krw,
		usdt:            usdt,
		scanner:         market.NewScanner(krw, usdt, cfg.Trading.MonitorCoins, logger),
		calc:            calc,
		exec:            exec,
		riskMgr:         riskMgr,
		rates:           rates,
		history:         history,
		logger:          logger.With("component", "engine"),
		lastPremium:     make(map[string]types.PremiumSnapshot),
		failures:        make(map[string]int),
		disabled:        make(map[string]bool),
		inflight:        make(map[string]bool),
		events:          events,
		refreshInterval: universeRefreshInterval,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start resolves the initial universe and launches all loops.
func (e *Engine) Start() error {
	if err := e.refreshUniverse(e.ctx); err != nil {
		// Not fatal: the refresh loop retries.
		e.logger.Warn("initial universe refresh failed", "error", err)
	}

	loops := []func(){
		e.universeLoop,
		e.monitorLoop,
		e.opportunityLoop,
		e.metricsLoop,
		e.healthLoop,
		e.alertLoop,
	}
	for _, loop := range loops {
		loop := loop
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop()
		}()
	}
	return nil
}

// Stop cancels all loops and waits for in-flight trade cycles to reach
// a terminal state. Safe to call more than once.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if e.events != nil {
		close(e.events)
		e.events = nil
	}

	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Universe

// refreshUniverse resolves the tradable symbol set via the scanner.
func (e *Engine) refreshUniverse(ctx context.Context) error {
	next, err := e.scanner.Resolve(ctx)
	if err != nil {
		return err
	}

	e.universeMu.Lock()
	e.universe = next
	e.universeMu.Unlock()

	e.logger.Info("universe refreshed", "symbols", len(next))
	return nil
}

func (e *Engine) universeLoop() {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshUniverse(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("universe refresh failed", "error", err)
			}
		}
	}
}

// activeSymbols returns the universe minus disabled symbols.
func (e *Engine) activeSymbols() []string {
	e.universeMu.RLock()
	universe := e.universe
	e.universeMu.RUnlock()

	e.failMu.Lock()
	defer e.failMu.Unlock()

	active := make([]string, 0, len(universe))
	for _, sym := range universe {
		if !e.disabled[sym] {
			active = append(active, sym)
		}
	}
	return active
}

// recordFailure counts a consecutive per-symbol error and disables the
// symbol once the ceiling is reached. Repeated order-book failures
// typically indicate an access-control or listing problem.
func (e *Engine) recordFailure(symbol string, err error) {
	e.failMu.Lock()
	e.failures[symbol]++
	n := e.failures[symbol]
	trip := n >= maxSymbolFailures && !e.disabled[symbol]
	if trip {
		e.disabled[symbol] = true
	}
	e.failMu.Unlock()

	if trip {
		e.logger.Error("symbol disabled after repeated failures",
			"symbol", symbol, "failures", n, "error", err)
		e.emitEvent(api.NewAlertEvent("Symbol " + symbol + " disabled after repeated data failures"))
		return
	}
	e.logger.Warn("symbol data failure", "symbol", symbol, "count", n, "error", err)
}

func (e *Engine) clearFailure(symbol string) {
	e.failMu.Lock()
	delete(e.failures, symbol)
	e.failMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Loops

// monitorLoop computes premium snapshots for the whole universe on
// every tick and pushes them to the observer sinks.
func (e *Engine) monitorLoop() {
	ticker := time.NewTicker(e.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range e.activeSymbols() {
				snap, err := e.calc.Premium(e.ctx, symbol)
				if err != nil {
					if e.ctx.Err() != nil {
						return
					}
					// A rate outage is global, not the symbol's fault;
					// the health loop raises that alert.
					if !errors.Is(err, fx.ErrRateUnavailable) {
						e.recordFailure(symbol, err)
					}
					continue
				}
				e.clearFailure(symbol)

				e.universeMu.Lock()
				e.lastPremium[symbol] = snap
				e.universeMu.Unlock()

				e.logger.Debug("premium",
					"symbol", symbol,
					"premium_pct", snap.Premium.StringFixed(4),
					"price_krw", snap.PriceKrw,
					"price_usdt_krw", snap.PriceUsdtKrw.Round(0),
					"stale_rate", snap.Stale,
				)
				e.emitEvent(api.NewPremiumEvent(snap))
			}
		}
	}
}

// opportunityLoop checks each symbol for an executable opportunity and
// hands approved ones to the executor. Rejected opportunities are
// dropped; the premium evaporates faster than a queue would clear.
func (e *Engine) opportunityLoop() {
	ticker := time.NewTicker(e.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range e.activeSymbols() {
				if e.isInflight(symbol) {
					continue
				}

				opp, err := e.calc.CheckOpportunity(e.ctx, symbol,
					e.cfg.Trading.SafetyMarginPct,
					e.cfg.Trading.MinTradeAmountKrw,
					e.cfg.Trading.MaxTradeAmountKrw,
				)
				if err != nil {
					if e.ctx.Err() != nil {
						return
					}
					if !errors.Is(err, fx.ErrRateUnavailable) {
						e.recordFailure(symbol, err)
					}
					continue
				}
				e.clearFailure(symbol)
				if opp == nil {
					continue
				}

				ok, reason := e.riskMgr.CanExecute(opp)
				if !ok {
					e.logger.Info("opportunity rejected",
						"symbol", symbol, "reason", reason)
					continue
				}

				e.logger.Info("opportunity approved",
					"symbol", symbol,
					"direction", opp.Direction,
					"net_profit_pct", opp.NetProfitPct().StringFixed(4),
					"sized_amount_krw", opp.SizedAmountKrw,
				)
				e.emitEvent(api.NewOpportunityEvent(opp))
				e.launchTrade(opp)
			}
		}
	}
}

// launchTrade runs one arbitrage cycle in its own goroutine.
func (e *Engine) launchTrade(opp *types.Opportunity) {
	e.setInflight(opp.Symbol, true)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.setInflight(opp.Symbol, false)

		trade := e.exec.Execute(e.ctx, opp)
		e.emitEvent(api.NewTradeEvent(trade))

		if stopped, reason := e.riskMgr.CheckEmergencyStop(); stopped {
			e.logger.Error("emergency stop engaged", "reason", reason)
		}
	}()
}

func (e *Engine) isInflight(symbol string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return e.inflight[symbol]
}

func (e *Engine) setInflight(symbol string, v bool) {
	e.inflightMu.Lock()
	if v {
		e.inflight[symbol] = true
	} else {
		delete(e.inflight, symbol)
	}
	e.inflightMu.Unlock()
}

// metricsLoop surfaces the risk manager's daily counters.
func (e *Engine) metricsLoop() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			snap := e.riskMgr.Snapshot()
			e.logger.Info("daily metrics",
				"volume_krw", snap.Counters.VolumeKrw,
				"profit_krw", snap.Counters.ProfitKrw,
				"loss_krw", snap.Counters.LossKrw,
				"trades", snap.Counters.TradeCount,
				"success", snap.Counters.SuccessCount,
				"failed", snap.Counters.FailCount,
				"exposure_krw", snap.Counters.ExposureKrw,
				"active", snap.ActiveTrades,
			)
			e.emitEvent(api.NewMetricsEvent(snap))
		}
	}
}

// healthLoop validates venue balances and fiat-rate availability.
func (e *Engine) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkHealth(e.ctx)
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	rate, stale, err := e.rates.Rate(ctx)
	if err != nil {
		e.logger.Error("fiat rate unavailable", "error", err)
		e.emitEvent(api.NewAlertEvent("USD/KRW rate unavailable from all sources"))
		return
	}
	if stale {
		e.logger.Warn("fiat rate served from stale cache")
	}

	krwBal, err := e.krw.Balance(ctx, "KRW")
	if err != nil {
		e.logger.Error("health: KRW venue balance read failed", "error", err)
		return
	}
	usdtBal, err := e.usdt.Balance(ctx, "USDT")
	if err != nil {
		e.logger.Error("health: USDT venue balance read failed", "error", err)
		return
	}

	ok, detail := e.riskMgr.ValidateBalances(krwBal.Free, usdtBal.Free, rate)
	if !ok {
		e.logger.Warn("balance check failed", "detail", detail)
	}

	e.emitEvent(api.Event{
		Type:      "balances",
		Timestamp: time.Now(),
		Data: api.BalanceEvent{
			KrwFreeKrw:   krwBal.Free,
			UsdtFreeUsdt: usdtBal.Free,
			FiatRate:     rate,
			Healthy:      ok,
			Detail:       detail,
		},
	})
}

// alertLoop forwards risk-manager alerts to the log and dashboard.
func (e *Engine) alertLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.riskMgr.AlertCh():
			e.logger.Error("risk alert", "message", msg)
			e.emitEvent(api.NewAlertEvent(msg))
		}
	}
}

func (e *Engine) tickInterval() time.Duration {
	sec := e.cfg.Trading.PriceUpdateIntervalSec
	if sec <= 0 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard surface

// emitEvent sends an event to the dashboard (non-blocking).
func (e *Engine) emitEvent(evt api.Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- evt:
	default:
		// Dashboard can't keep up, drop event.
	}
}

// Events returns the dashboard event stream (nil if disabled).
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// Universe returns a copy of the current symbol universe.
func (e *Engine) Universe() []string {
	e.universeMu.RLock()
	defer e.universeMu.RUnlock()
	out := make([]string, len(e.universe))
	copy(out, e.universe)
	return out
}

// PremiumSnapshots returns the latest premium per symbol, sorted.
func (e *Engine) PremiumSnapshots() []types.PremiumSnapshot {
	e.universeMu.RLock()
	defer e.universeMu.RUnlock()

	out := make([]types.PremiumSnapshot, 0, len(e.lastPremium))
	for _, snap := range e.lastPremium {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RiskManager returns the risk manager for dashboard access.
func (e *Engine) RiskManager() *risk.Manager {
	return e.riskMgr
}

// TradeHistory returns up to limit recent trades from the history log.
func (e *Engine) TradeHistory(limit int) ([]types.Trade, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.ReadTrades(limit)
}
