package api

import (
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/internal/config"
	"kimchi-arb/internal/risk"
	"kimchi-arb/pkg/types"
)

// StatusProvider is the engine surface the dashboard reads from.
type StatusProvider interface {
	Universe() []string
	PremiumSnapshots() []types.PremiumSnapshot
	RiskManager() *risk.Manager
	TradeHistory(limit int) ([]types.Trade, error)
	Events() <-chan Event
}

// Snapshot is the complete dashboard state sent on connect and via
// GET /api/snapshot.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Universe  []string       `json:"universe"`
	Premiums  []PremiumEvent `json:"premiums"`
	Risk      MetricsEvent   `json:"risk"`
	Config    ConfigSummary  `json:"config"`
}

// ConfigSummary exposes the operating parameters the dashboard displays.
type ConfigSummary struct {
	DryRun                 bool            `json:"dry_run"`
	SafetyMarginPct        decimal.Decimal `json:"safety_margin_pct"`
	MinTradeAmountKrw      decimal.Decimal `json:"min_trade_amount_krw"`
	MaxTradeAmountKrw      decimal.Decimal `json:"max_trade_amount_krw"`
	PriceUpdateIntervalSec int             `json:"price_update_interval_sec"`
	TransferTimeoutMinutes int             `json:"transfer_timeout_minutes"`
	MaxSingleTradeKrw      decimal.Decimal `json:"max_single_trade_krw"`
	MaxDailyVolumeKrw      decimal.Decimal `json:"max_daily_volume_krw"`
	MaxConcurrent          int             `json:"max_concurrent"`
	MaxSlippagePct         decimal.Decimal `json:"max_slippage_pct"`
	EmergencyLossPct       decimal.Decimal `json:"emergency_loss_pct"`
	MaxExposurePct         decimal.Decimal `json:"max_exposure_pct"`
}

// BuildSnapshot aggregates current engine state for the dashboard.
func BuildSnapshot(provider StatusProvider, cfg *config.Config) Snapshot {
	snaps := provider.PremiumSnapshots()
	premiums := make([]PremiumEvent, 0, len(snaps))
	for _, s := range snaps {
		premiums = append(premiums, PremiumEvent{
			Symbol:       s.Symbol,
			PriceKrw:     s.PriceKrw,
			PriceUsdt:    s.PriceUsdt,
			PriceUsdtKrw: s.PriceUsdtKrw,
			PremiumPct:   s.Premium,
			FiatRate:     s.FiatRate,
			StaleRate:    s.Stale,
		})
	}

	riskSnap := provider.RiskManager().Snapshot()

	return Snapshot{
		Timestamp: time.Now(),
		Universe:  provider.Universe(),
		Premiums:  premiums,
		Risk:      NewMetricsEvent(riskSnap).Data.(MetricsEvent),
		Config:    NewConfigSummary(cfg),
	}
}

// NewConfigSummary builds the dashboard view of the config.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun:                 cfg.DryRun,
		SafetyMarginPct:        cfg.Trading.SafetyMarginPct,
		MinTradeAmountKrw:      cfg.Trading.MinTradeAmountKrw,
		MaxTradeAmountKrw:      cfg.Trading.MaxTradeAmountKrw,
		PriceUpdateIntervalSec: cfg.Trading.PriceUpdateIntervalSec,
		TransferTimeoutMinutes: cfg.Trading.TransferTimeoutMinutes,
		MaxSingleTradeKrw:      cfg.Risk.MaxSingleTradeKrw,
		MaxDailyVolumeKrw:      cfg.Risk.MaxDailyVolumeKrw,
		MaxConcurrent:          cfg.Risk.MaxConcurrent,
		MaxSlippagePct:         cfg.Risk.MaxSlippagePct,
		EmergencyLossPct:       cfg.Risk.EmergencyLossPct,
		MaxExposurePct:         cfg.Risk.MaxExposurePct,
	}
}
