package api

import (
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/internal/risk"
	"kimchi-arb/pkg/types"
)

// Event is the wrapper for all messages pushed to the dashboard.
type Event struct {
	Type      string    `json:"type"` // "snapshot", "premium", "opportunity", "trade", "metrics", "balances", "alert"
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"` // empty for global events
	Data      any       `json:"data"`
}

// PremiumEvent carries one per-symbol premium tick.
type PremiumEvent struct {
	Symbol       string          `json:"symbol"`
	PriceKrw     decimal.Decimal `json:"price_krw"`
	PriceUsdt    decimal.Decimal `json:"price_usdt"`
	PriceUsdtKrw decimal.Decimal `json:"price_usdt_krw"`
	PremiumPct   decimal.Decimal `json:"premium_pct"`
	FiatRate     decimal.Decimal `json:"fiat_rate"`
	StaleRate    bool            `json:"stale_rate"`
}

// OpportunityEvent is emitted when a symbol clears the profitability gate.
type OpportunityEvent struct {
	Symbol            string          `json:"symbol"`
	Direction         string          `json:"direction"`
	PremiumPct        decimal.Decimal `json:"premium_pct"`
	TetherPremiumPct  decimal.Decimal `json:"tether_premium_pct"`
	ExpectedProfitPct decimal.Decimal `json:"expected_profit_pct"`
	EstFeesPct        decimal.Decimal `json:"est_fees_pct"`
	NetProfitPct      decimal.Decimal `json:"net_profit_pct"`
	SizedAmountKrw    decimal.Decimal `json:"sized_amount_krw"`
}

// TradeEvent reports a trade cycle reaching a terminal state.
type TradeEvent struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Direction         string          `json:"direction"`
	State             string          `json:"state"`
	Outcome           string          `json:"outcome"`
	Steps             int             `json:"steps"`
	RealizedProfitKrw decimal.Decimal `json:"realized_profit_krw"`
	Error             string          `json:"error,omitempty"`
}

// MetricsEvent mirrors the risk manager's daily counters.
type MetricsEvent struct {
	DayKey         string          `json:"day_key"`
	DailyVolumeKrw decimal.Decimal `json:"daily_volume_krw"`
	DailyProfitKrw decimal.Decimal `json:"daily_profit_krw"`
	DailyLossKrw   decimal.Decimal `json:"daily_loss_krw"`
	TradeCount     int             `json:"trade_count"`
	SuccessCount   int             `json:"success_count"`
	FailCount      int             `json:"fail_count"`
	ExposureKrw    decimal.Decimal `json:"exposure_krw"`
	ActiveTrades   int             `json:"active_trades"`
	Tripped        bool            `json:"tripped"`
	TripReason     string          `json:"trip_reason,omitempty"`
}

// BalanceEvent is the health loop's periodic venue balance report.
type BalanceEvent struct {
	KrwFreeKrw   decimal.Decimal `json:"krw_free_krw"`
	UsdtFreeUsdt decimal.Decimal `json:"usdt_free_usdt"`
	FiatRate     decimal.Decimal `json:"fiat_rate"`
	Healthy      bool            `json:"healthy"`
	Detail       string          `json:"detail,omitempty"`
}

// AlertEvent carries operator-facing alerts (emergency stop, recovery).
type AlertEvent struct {
	Message string `json:"message"`
}

// NewPremiumEvent converts a premium snapshot into a dashboard event.
func NewPremiumEvent(snap types.PremiumSnapshot) Event {
	return Event{
		Type:      "premium",
		Timestamp: snap.Timestamp,
		Symbol:    snap.Symbol,
		Data: PremiumEvent{
			Symbol:       snap.Symbol,
			PriceKrw:     snap.PriceKrw,
			PriceUsdt:    snap.PriceUsdt,
			PriceUsdtKrw: snap.PriceUsdtKrw,
			PremiumPct:   snap.Premium,
			FiatRate:     snap.FiatRate,
			StaleRate:    snap.Stale,
		},
	}
}

// NewOpportunityEvent converts an approved opportunity into an event.
func NewOpportunityEvent(opp *types.Opportunity) Event {
	return Event{
		Type:      "opportunity",
		Timestamp: opp.Timestamp,
		Symbol:    opp.Symbol,
		Data: OpportunityEvent{
			Symbol:            opp.Symbol,
			Direction:         string(opp.Direction),
			PremiumPct:        opp.PremiumPct,
			TetherPremiumPct:  opp.TetherPremiumPct,
			ExpectedProfitPct: opp.ExpectedProfitPct,
			EstFeesPct:        opp.EstFeesPct,
			NetProfitPct:      opp.NetProfitPct(),
			SizedAmountKrw:    opp.SizedAmountKrw,
		},
	}
}

// NewTradeEvent converts a finished trade into an event.
func NewTradeEvent(trade *types.Trade) Event {
	return Event{
		Type:      "trade",
		Timestamp: trade.EndedAt,
		Symbol:    trade.Opportunity.Symbol,
		Data: TradeEvent{
			ID:                trade.ID,
			Symbol:            trade.Opportunity.Symbol,
			Direction:         string(trade.Opportunity.Direction),
			State:             string(trade.State),
			Outcome:           string(trade.Outcome),
			Steps:             len(trade.Steps),
			RealizedProfitKrw: trade.RealizedProfitKrw,
			Error:             trade.Error,
		},
	}
}

// NewMetricsEvent converts a risk snapshot into an event.
func NewMetricsEvent(snap risk.Snapshot) Event {
	return Event{
		Type:      "metrics",
		Timestamp: time.Now(),
		Data: MetricsEvent{
			DayKey:         snap.Counters.DayKey,
			DailyVolumeKrw: snap.Counters.VolumeKrw,
			DailyProfitKrw: snap.Counters.ProfitKrw,
			DailyLossKrw:   snap.Counters.LossKrw,
			TradeCount:     snap.Counters.TradeCount,
			SuccessCount:   snap.Counters.SuccessCount,
			FailCount:      snap.Counters.FailCount,
			ExposureKrw:    snap.Counters.ExposureKrw,
			ActiveTrades:   snap.ActiveTrades,
			Tripped:        snap.Tripped,
			TripReason:     snap.TripReason,
		},
	}
}

// NewAlertEvent wraps an operator alert message.
func NewAlertEvent(msg string) Event {
	return Event{
		Type:      "alert",
		Timestamp: time.Now(),
		Data:      AlertEvent{Message: msg},
	}
}
