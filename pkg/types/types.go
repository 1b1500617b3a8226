// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — venue identifiers,
// quotes, order books, balances, deposits, premium snapshots, arbitrage
// opportunities, and trade records. It has no dependencies on internal
// packages, so it can be imported by any layer.
//
// All monetary quantities are decimal.Decimal with the currency carried in
// the field name (Krw, Usdt, Qty). Rates are signed decimals in percent
// form unless the name ends in Frac.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the two exchanges in the cycle.
type Venue string

const (
	VenueKRW  Venue = "krw"  // KRW-quoted exchange (Upbit-style)
	VenueUSDT Venue = "usdt" // USDT-quoted exchange (Binance-style)
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Direction classifies an arbitrage opportunity.
//
// Forward: the coin is cheaper on the KRW venue (negative premium) —
// buy with KRW, move the coin out, sell for USDT, bring USDT home.
// Reverse: the coin is more expensive on the KRW venue (kimchi premium) —
// buy with USDT, move the coin in, sell for KRW, send USDT back.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// DepositState is the venue-reported state of a deposit entry.
type DepositState string

const (
	DepositPending   DepositState = "pending"
	DepositConfirmed DepositState = "confirmed"
	DepositFailed    DepositState = "failed"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is a last-trade price in the venue's quote currency.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Notional returns price × quantity in the book's quote currency.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

// OrderBook is a depth snapshot: bids descending, asks ascending.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Balance is one asset's balance on a venue.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// DepositEntry is one row of a venue's deposit history.
type DepositEntry struct {
	Asset       string
	Amount      decimal.Decimal
	State       DepositState
	TxID        string
	CompletedAt time.Time
}

// Fill is the result of a market order. The venue adapter normalizes the
// fee into the quote currency regardless of how the venue reports it.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        Side
	ExecutedQty decimal.Decimal // base asset
	ExecutedAmt decimal.Decimal // quote currency
	FeeQuote    decimal.Decimal // fee expressed in quote currency
	AvgPrice    decimal.Decimal
	Timestamp   time.Time
}

// DepositAddress is a venue deposit endpoint for an asset on a network.
type DepositAddress struct {
	Asset   string
	Address string
	Tag     string
	Network string
}

// ————————————————————————————————————————————————————————————————————————
// Coins and networks
// ————————————————————————————————————————————————————————————————————————

// Coin is one tradeable asset in the universe, with its per-network
// withdraw fee table and preferred transfer network.
type Coin struct {
	Symbol           string
	WithdrawFees     map[string]decimal.Decimal // network → fixed on-chain fee in the asset
	PreferredNetwork string
}

// PreferredNetworks is the static asset → network table favoring low fees.
// Both venue endpoints must support the chosen network; the strategy
// aborts pre-transfer when they disagree.
var PreferredNetworks = map[string]string{
	"BTC":  "BTC",
	"ETH":  "ETH",
	"USDT": "TRC20",
	"XRP":  "XRP",
	"ADA":  "ADA",
	"SOL":  "SOL",
	"DOT":  "DOT",
	"AVAX": "AVAX-C",
}

// PreferredNetwork returns the transfer network for an asset, defaulting
// to the asset's own chain.
func PreferredNetwork(asset string) string {
	if n, ok := PreferredNetworks[asset]; ok {
		return n
	}
	return asset
}

// ————————————————————————————————————————————————————————————————————————
// Premium and opportunities
// ————————————————————————————————————————————————————————————————————————

// PremiumSnapshot is the KRW-normalized price gap for one symbol at one
// instant. PriceUsdtKrw = PriceUsdt × FiatRate, and
// Premium = (PriceKrw − PriceUsdtKrw) / PriceUsdtKrw × 100.
type PremiumSnapshot struct {
	Symbol       string
	PriceKrw     decimal.Decimal // KRW venue price
	PriceUsdt    decimal.Decimal // USDT venue price
	PriceUsdtKrw decimal.Decimal // USDT venue price converted to KRW
	Premium      decimal.Decimal // signed percent
	FiatRate     decimal.Decimal // USD→KRW used for the conversion
	Stale        bool            // fiat rate served from an aged cache
	Timestamp    time.Time
}

// KimchiPremium reports whether the KRW venue is the expensive side.
func (p PremiumSnapshot) KimchiPremium() bool {
	return p.Premium.IsPositive()
}

// ReversePremium reports whether the KRW venue is the cheap side.
func (p PremiumSnapshot) ReversePremium() bool {
	return p.Premium.IsNegative()
}

// Opportunity is an admissible-looking arbitrage candidate. It is a value
// object: created once by the premium calculator, consumed once by a
// strategy, never mutated.
type Opportunity struct {
	Symbol            string
	Direction         Direction
	PremiumPct        decimal.Decimal // signed coin premium
	TetherPremiumPct  decimal.Decimal
	ExpectedProfitPct decimal.Decimal // |premium| − tetherPremium (per direction)
	EstFeesPct        decimal.Decimal
	SafetyMarginPct   decimal.Decimal
	SizedAmountKrw    decimal.Decimal
	Timestamp         time.Time
}

// NetProfitPct is expected profit after fees and the safety margin.
// Positive by construction at creation time.
func (o Opportunity) NetProfitPct() decimal.Decimal {
	return o.ExpectedProfitPct.Sub(o.EstFeesPct).Sub(o.SafetyMarginPct)
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// TradeState is one node of the arbitrage cycle's state graph.
type TradeState string

const (
	StateStart           TradeState = "start"
	StateBuyingKrw       TradeState = "buying_krw"        // forward: market-buy coin on the KRW venue
	StateBuyingUsdtSide  TradeState = "buying_usdt_side"  // reverse: market-buy coin on the USDT venue
	StateXferOut         TradeState = "xfer_out"          // withdraw coin toward the counter venue
	StateAwaitXferOut    TradeState = "await_xfer_out"    // poll counter venue for the coin deposit
	StateSellingUsdtSide TradeState = "selling_usdt_side" // forward: sell coin for USDT
	StateSellingKrwSide  TradeState = "selling_krw_side"  // reverse: sell coin for KRW
	StateBuyingUsdtHome  TradeState = "buying_usdt_home"  // reverse: buy USDT back with KRW
	StateXferHome        TradeState = "xfer_home"         // send the stablecoin back
	StateAwaitXferHome   TradeState = "await_xfer_home"   // poll for the stablecoin deposit
	StateConvertingHome  TradeState = "converting_home"   // forward: sell USDT for KRW
	StateRecovery        TradeState = "recovery"
	StateCompleted       TradeState = "completed"
	StateFailed          TradeState = "failed"
)

// Terminal reports whether the state ends the trade.
func (s TradeState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TradeOutcome summarizes how a trade ended.
type TradeOutcome string

const (
	OutcomeCompleted TradeOutcome = "completed"
	OutcomeFailed    TradeOutcome = "failed"
	OutcomePartial   TradeOutcome = "partial" // cancelled with funds parked mid-cycle
)

// TradeStep is one append-only entry in a trade's step log.
type TradeStep struct {
	State     TradeState      `json:"state"`
	Venue     Venue           `json:"venue"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"order_id,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade is the record of one arbitrage cycle. States progress
// monotonically along the direction's path; Steps is append-only.
type Trade struct {
	ID                string          `json:"id"`
	Opportunity       Opportunity     `json:"opportunity"`
	State             TradeState      `json:"state"`
	Steps             []TradeStep     `json:"steps"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           time.Time       `json:"ended_at,omitzero"`
	Outcome           TradeOutcome    `json:"outcome,omitempty"`
	RealizedProfitKrw decimal.Decimal `json:"realized_profit_krw"`
	Error             string          `json:"error,omitempty"`
}

// RecordStep appends a step entry and moves the trade to the step's state.
func (t *Trade) RecordStep(step TradeStep) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	t.State = step.State
	t.Steps = append(t.Steps, step)
}

// StepFor returns the recorded step for a state, if any. Strategies use
// this to skip steps whose success artifact is already present.
func (t *Trade) StepFor(state TradeState) (TradeStep, bool) {
	for _, s := range t.Steps {
		if s.State == state {
			return s, true
		}
	}
	return TradeStep{}, false
}
