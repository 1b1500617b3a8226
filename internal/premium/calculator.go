// Package premium fuses the two venues' market data with the USD→KRW
// rate into signed premium snapshots and, when the numbers clear fees
// plus margin, typed arbitrage opportunities.
package premium

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/internal/fx"
	"kimchi-arb/internal/venue"
	"kimchi-arb/pkg/types"
)

// depthLevels is how many book levels per side enter the sizing sum.
const depthLevels = 5

var (
	hundred = decimal.NewFromInt(100)

	// depthUtilization caps the trade at 30% of the thinnest book side.
	depthUtilization = decimal.RequireFromString("0.3")
)

// FeeSchedule carries the taker fees of both venues and the fixed
// on-chain withdraw fee per asset. Fees named Pct are percents; the
// withdraw table is denominated in the asset itself.
type FeeSchedule struct {
	KrwTakerPct  decimal.Decimal
	UsdtTakerPct decimal.Decimal
	WithdrawFees map[string]decimal.Decimal

	// usdtWithdrawFrac approximates the stablecoin leg's on-chain cost
	// as a fraction of trade size (TRC20).
	usdtWithdrawFrac decimal.Decimal
	// defaultWithdrawFrac covers coins missing from the table.
	defaultWithdrawFrac decimal.Decimal
}

// DefaultFees returns the production fee schedule.
func DefaultFees() *FeeSchedule {
	return &FeeSchedule{
		KrwTakerPct:  decimal.RequireFromString("0.05"),
		UsdtTakerPct: decimal.RequireFromString("0.1"),
		WithdrawFees: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("0.0005"),
			"ETH":  decimal.RequireFromString("0.005"),
			"USDT": decimal.NewFromInt(1), // TRC20
			"XRP":  decimal.RequireFromString("0.25"),
			"ADA":  decimal.NewFromInt(1),
			"SOL":  decimal.RequireFromString("0.01"),
			"DOT":  decimal.RequireFromString("0.1"),
			"AVAX": decimal.RequireFromString("0.01"),
		},
		usdtWithdrawFrac:    decimal.RequireFromString("0.0001"),
		defaultWithdrawFrac: decimal.RequireFromString("0.001"),
	}
}

// WithdrawFee returns the fixed on-chain fee for an asset, zero when
// unknown (the percent estimate then uses the default fraction).
func (f *FeeSchedule) WithdrawFee(asset string) decimal.Decimal {
	return f.WithdrawFees[asset]
}

// withdrawFrac estimates the coin withdraw fee as a fraction of trade
// size given the coin's USDT price.
func (f *FeeSchedule) withdrawFrac(symbol string, priceUsdt decimal.Decimal) decimal.Decimal {
	fee, ok := f.WithdrawFees[symbol]
	if !ok || !priceUsdt.IsPositive() {
		return f.defaultWithdrawFrac
	}
	return fee.Div(priceUsdt)
}

// TotalFeesPct is the round-trip cost of one cycle in percent: a taker
// fee per venue per leg (two each), the coin's on-chain transfer, and
// the stablecoin's return transfer.
func (f *FeeSchedule) TotalFeesPct(symbol string, priceUsdt decimal.Decimal) decimal.Decimal {
	trading := f.UsdtTakerPct.Mul(decimal.NewFromInt(2)).
		Add(f.KrwTakerPct.Mul(decimal.NewFromInt(2)))
	withdraw := f.withdrawFrac(symbol, priceUsdt).
		Add(f.usdtWithdrawFrac).
		Mul(hundred)
	return trading.Add(withdraw)
}

// Calculator derives premium snapshots and opportunities for the coin
// universe.
type Calculator struct {
	krw    venue.Client
	usdt   venue.Client
	rates  *fx.Provider
	fees   *FeeSchedule
	logger *slog.Logger
}

// NewCalculator wires the calculator over both venues and the rate
// provider.
func NewCalculator(krw, usdt venue.Client, rates *fx.Provider, fees *FeeSchedule, logger *slog.Logger) *Calculator {
	if fees == nil {
		fees = DefaultFees()
	}
	return &Calculator{
		krw:    krw,
		usdt:   usdt,
		rates:  rates,
		fees:   fees,
		logger: logger.With("component", "premium"),
	}
}

// Premium computes the signed KRW-venue premium for one symbol. Venue
// tickers are fetched concurrently.
func (c *Calculator) Premium(ctx context.Context, symbol string) (types.PremiumSnapshot, error) {
	rate, stale, err := c.rates.Rate(ctx)
	if err != nil {
		return types.PremiumSnapshot{}, fmt.Errorf("premium %s: %w", symbol, err)
	}

	type result struct {
		quote types.Quote
		err   error
	}
	krwCh := make(chan result, 1)
	usdtCh := make(chan result, 1)
	go func() {
		q, err := c.krw.Ticker(ctx, symbol)
		krwCh <- result{q, err}
	}()
	go func() {
		q, err := c.usdt.Ticker(ctx, symbol)
		usdtCh <- result{q, err}
	}()
	krwRes, usdtRes := <-krwCh, <-usdtCh
	if krwRes.err != nil {
		return types.PremiumSnapshot{}, fmt.Errorf("premium %s: krw ticker: %w", symbol, krwRes.err)
	}
	if usdtRes.err != nil {
		return types.PremiumSnapshot{}, fmt.Errorf("premium %s: usdt ticker: %w", symbol, usdtRes.err)
	}

	priceUsdtKrw := usdtRes.quote.Price.Mul(rate)
	if !priceUsdtKrw.IsPositive() {
		return types.PremiumSnapshot{}, fmt.Errorf("premium %s: non-positive converted price", symbol)
	}

	return types.PremiumSnapshot{
		Symbol:       symbol,
		PriceKrw:     krwRes.quote.Price,
		PriceUsdt:    usdtRes.quote.Price,
		PriceUsdtKrw: priceUsdtKrw,
		Premium:      krwRes.quote.Price.Sub(priceUsdtKrw).Div(priceUsdtKrw).Mul(hundred),
		FiatRate:     rate,
		Stale:        stale,
		Timestamp:    time.Now(),
	}, nil
}

// TetherPremium compares the KRW venue's USDT market against the fiat
// rate: how much crossing the stablecoin market costs beyond parity.
func (c *Calculator) TetherPremium(ctx context.Context) (types.PremiumSnapshot, error) {
	rate, stale, err := c.rates.Rate(ctx)
	if err != nil {
		return types.PremiumSnapshot{}, fmt.Errorf("tether premium: %w", err)
	}

	quote, err := c.krw.Ticker(ctx, "USDT")
	if err != nil {
		return types.PremiumSnapshot{}, fmt.Errorf("tether premium: %w", err)
	}

	return types.PremiumSnapshot{
		Symbol:       "USDT",
		PriceKrw:     quote.Price,
		PriceUsdt:    decimal.NewFromInt(1),
		PriceUsdtKrw: rate,
		Premium:      quote.Price.Sub(rate).Div(rate).Mul(hundred),
		FiatRate:     rate,
		Stale:        stale,
		Timestamp:    time.Now(),
	}, nil
}

// CheckOpportunity classifies the symbol's premium into a direction and
// returns an opportunity when expected profit clears fees plus margin.
// nil, nil means no opportunity at current prices.
func (c *Calculator) CheckOpportunity(ctx context.Context, symbol string, safetyMarginPct, minKrw, maxKrw decimal.Decimal) (*types.Opportunity, error) {
	coin, err := c.Premium(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tether, err := c.TetherPremium(ctx)
	if err != nil {
		return nil, err
	}

	totalFees := c.fees.TotalFeesPct(symbol, coin.PriceUsdt)

	var direction types.Direction
	var expected decimal.Decimal
	switch {
	case coin.ReversePremium():
		// Coin cheap at home: buy KRW side, sell USDT side.
		direction = types.DirectionForward
		expected = coin.Premium.Abs().Sub(tether.Premium)
	case coin.KimchiPremium():
		// Kimchi premium: buy USDT side, sell KRW side.
		direction = types.DirectionReverse
		expected = coin.Premium.Sub(tether.Premium)
	default:
		return nil, nil
	}

	if !expected.GreaterThan(totalFees.Add(safetyMarginPct)) {
		return nil, nil
	}

	sized, err := c.sizeTrade(ctx, symbol, coin.FiatRate, minKrw, maxKrw)
	if err != nil {
		return nil, fmt.Errorf("size %s: %w", symbol, err)
	}

	opp := &types.Opportunity{
		Symbol:            symbol,
		Direction:         direction,
		PremiumPct:        coin.Premium,
		TetherPremiumPct:  tether.Premium,
		ExpectedProfitPct: expected,
		EstFeesPct:        totalFees,
		SafetyMarginPct:   safetyMarginPct,
		SizedAmountKrw:    sized,
		Timestamp:         time.Now(),
	}
	c.logger.Info("arbitrage opportunity",
		"symbol", symbol,
		"direction", direction,
		"premium_pct", coin.Premium,
		"tether_pct", tether.Premium,
		"fees_pct", totalFees,
		"net_pct", opp.NetProfitPct(),
		"sized_krw", sized)
	return opp, nil
}

// sizeTrade bounds the trade by book depth: the thinnest of the four
// sides (best five levels, USDT book converted to KRW), scaled to 30%
// utilization, clamped to [minKrw, maxKrw].
func (c *Calculator) sizeTrade(ctx context.Context, symbol string, rate, minKrw, maxKrw decimal.Decimal) (decimal.Decimal, error) {
	krwBook, err := c.krw.OrderBook(ctx, symbol, depthLevels)
	if err != nil {
		return decimal.Decimal{}, err
	}
	usdtBook, err := c.usdt.OrderBook(ctx, symbol, depthLevels)
	if err != nil {
		return decimal.Decimal{}, err
	}

	liquidity := decimal.Decimal{}
	first := true
	for _, side := range [][]types.PriceLevel{krwBook.Bids, krwBook.Asks} {
		n := venue.SumDepthNotional(side, depthLevels)
		if first || n.LessThan(liquidity) {
			liquidity = n
			first = false
		}
	}
	for _, side := range [][]types.PriceLevel{usdtBook.Bids, usdtBook.Asks} {
		n := venue.SumDepthNotional(side, depthLevels).Mul(rate)
		if n.LessThan(liquidity) {
			liquidity = n
		}
	}

	usable := liquidity.Mul(depthUtilization)
	return decimal.Max(minKrw, decimal.Min(usable, maxKrw)), nil
}
