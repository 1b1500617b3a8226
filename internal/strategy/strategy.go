// Package strategy drives the arbitrage cycle as an explicit state
// machine.
//
// Each admitted opportunity becomes one Trade whose states advance
// monotonically along the direction's path: buy on the cheap venue,
// move the coin over the chain, sell on the expensive venue, bring the
// stablecoin home. Every step records its artifact in the trade's step
// log before the state advances, so a retried step can detect its own
// prior success and skip. Transfer waits poll the destination venue on
// a fixed cadence under a wall-clock ceiling; a timeout or any step
// failure after funds have moved lands in recovery, which snapshots
// balances, alerts the operator, and marks the trade failed. There is
// no automatic unwinding.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kimchi-arb/internal/fx"
	"kimchi-arb/internal/premium"
	"kimchi-arb/internal/risk"
	"kimchi-arb/internal/store"
	"kimchi-arb/internal/venue"
	"kimchi-arb/pkg/types"
)

var (
	// ErrTransferTimeout ends a transfer wait that hit its ceiling.
	ErrTransferTimeout = errors.New("strategy: transfer confirmation timed out")

	// ErrSlippageExceeded fails a fill executed beyond the slippage limit.
	ErrSlippageExceeded = errors.New("strategy: slippage limit exceeded")

	// errNetworkMismatch aborts a transfer whose endpoints disagree on
	// the chain.
	errNetworkMismatch = errors.New("strategy: deposit network mismatch")

	// arrivalTolerance: a deposit counts once ≥99% of the expected
	// amount shows up.
	arrivalTolerance = decimal.RequireFromString("0.99")

	// fillTolerance: a market order filling under 99.5% of the request
	// is a partial fill.
	fillTolerance = decimal.RequireFromString("0.995")

	// dustFactor leaves a residual behind on withdrawal so the venue
	// never rejects a full-balance transfer.
	dustFactor = decimal.RequireFromString("0.999")

	// usdtResidual is the stablecoin left behind on the return leg.
	usdtResidual = decimal.NewFromInt(1)

	// usdtBuffer oversizes the reverse pre-flight USDT requirement.
	usdtBuffer = decimal.RequireFromString("1.01")
)

// Executor runs arbitrage cycles against the two venues.
type Executor struct {
	krw     venue.Client
	usdt    venue.Client
	riskMgr *risk.Manager
	rates   *fx.Provider
	fees    *premium.FeeSchedule
	history *store.Store
	logger  *slog.Logger

	transferTimeout time.Duration
	pollInterval    time.Duration

	// alert receives operator-facing recovery messages. Optional.
	alert func(msg string)
}

// NewExecutor wires the executor. transferTimeout bounds each transfer
// wait; history may be nil to skip trade-log persistence.
func NewExecutor(krw, usdt venue.Client, riskMgr *risk.Manager, rates *fx.Provider,
	fees *premium.FeeSchedule, history *store.Store, transferTimeout time.Duration,
	logger *slog.Logger) *Executor {
	if fees == nil {
		fees = premium.DefaultFees()
	}
	return &Executor{
		krw:             krw,
		usdt:            usdt,
		riskMgr:         riskMgr,
		rates:           rates,
		fees:            fees,
		history:         history,
		logger:          logger.With("component", "strategy"),
		transferTimeout: transferTimeout,
		pollInterval:    30 * time.Second,
	}
}

// SetPollInterval overrides the transfer polling cadence, for tests.
func (e *Executor) SetPollInterval(d time.Duration) {
	e.pollInterval = d
}

// SetAlertFunc installs the operator alert sink.
func (e *Executor) SetAlertFunc(fn func(string)) {
	e.alert = fn
}

// runtime carries one cycle's in-flight artifacts between states.
type runtime struct {
	trade *types.Trade
	opp   types.Opportunity

	fiatRate     decimal.Decimal
	initialQuote decimal.Decimal // home-currency balance at pre-flight
	coinQty      decimal.Decimal // coin bought on the source venue
	arrivedQty   decimal.Decimal // coin credited on the destination
	usdtProceeds decimal.Decimal // forward: USDT from the counter-sell
	krwProceeds  decimal.Decimal // KRW realized on the KRW venue
	usdtHomeQty  decimal.Decimal // stablecoin landed back home

	// per-transfer scratch: what should arrive and the destination's
	// balance before the withdrawal.
	xferExpected decimal.Decimal
	xferBaseline decimal.Decimal
}

// Execute runs one full cycle and returns the terminal trade record.
// The risk manager has already admitted the opportunity; Execute
// registers the lifecycle and always calls RegisterEnd exactly once.
func (e *Executor) Execute(ctx context.Context, opp *types.Opportunity) *types.Trade {
	trade := &types.Trade{
		ID:          uuid.NewString(),
		Opportunity: *opp,
		State:       types.StateStart,
		StartedAt:   time.Now(),
	}
	rt := &runtime{trade: trade, opp: *opp}

	e.riskMgr.RegisterStart(trade.ID, opp)
	e.logger.Info("trade started",
		"trade_id", trade.ID,
		"symbol", opp.Symbol,
		"direction", opp.Direction,
		"sized_krw", opp.SizedAmountKrw)

	var err error
	switch opp.Direction {
	case types.DirectionForward:
		err = e.drive(ctx, rt, e.stepForward)
	case types.DirectionReverse:
		err = e.drive(ctx, rt, e.stepReverse)
	default:
		err = fmt.Errorf("unknown direction %q", opp.Direction)
	}

	e.finish(ctx, rt, err)
	return trade
}

// drive advances the trade until a terminal state. step executes the
// action for the current state and records the resulting step entry.
func (e *Executor) drive(ctx context.Context, rt *runtime, step func(context.Context, *runtime) error) error {
	for !rt.trade.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := rt.trade.State
		if err := step(ctx, rt); err != nil {
			return err
		}
		if rt.trade.State == before {
			return fmt.Errorf("state machine stalled in %q", before)
		}
	}
	return nil
}

// finish resolves the terminal bookkeeping: outcome, realized profit,
// risk release, persistence. Failures after funds moved pass through
// recovery first.
func (e *Executor) finish(ctx context.Context, rt *runtime, err error) {
	trade := rt.trade

	switch {
	case err == nil && trade.State == types.StateCompleted:
		trade.Outcome = types.OutcomeCompleted

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Cancelled mid-cycle with funds already moved: partial.
		trade.Error = "cancelled mid-cycle"
		if rt.coinQty.IsPositive() {
			trade.Outcome = types.OutcomePartial
		} else {
			trade.Outcome = types.OutcomeFailed
		}
		trade.RecordStep(types.TradeStep{
			State:  types.StateFailed,
			Detail: trade.Error,
		})

	default:
		trade.Error = err.Error()
		trade.Outcome = types.OutcomeFailed
		// Funds may be mid-flight: inspect before declaring failure.
		if rt.coinQty.IsPositive() {
			e.recover(ctx, rt, err)
		}
		trade.RecordStep(types.TradeStep{
			State:  types.StateFailed,
			Detail: trade.Error,
		})
	}

	trade.EndedAt = time.Now()
	trade.RealizedProfitKrw = e.realizedProfit(rt)

	success := trade.Outcome == types.OutcomeCompleted
	e.riskMgr.RegisterEnd(trade.ID, trade.RealizedProfitKrw, success)

	e.logger.Info("trade finished",
		"trade_id", trade.ID,
		"symbol", trade.Opportunity.Symbol,
		"outcome", trade.Outcome,
		"profit_krw", trade.RealizedProfitKrw,
		"duration", trade.EndedAt.Sub(trade.StartedAt).Round(time.Second))

	if e.history != nil {
		if perr := e.history.AppendTrade(trade); perr != nil {
			e.logger.Error("trade log append failed", "trade_id", trade.ID, "error", perr)
		}
	}
}

// realizedProfit computes final − initial home-currency balance in KRW.
// Incomplete cycles realize zero; the loss is operational, not booked
// until the operator resolves the stranded funds.
func (e *Executor) realizedProfit(rt *runtime) decimal.Decimal {
	if rt.trade.Outcome != types.OutcomeCompleted {
		return decimal.Zero
	}
	switch rt.opp.Direction {
	case types.DirectionForward:
		return rt.krwProceeds.Sub(rt.opp.SizedAmountKrw)
	default:
		spent := rt.opp.SizedAmountKrw.Div(rt.fiatRate)
		return rt.usdtHomeQty.Sub(spent).Mul(rt.fiatRate).Round(0)
	}
}

// recover is inspection-only: snapshot balances on both venues, alert
// the operator, and leave the trade to be marked failed. No unwinding.
func (e *Executor) recover(ctx context.Context, rt *runtime, cause error) {
	trade := rt.trade
	trade.RecordStep(types.TradeStep{
		State:  types.StateRecovery,
		Asset:  trade.Opportunity.Symbol,
		Detail: cause.Error(),
	})

	snapshotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	symbol := trade.Opportunity.Symbol
	for _, probe := range []struct {
		client venue.Client
		asset  string
	}{
		{e.krw, "KRW"}, {e.krw, symbol}, {e.krw, "USDT"},
		{e.usdt, "USDT"}, {e.usdt, symbol},
	} {
		bal, err := probe.client.Balance(snapshotCtx, probe.asset)
		if err != nil {
			e.logger.Error("recovery balance probe failed",
				"trade_id", trade.ID, "venue", probe.client.Name(), "asset", probe.asset, "error", err)
			continue
		}
		e.logger.Error("recovery balance snapshot",
			"trade_id", trade.ID, "venue", probe.client.Name(), "asset", bal.Asset, "free", bal.Free)
	}

	msg := fmt.Sprintf("trade %s (%s %s) entered recovery: %v — manual intervention required",
		trade.ID, trade.Opportunity.Direction, symbol, cause)
	e.logger.Error("RECOVERY", "trade_id", trade.ID, "cause", cause)
	if e.alert != nil {
		e.alert(msg)
	}
}

// preflightRate resolves the fiat rate once per cycle.
func (e *Executor) preflightRate(ctx context.Context, rt *runtime) error {
	rate, _, err := e.rates.Rate(ctx)
	if err != nil {
		return fmt.Errorf("pre-flight rate: %w", err)
	}
	rt.fiatRate = rate
	return nil
}

// marketBuy places the buy and enforces fill and slippage tolerances.
func (e *Executor) marketBuy(ctx context.Context, client venue.Client, symbol string, quoteAmount decimal.Decimal) (types.Fill, error) {
	ref, err := client.Ticker(ctx, symbol)
	if err != nil {
		return types.Fill{}, err
	}

	fill, err := client.MarketBuy(ctx, symbol, quoteAmount)
	if err != nil {
		return types.Fill{}, err
	}
	if fill.ExecutedAmt.LessThan(quoteAmount.Mul(fillTolerance)) {
		return fill, fmt.Errorf("buy %s on %s filled %s of %s: %w",
			symbol, client.Name(), fill.ExecutedAmt, quoteAmount, venue.ErrPartialFill)
	}
	if ok, slip := e.riskMgr.CheckSlippage(ref.Price, fill.AvgPrice, types.BUY); !ok {
		return fill, fmt.Errorf("buy %s on %s at %s vs ref %s (%s%%): %w",
			symbol, client.Name(), fill.AvgPrice, ref.Price, slip.StringFixed(2), ErrSlippageExceeded)
	}
	return fill, nil
}

// marketSell mirrors marketBuy for the sell side.
func (e *Executor) marketSell(ctx context.Context, client venue.Client, symbol string, baseQty decimal.Decimal) (types.Fill, error) {
	ref, err := client.Ticker(ctx, symbol)
	if err != nil {
		return types.Fill{}, err
	}

	fill, err := client.MarketSell(ctx, symbol, baseQty)
	if err != nil {
		return types.Fill{}, err
	}
	if fill.ExecutedQty.LessThan(baseQty.Mul(fillTolerance)) {
		return fill, fmt.Errorf("sell %s on %s filled %s of %s: %w",
			symbol, client.Name(), fill.ExecutedQty, baseQty, venue.ErrPartialFill)
	}
	if ok, slip := e.riskMgr.CheckSlippage(ref.Price, fill.AvgPrice, types.SELL); !ok {
		return fill, fmt.Errorf("sell %s on %s at %s vs ref %s (%s%%): %w",
			symbol, client.Name(), fill.AvgPrice, ref.Price, slip.StringFixed(2), ErrSlippageExceeded)
	}
	return fill, nil
}

// withdrawTo resolves the destination deposit address on the preferred
// network and submits the withdrawal from the source venue. The amount
// is what leaves the source; the chain fee comes out of it.
func (e *Executor) withdrawTo(ctx context.Context, from, to venue.Client, asset string, amount decimal.Decimal) (string, string, error) {
	network := types.PreferredNetwork(asset)
	addr, err := to.DepositAddress(ctx, asset, network)
	if err != nil {
		return "", "", fmt.Errorf("deposit address %s on %s: %w", asset, to.Name(), err)
	}
	if addr.Network != "" && addr.Network != network {
		return "", "", fmt.Errorf("%w: %s wants %s, preferred %s",
			errNetworkMismatch, to.Name(), addr.Network, network)
	}

	id, err := from.Withdraw(ctx, asset, addr.Address, addr.Tag, amount, network)
	if err != nil {
		return "", "", fmt.Errorf("withdraw %s from %s: %w", asset, from.Name(), err)
	}
	return id, network, nil
}

// awaitDeposit polls the destination until the asset balance rises by
// ≥99% of expected over the baseline, or a confirmed deposit entry of
// matching size appears. Polls every pollInterval under the configured
// ceiling; cancellation is honored between polls.
func (e *Executor) awaitDeposit(ctx context.Context, client venue.Client, asset string,
	expected, baseline decimal.Decimal, since time.Time) (decimal.Decimal, error) {

	threshold := expected.Mul(arrivalTolerance)
	deadline := time.Now().Add(e.transferTimeout)

	for {
		bal, err := client.Balance(ctx, asset)
		if err == nil && bal.Total.Sub(baseline).GreaterThanOrEqual(threshold) {
			return bal.Total.Sub(baseline), nil
		}
		if err != nil {
			e.logger.Warn("deposit poll: balance read failed",
				"venue", client.Name(), "asset", asset, "error", err)
		}

		entries, err := client.DepositHistory(ctx, asset, since)
		if err != nil {
			e.logger.Warn("deposit poll: history read failed",
				"venue", client.Name(), "asset", asset, "error", err)
		}
		for _, entry := range entries {
			if entry.State == types.DepositConfirmed && entry.Amount.GreaterThanOrEqual(threshold) {
				return entry.Amount, nil
			}
		}

		if time.Now().After(deadline) {
			return decimal.Decimal{}, fmt.Errorf("%w: %s on %s after %s",
				ErrTransferTimeout, asset, client.Name(), e.transferTimeout)
		}
		select {
		case <-ctx.Done():
			return decimal.Decimal{}, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}
