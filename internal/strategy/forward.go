package strategy

import (
	"context"
	"fmt"

	"kimchi-arb/pkg/types"
)

// stepForward executes the action for the trade's current state on the
// forward path (coin cheap on the KRW venue) and records the transition.
//
//	start → buying_krw → xfer_out → await_xfer_out → selling_usdt_side
//	      → xfer_home → await_xfer_home → converting_home → completed
func (e *Executor) stepForward(ctx context.Context, rt *runtime) error {
	trade := rt.trade
	symbol := rt.opp.Symbol

	switch trade.State {
	case types.StateStart:
		if err := e.preflightRate(ctx, rt); err != nil {
			return err
		}
		bal, err := e.krw.Balance(ctx, "KRW")
		if err != nil {
			return fmt.Errorf("pre-flight KRW balance: %w", err)
		}
		if bal.Free.LessThan(rt.opp.SizedAmountKrw) {
			return fmt.Errorf("pre-flight: KRW balance %s < trade size %s",
				bal.Free, rt.opp.SizedAmountKrw)
		}
		rt.initialQuote = bal.Free
		trade.RecordStep(types.TradeStep{
			State:  types.StateBuyingKrw,
			Venue:  types.VenueKRW,
			Asset:  "KRW",
			Amount: rt.opp.SizedAmountKrw,
			Detail: "pre-flight passed",
		})

	case types.StateBuyingKrw:
		fill, err := e.marketBuy(ctx, e.krw, symbol, rt.opp.SizedAmountKrw)
		// A partial fill still leaves coin on the venue; record it so
		// the failure path inspects balances.
		rt.coinQty = fill.ExecutedQty
		if err != nil {
			return fmt.Errorf("buying_krw: %w", err)
		}
		trade.RecordStep(types.TradeStep{
			State:   types.StateXferOut,
			Venue:   types.VenueKRW,
			Asset:   symbol,
			Amount:  fill.ExecutedQty,
			OrderID: fill.OrderID,
		})

	case types.StateXferOut:
		amount := rt.coinQty.Mul(dustFactor)
		baseline, err := e.usdt.Balance(ctx, symbol)
		if err != nil {
			return fmt.Errorf("xfer_out: destination baseline: %w", err)
		}
		id, network, err := e.withdrawTo(ctx, e.krw, e.usdt, symbol, amount)
		if err != nil {
			return fmt.Errorf("xfer_out: %w", err)
		}
		rt.xferBaseline = baseline.Total
		rt.xferExpected = amount.Sub(e.fees.WithdrawFee(symbol))
		trade.RecordStep(types.TradeStep{
			State:   types.StateAwaitXferOut,
			Venue:   types.VenueUSDT,
			Asset:   symbol,
			Amount:  amount,
			OrderID: id,
			Detail:  "network " + network,
		})

	case types.StateAwaitXferOut:
		arrived, err := e.awaitDeposit(ctx, e.usdt, symbol,
			rt.xferExpected, rt.xferBaseline, trade.StartedAt)
		if err != nil {
			return fmt.Errorf("await_xfer_out: %w", err)
		}
		rt.arrivedQty = arrived
		trade.RecordStep(types.TradeStep{
			State:  types.StateSellingUsdtSide,
			Venue:  types.VenueUSDT,
			Asset:  symbol,
			Amount: arrived,
		})

	case types.StateSellingUsdtSide:
		fill, err := e.marketSell(ctx, e.usdt, symbol, rt.arrivedQty)
		if err != nil {
			return fmt.Errorf("selling_usdt_side: %w", err)
		}
		rt.usdtProceeds = fill.ExecutedAmt
		trade.RecordStep(types.TradeStep{
			State:   types.StateXferHome,
			Venue:   types.VenueUSDT,
			Asset:   "USDT",
			Amount:  fill.ExecutedAmt,
			OrderID: fill.OrderID,
		})

	case types.StateXferHome:
		amount := rt.usdtProceeds.Sub(usdtResidual)
		if !amount.IsPositive() {
			return fmt.Errorf("xfer_home: proceeds %s too small to return", rt.usdtProceeds)
		}
		baseline, err := e.krw.Balance(ctx, "USDT")
		if err != nil {
			return fmt.Errorf("xfer_home: destination baseline: %w", err)
		}
		id, network, err := e.withdrawTo(ctx, e.usdt, e.krw, "USDT", amount)
		if err != nil {
			return fmt.Errorf("xfer_home: %w", err)
		}
		rt.xferBaseline = baseline.Total
		rt.xferExpected = amount.Sub(e.fees.WithdrawFee("USDT"))
		trade.RecordStep(types.TradeStep{
			State:   types.StateAwaitXferHome,
			Venue:   types.VenueKRW,
			Asset:   "USDT",
			Amount:  amount,
			OrderID: id,
			Detail:  "network " + network,
		})

	case types.StateAwaitXferHome:
		arrived, err := e.awaitDeposit(ctx, e.krw, "USDT",
			rt.xferExpected, rt.xferBaseline, trade.StartedAt)
		if err != nil {
			return fmt.Errorf("await_xfer_home: %w", err)
		}
		rt.usdtHomeQty = arrived
		trade.RecordStep(types.TradeStep{
			State:  types.StateConvertingHome,
			Venue:  types.VenueKRW,
			Asset:  "USDT",
			Amount: arrived,
		})

	case types.StateConvertingHome:
		fill, err := e.marketSell(ctx, e.krw, "USDT", rt.usdtHomeQty)
		if err != nil {
			return fmt.Errorf("converting_home: %w", err)
		}
		rt.krwProceeds = fill.ExecutedAmt
		trade.RecordStep(types.TradeStep{
			State:   types.StateCompleted,
			Venue:   types.VenueKRW,
			Asset:   "KRW",
			Amount:  fill.ExecutedAmt,
			OrderID: fill.OrderID,
		})

	default:
		return fmt.Errorf("forward: unexpected state %q", trade.State)
	}
	return nil
}
