package strategy

import (
	"context"
	"fmt"

	"kimchi-arb/pkg/types"
)

// stepReverse executes one action on the reverse path (kimchi premium:
// coin expensive on the KRW venue). The mirror of the forward path:
//
//	start → buying_usdt_side → xfer_out → await_xfer_out
//	      → selling_krw_side → buying_usdt_home → xfer_home
//	      → await_xfer_home → completed
func (e *Executor) stepReverse(ctx context.Context, rt *runtime) error {
	trade := rt.trade
	symbol := rt.opp.Symbol

	switch trade.State {
	case types.StateStart:
		if err := e.preflightRate(ctx, rt); err != nil {
			return err
		}
		// 1% buffer over the USDT-converted trade size.
		required := rt.opp.SizedAmountKrw.Div(rt.fiatRate).Mul(usdtBuffer)
		bal, err := e.usdt.Balance(ctx, "USDT")
		if err != nil {
			return fmt.Errorf("pre-flight USDT balance: %w", err)
		}
		if bal.Free.LessThan(required) {
			return fmt.Errorf("pre-flight: USDT balance %s < required %s",
				bal.Free, required.Round(2))
		}
		rt.initialQuote = bal.Free
		trade.RecordStep(types.TradeStep{
			State:  types.StateBuyingUsdtSide,
			Venue:  types.VenueUSDT,
			Asset:  "USDT",
			Amount: required,
			Detail: "pre-flight passed",
		})

	case types.StateBuyingUsdtSide:
		spend := rt.opp.SizedAmountKrw.Div(rt.fiatRate)
		fill, err := e.marketBuy(ctx, e.usdt, symbol, spend)
		// A partial fill still leaves coin on the venue; record it so
		// the failure path inspects balances.
		rt.coinQty = fill.ExecutedQty
		if err != nil {
			return fmt.Errorf("buying_usdt_side: %w", err)
		}
		trade.RecordStep(types.TradeStep{
			State:   types.StateXferOut,
			Venue:   types.VenueUSDT,
			Asset:   symbol,
			Amount:  fill.ExecutedQty,
			OrderID: fill.OrderID,
		})

	case types.StateXferOut:
		amount := rt.coinQty.Mul(dustFactor)
		baseline, err := e.krw.Balance(ctx, symbol)
		if err != nil {
			return fmt.Errorf("xfer_out: destination baseline: %w", err)
		}
		id, network, err := e.withdrawTo(ctx, e.usdt, e.krw, symbol, amount)
		if err != nil {
			return fmt.Errorf("xfer_out: %w", err)
		}
		rt.xferBaseline = baseline.Total
		rt.xferExpected = amount.Sub(e.fees.WithdrawFee(symbol))
		trade.RecordStep(types.TradeStep{
			State:   types.StateAwaitXferOut,
			Venue:   types.VenueKRW,
			Asset:   symbol,
			Amount:  amount,
			OrderID: id,
			Detail:  "network " + network,
		})

	case types.StateAwaitXferOut:
		arrived, err := e.awaitDeposit(ctx, e.krw, symbol,
			rt.xferExpected, rt.xferBaseline, trade.StartedAt)
		if err != nil {
			return fmt.Errorf("await_xfer_out: %w", err)
		}
		rt.arrivedQty = arrived
		trade.RecordStep(types.TradeStep{
			State:  types.StateSellingKrwSide,
			Venue:  types.VenueKRW,
			Asset:  symbol,
			Amount: arrived,
		})

	case types.StateSellingKrwSide:
		fill, err := e.marketSell(ctx, e.krw, symbol, rt.arrivedQty)
		if err != nil {
			return fmt.Errorf("selling_krw_side: %w", err)
		}
		rt.krwProceeds = fill.ExecutedAmt
		trade.RecordStep(types.TradeStep{
			State:   types.StateBuyingUsdtHome,
			Venue:   types.VenueKRW,
			Asset:   "KRW",
			Amount:  fill.ExecutedAmt,
			OrderID: fill.OrderID,
		})

	case types.StateBuyingUsdtHome:
		fill, err := e.marketBuy(ctx, e.krw, "USDT", rt.krwProceeds)
		if err != nil {
			return fmt.Errorf("buying_usdt_home: %w", err)
		}
		rt.usdtHomeQty = fill.ExecutedQty
		trade.RecordStep(types.TradeStep{
			State:   types.StateXferHome,
			Venue:   types.VenueKRW,
			Asset:   "USDT",
			Amount:  fill.ExecutedQty,
			OrderID: fill.OrderID,
		})

	case types.StateXferHome:
		amount := rt.usdtHomeQty.Sub(usdtResidual)
		if !amount.IsPositive() {
			return fmt.Errorf("xfer_home: USDT %s too small to return", rt.usdtHomeQty)
		}
		baseline, err := e.usdt.Balance(ctx, "USDT")
		if err != nil {
			return fmt.Errorf("xfer_home: destination baseline: %w", err)
		}
		id, network, err := e.withdrawTo(ctx, e.krw, e.usdt, "USDT", amount)
		if err != nil {
			return fmt.Errorf("xfer_home: %w", err)
		}
		rt.xferBaseline = baseline.Total
		rt.xferExpected = amount.Sub(e.fees.WithdrawFee("USDT"))
		trade.RecordStep(types.TradeStep{
			State:   types.StateAwaitXferHome,
			Venue:   types.VenueUSDT,
			Asset:   "USDT",
			Amount:  amount,
			OrderID: id,
			Detail:  "network " + network,
		})

	case types.StateAwaitXferHome:
		arrived, err := e.awaitDeposit(ctx, e.usdt, "USDT",
			rt.xferExpected, rt.xferBaseline, trade.StartedAt)
		if err != nil {
			return fmt.Errorf("await_xfer_home: %w", err)
		}
		rt.usdtHomeQty = arrived
		trade.RecordStep(types.TradeStep{
			State:  types.StateCompleted,
			Venue:  types.VenueUSDT,
			Asset:  "USDT",
			Amount: arrived,
		})

	default:
		return fmt.Errorf("reverse: unexpected state %q", trade.State)
	}
	return nil
}
