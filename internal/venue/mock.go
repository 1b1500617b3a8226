package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/pkg/types"
)

// Mock is a scriptable Client for tests. Unset function fields return
// zero values, so a test only wires the calls it cares about.
type Mock struct {
	VenueName        types.Venue
	TickerFn         func(ctx context.Context, symbol string) (types.Quote, error)
	OrderBookFn      func(ctx context.Context, symbol string, depth int) (types.OrderBook, error)
	BalanceFn        func(ctx context.Context, asset string) (types.Balance, error)
	MarketBuyFn      func(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (types.Fill, error)
	MarketSellFn     func(ctx context.Context, symbol string, baseQty decimal.Decimal) (types.Fill, error)
	DepositAddressFn func(ctx context.Context, asset, network string) (types.DepositAddress, error)
	WithdrawFn       func(ctx context.Context, asset, address, tag string, amount decimal.Decimal, network string) (string, error)
	DepositHistoryFn func(ctx context.Context, asset string, since time.Time) ([]types.DepositEntry, error)
	ListMarketsFn    func(ctx context.Context) ([]string, error)
	VerifyAccessFn   func(ctx context.Context) error
}

var _ Client = (*Mock)(nil)

func (m *Mock) Name() types.Venue { return m.VenueName }

func (m *Mock) Ticker(ctx context.Context, symbol string) (types.Quote, error) {
	if m.TickerFn == nil {
		return types.Quote{}, nil
	}
	return m.TickerFn(ctx, symbol)
}

func (m *Mock) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	if m.OrderBookFn == nil {
		return types.OrderBook{}, nil
	}
	return m.OrderBookFn(ctx, symbol, depth)
}

func (m *Mock) Balance(ctx context.Context, asset string) (types.Balance, error) {
	if m.BalanceFn == nil {
		return types.Balance{Asset: asset}, nil
	}
	return m.BalanceFn(ctx, asset)
}

func (m *Mock) MarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (types.Fill, error) {
	if m.MarketBuyFn == nil {
		return types.Fill{}, nil
	}
	return m.MarketBuyFn(ctx, symbol, quoteAmount)
}

func (m *Mock) MarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (types.Fill, error) {
	if m.MarketSellFn == nil {
		return types.Fill{}, nil
	}
	return m.MarketSellFn(ctx, symbol, baseQty)
}

func (m *Mock) DepositAddress(ctx context.Context, asset, network string) (types.DepositAddress, error) {
	if m.DepositAddressFn == nil {
		return types.DepositAddress{Asset: asset, Address: "mock-" + asset, Network: network}, nil
	}
	return m.DepositAddressFn(ctx, asset, network)
}

func (m *Mock) Withdraw(ctx context.Context, asset, address, tag string, amount decimal.Decimal, network string) (string, error) {
	if m.WithdrawFn == nil {
		return "mock-withdrawal", nil
	}
	return m.WithdrawFn(ctx, asset, address, tag, amount, network)
}

func (m *Mock) DepositHistory(ctx context.Context, asset string, since time.Time) ([]types.DepositEntry, error) {
	if m.DepositHistoryFn == nil {
		return nil, nil
	}
	return m.DepositHistoryFn(ctx, asset, since)
}

func (m *Mock) ListMarkets(ctx context.Context) ([]string, error) {
	if m.ListMarketsFn == nil {
		return nil, nil
	}
	return m.ListMarketsFn(ctx)
}

func (m *Mock) VerifyAccess(ctx context.Context) error {
	if m.VerifyAccessFn == nil {
		return nil
	}
	return m.VerifyAccessFn(ctx)
}
