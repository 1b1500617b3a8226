// Package venue defines the capability contract every exchange must expose
// and its implementations: live REST adapters for an Upbit-style KRW venue
// and a Binance-style USDT venue, a paper-trading decorator that intercepts
// mutations into a virtual ledger, and a Mock for tests.
//
// The rest of the engine only ever sees the Client interface — how the
// capabilities map to HTTPS is the adapter's business. Adapters are
// responsible for quantizing order quantities to the venue's lot grid
// before submission and for rejecting under-minimum orders with
// ErrBelowMinimum.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/pkg/types"
)

// Client is the uniform capability surface over one exchange.
//
// Every method takes a context and performs network I/O on live adapters.
// Prices and quantities are decimals; the quote currency is implied by the
// venue (KRW or USDT).
type Client interface {
	// Name identifies which side of the cycle this venue is.
	Name() types.Venue

	// Ticker returns the last trade price for a coin symbol (e.g. "BTC")
	// against the venue's quote currency.
	Ticker(ctx context.Context, symbol string) (types.Quote, error)

	// OrderBook returns up to depth levels per side; bids descending,
	// asks ascending.
	OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error)

	// Balance returns free/locked/total for one asset.
	Balance(ctx context.Context, asset string) (types.Balance, error)

	// MarketBuy spends quoteAmount of the venue's quote currency on a
	// market order and returns the fill.
	MarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (types.Fill, error)

	// MarketSell sells baseQty of the coin at market and returns the fill.
	// The adapter quantizes baseQty to the venue's lot grid.
	MarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (types.Fill, error)

	// DepositAddress returns the venue's deposit endpoint for an asset on
	// a network. An empty network means the venue default.
	DepositAddress(ctx context.Context, asset, network string) (types.DepositAddress, error)

	// Withdraw initiates an on-chain withdrawal and returns the venue's
	// withdrawal ID. The venue's fixed on-chain fee is deducted from the
	// transferable amount, never added on top.
	Withdraw(ctx context.Context, asset, address, tag string, amount decimal.Decimal, network string) (string, error)

	// DepositHistory lists deposit entries for an asset since the given
	// time (zero time = venue default window).
	DepositHistory(ctx context.Context, asset string, since time.Time) ([]types.DepositEntry, error)

	// ListMarkets returns the coin symbols tradeable against the venue's
	// quote currency. The orchestrator intersects the two venues' lists
	// to form the coin universe.
	ListMarkets(ctx context.Context) ([]string, error)

	// VerifyAccess is an authenticated liveness probe, run at startup and
	// from the health loop.
	VerifyAccess(ctx context.Context) error
}

// QuantizeStep floors qty to a multiple of step. A zero step returns qty
// unchanged.
func QuantizeStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// SumDepthNotional sums the notional of the best n levels of one book side
// in the book's quote currency.
func SumDepthNotional(levels []types.PriceLevel, n int) decimal.Decimal {
	total := decimal.Zero
	for i, l := range levels {
		if i >= n {
			break
		}
		total = total.Add(l.Notional())
	}
	return total
}
