package premium

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/internal/fx"
	"kimchi-arb/internal/venue"
	"kimchi-arb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticRate struct{ rate decimal.Decimal }

func (s staticRate) Name() string { return "static" }

func (s staticRate) Fetch(context.Context) (decimal.Decimal, error) { return s.rate, nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func rates(rate string) *fx.Provider {
	return fx.NewProvider([]fx.Source{staticRate{d(rate)}}, time.Minute, testLogger())
}

// deepBook returns a book whose five-level notional is far above any
// clamp used in these tests.
func deepBook(price string) types.OrderBook {
	p := d(price)
	lvl := types.PriceLevel{Price: p, Quantity: d("1000000").Div(p)}
	return types.OrderBook{
		Bids:      []types.PriceLevel{lvl, lvl, lvl, lvl, lvl},
		Asks:      []types.PriceLevel{lvl, lvl, lvl, lvl, lvl},
		Timestamp: time.Now(),
	}
}

// venues builds a KRW mock serving the coin and the USDT market, and a
// USDT mock serving the coin.
func venues(symbol, priceKrw, priceUsdtMarketKrw, priceUsdt string) (venue.Client, venue.Client) {
	krw := &venue.Mock{
		VenueName: types.VenueKRW,
		TickerFn: func(_ context.Context, s string) (types.Quote, error) {
			if s == "USDT" {
				return types.Quote{Symbol: s, Price: d(priceUsdtMarketKrw)}, nil
			}
			return types.Quote{Symbol: s, Price: d(priceKrw)}, nil
		},
		OrderBookFn: func(_ context.Context, s string, _ int) (types.OrderBook, error) {
			return deepBook(priceKrw), nil
		},
	}
	usdt := &venue.Mock{
		VenueName: types.VenueUSDT,
		TickerFn: func(_ context.Context, s string) (types.Quote, error) {
			return types.Quote{Symbol: s, Price: d(priceUsdt)}, nil
		},
		OrderBookFn: func(_ context.Context, s string, _ int) (types.OrderBook, error) {
			return deepBook(priceUsdt), nil
		},
	}
	_ = symbol
	return krw, usdt
}

func TestPremiumSignsAndSymmetry(t *testing.T) {
	t.Parallel()

	// 130,000,000 vs 101,000 × 1,300 = 131,300,000: KRW venue is cheap.
	krw, usdt := venues("BTC", "130000000", "1300", "101000")
	calc := NewCalculator(krw, usdt, rates("1300"), DefaultFees(), testLogger())

	snap, err := calc.Premium(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.ReversePremium() || snap.KimchiPremium() {
		t.Errorf("premium %s should be negative", snap.Premium)
	}
	if !snap.PriceUsdtKrw.Equal(d("131300000")) {
		t.Errorf("converted price = %s, want 131300000", snap.PriceUsdtKrw)
	}

	// priceK − priceU_krw must equal premium × priceU_krw / 100.
	lhs := snap.PriceKrw.Sub(snap.PriceUsdtKrw)
	rhs := snap.Premium.Mul(snap.PriceUsdtKrw).Div(decimal.NewFromInt(100))
	if !lhs.Sub(rhs).Abs().LessThan(d("0.000001")) {
		t.Errorf("symmetry violated: %s vs %s", lhs, rhs)
	}
}

func TestTetherPremium(t *testing.T) {
	t.Parallel()

	// KRW-USDT at 1,303.9 against a 1,300 fiat rate = +0.3%.
	krw, usdt := venues("BTC", "130000000", "1303.9", "100000")
	calc := NewCalculator(krw, usdt, rates("1300"), DefaultFees(), testLogger())

	snap, err := calc.TetherPremium(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Premium.Equal(d("0.3")) {
		t.Errorf("tether premium = %s, want 0.3", snap.Premium)
	}
}

// Forward happy path: −0.99% coin premium, +0.3% tether premium.
func TestCheckOpportunityForward(t *testing.T) {
	t.Parallel()

	krw, usdt := venues("BTC", "130000000", "1303.9", "101000")
	calc := NewCalculator(krw, usdt, rates("1300"), DefaultFees(), testLogger())

	opp, err := calc.CheckOpportunity(context.Background(), "BTC",
		d("0.1"), d("100000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if opp == nil {
		t.Fatal("expected a forward opportunity")
	}
	if opp.Direction != types.DirectionForward {
		t.Errorf("direction = %s, want forward", opp.Direction)
	}

	// Necessity: emitted ⇒ net profit strictly positive.
	if !opp.NetProfitPct().IsPositive() {
		t.Errorf("net profit = %s, want > 0", opp.NetProfitPct())
	}
	// Expected profit is |premium| − tetherPremium.
	want := opp.PremiumPct.Abs().Sub(opp.TetherPremiumPct)
	if !opp.ExpectedProfitPct.Equal(want) {
		t.Errorf("expected profit = %s, want %s", opp.ExpectedProfitPct, want)
	}
	// Sizing clamp held.
	if opp.SizedAmountKrw.LessThan(d("100000")) || opp.SizedAmountKrw.GreaterThan(d("1000000")) {
		t.Errorf("sized = %s outside [100000, 1000000]", opp.SizedAmountKrw)
	}
}

func TestCheckOpportunityReverse(t *testing.T) {
	t.Parallel()

	// 130,000,000 vs 99,000 × 1,300 = 128,700,000: +1.01% kimchi premium.
	krw, usdt := venues("BTC", "130000000", "1300", "99000")
	calc := NewCalculator(krw, usdt, rates("1300"), DefaultFees(), testLogger())

	opp, err := calc.CheckOpportunity(context.Background(), "BTC",
		d("0.1"), d("100000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if opp == nil {
		t.Fatal("expected a reverse opportunity")
	}
	if opp.Direction != types.DirectionReverse {
		t.Errorf("direction = %s, want reverse", opp.Direction)
	}
	if !opp.ExpectedProfitPct.Equal(opp.PremiumPct.Sub(opp.TetherPremiumPct)) {
		t.Error("reverse expected profit should be premium − tetherPremium")
	}
}

func TestCheckOpportunityZeroPremium(t *testing.T) {
	t.Parallel()

	// 130,000,000 vs 100,000 × 1,300: exactly flat.
	krw, usdt := venues("BTC", "130000000", "1300", "100000")
	calc := NewCalculator(krw, usdt, rates("1300"), DefaultFees(), testLogger())

	opp, err := calc.CheckOpportunity(context.Background(), "BTC",
		d("0.1"), d("100000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if opp != nil {
		t.Fatalf("flat market emitted %+v", opp)
	}
}

// Threshold is strict: expected profit exactly at fees + margin stays
// silent, one hundredth past it fires.
func TestCheckOpportunityExactThreshold(t *testing.T) {
	t.Parallel()

	// Bare schedule: total fees are exactly 0.3%.
	fees := &FeeSchedule{
		KrwTakerPct:  d("0.05"),
		UsdtTakerPct: d("0.1"),
		WithdrawFees: map[string]decimal.Decimal{"BTC": decimal.Zero},
	}

	// premium −0.4%, tether 0, margin 0.1 ⇒ expected 0.4 == 0.3 + 0.1.
	krw, usdt := venues("BTC", "99600", "1000", "100")
	calc := NewCalculator(krw, usdt, rates("1000"), fees, testLogger())
	opp, err := calc.CheckOpportunity(context.Background(), "BTC",
		d("0.1"), d("100000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if opp != nil {
		t.Fatalf("boundary case emitted %+v", opp)
	}

	// Nudge past the boundary.
	krw, usdt = venues("BTC", "99590", "1000", "100")
	calc = NewCalculator(krw, usdt, rates("1000"), fees, testLogger())
	opp, err = calc.CheckOpportunity(context.Background(), "BTC",
		d("0.1"), d("100000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if opp == nil {
		t.Fatal("past-boundary case should emit")
	}
}

func TestSizingUsesThinnestSide(t *testing.T) {
	t.Parallel()

	// KRW book is deep; USDT book has 100 USDT notional per side at
	// rate 1,000 ⇒ thinnest side 100,000 KRW ⇒ 30% = 30,000, clamped
	// up to min 50,000.
	krw := &venue.Mock{
		VenueName: types.VenueKRW,
		TickerFn: func(_ context.Context, s string) (types.Quote, error) {
			if s == "USDT" {
				return types.Quote{Symbol: s, Price: d("1000")}, nil
			}
			return types.Quote{Symbol: s, Price: d("90000")}, nil
		},
		OrderBookFn: func(_ context.Context, _ string, _ int) (types.OrderBook, error) {
			return deepBook("90000"), nil
		},
	}
	usdt := &venue.Mock{
		VenueName: types.VenueUSDT,
		TickerFn: func(_ context.Context, s string) (types.Quote, error) {
			return types.Quote{Symbol: s, Price: d("100")}, nil
		},
		OrderBookFn: func(_ context.Context, _ string, _ int) (types.OrderBook, error) {
			lvl := types.PriceLevel{Price: d("100"), Quantity: d("0.2")}
			return types.OrderBook{
				Bids: []types.PriceLevel{lvl, lvl, lvl, lvl, lvl},
				Asks: []types.PriceLevel{lvl, lvl, lvl, lvl, lvl},
			}, nil
		},
	}
	calc := NewCalculator(krw, usdt, rates("1000"), DefaultFees(), testLogger())

	sized, err := calc.sizeTrade(context.Background(), "BTC", d("1000"), d("50000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if !sized.Equal(d("50000")) {
		t.Errorf("sized = %s, want min clamp 50000", sized)
	}

	// With a lower min the 30% utilization shows through: 5 levels ×
	// 20 USDT × 1,000 × 0.3 = 30,000.
	sized, err = calc.sizeTrade(context.Background(), "BTC", d("1000"), d("10000"), d("1000000"))
	if err != nil {
		t.Fatal(err)
	}
	if !sized.Equal(d("30000")) {
		t.Errorf("sized = %s, want 30000", sized)
	}
}

func TestTotalFeesPct(t *testing.T) {
	t.Parallel()

	fees := DefaultFees()
	// Trading legs alone: 2×0.1 + 2×0.05 = 0.3; withdraw estimates are
	// strictly positive on top.
	total := fees.TotalFeesPct("BTC", d("100000"))
	if !total.GreaterThan(d("0.3")) {
		t.Errorf("total fees = %s, want > 0.3", total)
	}
	if total.GreaterThan(d("0.5")) {
		t.Errorf("total fees = %s, implausibly high", total)
	}

	// Unknown coins fall back to the default withdraw fraction (0.1%).
	unknown := fees.TotalFeesPct("NEWCOIN", d("1"))
	if !unknown.Equal(d("0.3").Add(d("0.1")).Add(d("0.01"))) {
		t.Errorf("unknown coin fees = %s, want 0.41", unknown)
	}
}
