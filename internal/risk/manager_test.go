package risk

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() Limits {
	return Limits{
		MaxSingleTradeKrw:  d("500000"),
		MaxDailyVolumeKrw:  d("10000000"),
		MaxConcurrent:      3,
		MaxSlippagePct:     d("0.5"),
		EmergencyLossPct:   d("3.0"),
		MinVenueBalanceKrw: d("100000"),
		MaxExposurePct:     d("30"),
	}
}

func newTestManager() *Manager {
	return NewManager(testLimits(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func opp(sizedKrw string) *types.Opportunity {
	return &types.Opportunity{
		Symbol:            "BTC",
		Direction:         types.DirectionForward,
		PremiumPct:        d("-0.99"),
		TetherPremiumPct:  d("0.3"),
		ExpectedProfitPct: d("0.69"),
		EstFeesPct:        d("0.31"),
		SafetyMarginPct:   d("0.1"),
		SizedAmountKrw:    d(sizedKrw),
		Timestamp:         time.Now(),
	}
}

func TestCanExecuteApproves(t *testing.T) {
	t.Parallel()

	ok, reason := newTestManager().CanExecute(opp("400000"))
	if !ok {
		t.Fatalf("admission failed: %s", reason)
	}
	if reason != "Trade approved" {
		t.Errorf("reason = %q", reason)
	}
}

// Single-trade limit is inclusive: exactly at the limit passes, one KRW
// over fails.
func TestCanExecuteSingleTradeBoundary(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	if ok, reason := m.CanExecute(opp("500000")); !ok {
		t.Errorf("at-limit trade rejected: %s", reason)
	}
	ok, reason := m.CanExecute(opp("500001"))
	if ok {
		t.Fatal("over-limit trade admitted")
	}
	if !strings.Contains(reason, "Trade amount exceeds single trade limit") {
		t.Errorf("reason = %q", reason)
	}
}

func TestCanExecuteConcurrentLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	for i := 0; i < 3; i++ {
		o := opp("100000")
		id := fmt.Sprintf("t-%d", i)
		if ok, reason := m.CanExecute(o); !ok {
			t.Fatalf("trade %d rejected: %s", i, reason)
		}
		m.RegisterStart(id, o)
	}

	ok, reason := m.CanExecute(opp("100000"))
	if ok {
		t.Fatal("fourth concurrent trade admitted")
	}
	if !strings.Contains(reason, "Maximum concurrent trades reached") {
		t.Errorf("reason = %q", reason)
	}

	// Freeing a slot reopens admission.
	m.RegisterEnd("t-0", d("1000"), true)
	if ok, reason := m.CanExecute(opp("100000")); !ok {
		t.Errorf("admission after slot freed: %s", reason)
	}
}

func TestCanExecuteDailyVolumeLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	// Book 9.8M of volume through completed trades.
	for i := 0; i < 2; i++ {
		o := &types.Opportunity{SizedAmountKrw: d("4900000"),
			ExpectedProfitPct: d("1"), EstFeesPct: d("0.3"), SafetyMarginPct: d("0.1")}
		id := fmt.Sprintf("big-%d", i)
		m.RegisterStart(id, o)
		m.RegisterEnd(id, d("10000"), true)
	}

	ok, reason := m.CanExecute(opp("300000"))
	if ok {
		t.Fatal("trade exceeding daily volume admitted")
	}
	if !strings.Contains(reason, "Trade would exceed daily volume limit") {
		t.Errorf("reason = %q", reason)
	}
	// A smaller trade still fits: 9.8M + 0.2M = exactly the limit.
	if ok, reason := m.CanExecute(opp("200000")); !ok {
		t.Errorf("fitting trade rejected: %s", reason)
	}
}

func TestCanExecuteExposureLimit(t *testing.T) {
	t.Parallel()

	// Max exposure = 10M × 30% = 3M.
	m := newTestManager()
	limits := testLimits()
	limits.MaxSingleTradeKrw = d("5000000")
	m = NewManager(limits, slog.New(slog.NewTextHandler(io.Discard, nil)))

	o := &types.Opportunity{SizedAmountKrw: d("2900000"),
		ExpectedProfitPct: d("1"), EstFeesPct: d("0.3"), SafetyMarginPct: d("0.1")}
	m.RegisterStart("open-1", o)

	ok, reason := m.CanExecute(opp("200000"))
	if ok {
		t.Fatal("trade exceeding exposure admitted")
	}
	if reason != "Trade would exceed maximum exposure limit" {
		t.Errorf("reason = %q", reason)
	}
	if ok, reason := m.CanExecute(opp("100000")); !ok {
		t.Errorf("fitting trade rejected: %s", reason)
	}
}

func TestCanExecuteRejectsUnprofitable(t *testing.T) {
	t.Parallel()

	o := opp("100000")
	o.ExpectedProfitPct = d("0.4")
	o.EstFeesPct = d("0.3")
	o.SafetyMarginPct = d("0.1") // net exactly zero

	ok, reason := newTestManager().CanExecute(o)
	if ok {
		t.Fatal("zero-net trade admitted")
	}
	if reason != "Trade opportunity no longer profitable" {
		t.Errorf("reason = %q", reason)
	}
}

// Exposure always equals the sum of active trades' sized amounts.
func TestExposureConservation(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterStart("a", opp("100000"))
	m.RegisterStart("b", opp("200000"))
	if got := m.Snapshot().Counters.ExposureKrw; !got.Equal(d("300000")) {
		t.Errorf("exposure = %s, want 300000", got)
	}

	m.RegisterEnd("a", d("500"), true)
	snap := m.Snapshot()
	if !snap.Counters.ExposureKrw.Equal(d("200000")) {
		t.Errorf("exposure after end = %s, want 200000", snap.Counters.ExposureKrw)
	}
	if !snap.Counters.VolumeKrw.Equal(d("100000")) {
		t.Errorf("volume = %s, want 100000", snap.Counters.VolumeKrw)
	}
	if snap.ActiveTrades != 1 {
		t.Errorf("active = %d, want 1", snap.ActiveTrades)
	}

	// Unknown trade IDs are ignored, not double-counted.
	m.RegisterEnd("a", d("500"), true)
	if got := m.Snapshot().Counters.VolumeKrw; !got.Equal(d("100000")) {
		t.Errorf("volume after duplicate end = %s, want 100000", got)
	}
}

func TestProfitLossBooking(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterStart("win", opp("100000"))
	m.RegisterEnd("win", d("1500"), true)
	m.RegisterStart("lose", opp("100000"))
	m.RegisterEnd("lose", d("-800"), true)
	m.RegisterStart("fail", opp("100000"))
	m.RegisterEnd("fail", d("0"), false)

	ctr := m.Snapshot().Counters
	if !ctr.ProfitKrw.Equal(d("1500")) {
		t.Errorf("profit = %s, want 1500", ctr.ProfitKrw)
	}
	if !ctr.LossKrw.Equal(d("800")) {
		t.Errorf("loss = %s, want 800", ctr.LossKrw)
	}
	if ctr.SuccessCount != 2 || ctr.FailCount != 1 || ctr.TradeCount != 3 {
		t.Errorf("counts = %d/%d/%d", ctr.SuccessCount, ctr.FailCount, ctr.TradeCount)
	}
}

// The first admission after a local-date change resets daily counters
// but keeps exposure for still-open trades.
func TestDailyRollPreservesExposure(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2026, 8, 25, 23, 50, 0, 0, time.Local)
	m.SetClock(func() time.Time { return now })
	// Re-key the counters under the fake clock.
	m.CanExecute(opp("1"))

	m.RegisterStart("done", opp("300000"))
	m.RegisterEnd("done", d("2000"), true)
	m.RegisterStart("open", opp("150000"))

	now = now.Add(time.Hour) // past midnight
	if ok, reason := m.CanExecute(opp("100000")); !ok {
		t.Fatalf("admission after roll: %s", reason)
	}

	ctr := m.Snapshot().Counters
	if !ctr.VolumeKrw.IsZero() || !ctr.ProfitKrw.IsZero() || !ctr.LossKrw.IsZero() || ctr.TradeCount != 0 {
		t.Errorf("counters not reset after roll: %+v", ctr)
	}
	if !ctr.ExposureKrw.Equal(d("150000")) {
		t.Errorf("exposure after roll = %s, want 150000", ctr.ExposureKrw)
	}
}

// Loss ratio 400,000 / 10,000,000 = 4% against a 3% limit trips the
// stop; after the trip, admission fails before any other predicate.
func TestEmergencyStopLossRatio(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterStart("seed", &types.Opportunity{SizedAmountKrw: d("10000000")})
	m.RegisterEnd("seed", d("-400000"), true)

	tripped, reason := m.CheckEmergencyStop()
	if !tripped {
		t.Fatal("stop not tripped at 4% loss")
	}
	if !strings.Contains(reason, "Daily loss 4.00%") {
		t.Errorf("reason = %q", reason)
	}

	select {
	case alert := <-m.AlertCh():
		if !strings.Contains(alert, "Daily loss") {
			t.Errorf("alert = %q", alert)
		}
	default:
		t.Error("no alert emitted on trip")
	}

	ok, reason := m.CanExecute(opp("100000"))
	if ok {
		t.Fatal("admission allowed while tripped")
	}
	if !strings.Contains(reason, "Emergency stop active") {
		t.Errorf("reason = %q", reason)
	}

	// Latch holds across further checks.
	if tripped, _ := m.CheckEmergencyStop(); !tripped {
		t.Error("latch released without reset")
	}

	// Operator reset restores admission.
	m.Reset()
	if ok, reason := m.CanExecute(opp("100000")); !ok {
		t.Errorf("admission after reset: %s", reason)
	}
}

func TestEmergencyStopFailureRate(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("t-%d", i)
		m.RegisterStart(id, opp("1000"))
		m.RegisterEnd(id, d("0"), i >= 7) // 7 of 12 fail
	}

	tripped, reason := m.CheckEmergencyStop()
	if !tripped {
		t.Fatal("stop not tripped at 58% failure rate")
	}
	if !strings.Contains(reason, "High failure rate 58.3%") {
		t.Errorf("reason = %q", reason)
	}
}

func TestEmergencyStopQuietBelowThresholds(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterStart("seed", &types.Opportunity{SizedAmountKrw: d("10000000")})
	m.RegisterEnd("seed", d("-290000"), true) // 2.9% < 3%

	tripped, reason := m.CheckEmergencyStop()
	if tripped {
		t.Fatalf("stop tripped below threshold: %s", reason)
	}
	if reason != "System operating normally" {
		t.Errorf("reason = %q", reason)
	}
}

// Slippage exactly at the limit is acceptable; one tick beyond is not.
func TestCheckSlippageBoundary(t *testing.T) {
	t.Parallel()

	m := newTestManager() // limit 0.5%

	// Buy at 100.5 against expected 100 = exactly 0.5%.
	ok, slip := m.CheckSlippage(d("100"), d("100.5"), types.BUY)
	if !ok {
		t.Errorf("at-limit slippage rejected (%s)", slip)
	}
	ok, slip = m.CheckSlippage(d("100"), d("100.51"), types.BUY)
	if ok {
		t.Errorf("over-limit slippage accepted (%s)", slip)
	}

	// Sell side: adverse direction is a lower price.
	ok, _ = m.CheckSlippage(d("100"), d("99.5"), types.SELL)
	if !ok {
		t.Error("at-limit sell slippage rejected")
	}
	ok, _ = m.CheckSlippage(d("100"), d("99.49"), types.SELL)
	if ok {
		t.Error("over-limit sell slippage accepted")
	}

	// Favorable fills are never rejected.
	if ok, _ := m.CheckSlippage(d("100"), d("99"), types.BUY); !ok {
		t.Error("favorable buy rejected")
	}
}

func TestValidateBalances(t *testing.T) {
	t.Parallel()

	m := newTestManager() // min 100,000 KRW

	if ok, _ := m.ValidateBalances(d("200000"), d("100"), d("1300")); !ok {
		t.Error("sufficient balances rejected")
	}
	if ok, reason := m.ValidateBalances(d("50000"), d("100"), d("1300")); ok || !strings.Contains(reason, "Insufficient KRW") {
		t.Errorf("low KRW accepted: %q", reason)
	}
	if ok, reason := m.ValidateBalances(d("200000"), d("10"), d("1300")); ok || !strings.Contains(reason, "Insufficient USDT") {
		t.Errorf("low USDT accepted: %q", reason)
	}
	if ok, reason := m.ValidateBalances(d("200000"), d("100"), decimal.Zero); ok || !strings.Contains(reason, "Exchange rate unavailable") {
		t.Errorf("missing rate accepted: %q", reason)
	}
}
