package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPremiumSnapshotSigns(t *testing.T) {
	t.Parallel()

	p := PremiumSnapshot{Premium: d("1.01")}
	if !p.KimchiPremium() || p.ReversePremium() {
		t.Error("positive premium should classify as kimchi premium")
	}

	p.Premium = d("-0.99")
	if p.KimchiPremium() || !p.ReversePremium() {
		t.Error("negative premium should classify as reverse premium")
	}

	p.Premium = decimal.Zero
	if p.KimchiPremium() || p.ReversePremium() {
		t.Error("zero premium is neither direction")
	}
}

func TestOpportunityNetProfit(t *testing.T) {
	t.Parallel()

	o := Opportunity{
		ExpectedProfitPct: d("0.99"),
		EstFeesPct:        d("0.4"),
		SafetyMarginPct:   d("0.1"),
	}
	if got := o.NetProfitPct(); !got.Equal(d("0.49")) {
		t.Errorf("NetProfitPct = %s, want 0.49", got)
	}
}

func TestTradeRecordStep(t *testing.T) {
	t.Parallel()

	tr := Trade{ID: "t1", State: StateStart}
	tr.RecordStep(TradeStep{State: StateBuyingKrw, Venue: VenueKRW, Asset: "BTC"})
	tr.RecordStep(TradeStep{State: StateXferOut, Venue: VenueKRW, Asset: "BTC"})

	if tr.State != StateXferOut {
		t.Errorf("State = %s, want %s", tr.State, StateXferOut)
	}
	if len(tr.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(tr.Steps))
	}
	if tr.Steps[0].Timestamp.IsZero() {
		t.Error("RecordStep should stamp missing timestamps")
	}

	if _, ok := tr.StepFor(StateBuyingKrw); !ok {
		t.Error("StepFor should find recorded state")
	}
	if _, ok := tr.StepFor(StateCompleted); ok {
		t.Error("StepFor should not find unrecorded state")
	}
}

func TestPreferredNetwork(t *testing.T) {
	t.Parallel()

	if got := PreferredNetwork("USDT"); got != "TRC20" {
		t.Errorf("PreferredNetwork(USDT) = %s, want TRC20", got)
	}
	if got := PreferredNetwork("NEWCOIN"); got != "NEWCOIN" {
		t.Errorf("PreferredNetwork falls back to the asset chain, got %s", got)
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	for _, s := range []TradeState{StateCompleted, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TradeState{StateStart, StateRecovery, StateAwaitXferOut} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
