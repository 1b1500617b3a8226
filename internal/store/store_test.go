package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/pkg/types"
)

func TestPaperStateRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Fresh store has no state.
	state, err := s.LoadPaperState()
	if err != nil {
		t.Fatalf("LoadPaperState: %v", err)
	}
	if state != nil {
		t.Fatal("expected nil state for fresh store")
	}

	want := &PaperState{
		Balances: map[types.Venue]map[string]decimal.Decimal{
			types.VenueKRW:  {"KRW": decimal.NewFromInt(10_000_000)},
			types.VenueUSDT: {"USDT": decimal.NewFromInt(7_000)},
		},
		Transfers: []PaperTransfer{{
			ID:          "xfer-1",
			Asset:       "XRP",
			Amount:      decimal.NewFromInt(500),
			From:        types.VenueKRW,
			To:          types.VenueUSDT,
			Network:     "XRP",
			InitiatedAt: time.Now().UTC().Truncate(time.Second),
			ArriveAt:    time.Now().UTC().Add(time.Minute).Truncate(time.Second),
		}},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SavePaperState(want); err != nil {
		t.Fatalf("SavePaperState: %v", err)
	}

	got, err := s.LoadPaperState()
	if err != nil {
		t.Fatalf("LoadPaperState: %v", err)
	}
	if got == nil {
		t.Fatal("expected saved state")
	}
	if !got.Balances[types.VenueKRW]["KRW"].Equal(decimal.NewFromInt(10_000_000)) {
		t.Errorf("KRW balance = %s", got.Balances[types.VenueKRW]["KRW"])
	}
	if len(got.Transfers) != 1 || got.Transfers[0].ID != "xfer-1" {
		t.Errorf("transfers = %+v", got.Transfers)
	}
	if got.Transfers[0].Settled {
		t.Error("transfer should be unsettled")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SavePaperState(&PaperState{UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, paperStateFile+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestTradeLogAppendAndRead(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Empty log reads as nil.
	trades, err := s.ReadTrades(0)
	if err != nil {
		t.Fatalf("ReadTrades: %v", err)
	}
	if trades != nil {
		t.Fatal("expected no trades")
	}

	for i, id := range []string{"t-1", "t-2", "t-3"} {
		trade := &types.Trade{
			ID: id,
			Opportunity: types.Opportunity{
				Symbol:    "BTC",
				Direction: types.DirectionForward,
			},
			State:             types.StateCompleted,
			Outcome:           types.OutcomeCompleted,
			RealizedProfitKrw: decimal.NewFromInt(int64(1000 * (i + 1))),
		}
		if err := s.AppendTrade(trade); err != nil {
			t.Fatalf("AppendTrade %s: %v", id, err)
		}
	}

	trades, err = s.ReadTrades(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 3 {
		t.Fatalf("len = %d, want 3", len(trades))
	}
	if trades[0].ID != "t-1" || trades[2].ID != "t-3" {
		t.Error("trade order not preserved")
	}

	recent, err := s.ReadTrades(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "t-2" {
		t.Errorf("ReadTrades(2) = %+v, want last two", recent)
	}
}
