package fx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeSource is a scriptable Source whose behavior a test can flip
// between calls.
type fakeSource struct {
	name  string
	rate  decimal.Decimal
	err   error
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Decimal{}, f.err
	}
	return f.rate, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateCachesInsideFreshWindow(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "a", rate: d("1300")}
	p := NewProvider([]Source{src}, 5*time.Minute, testLogger())
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	rate, stale, err := p.Rate(context.Background())
	if err != nil || stale {
		t.Fatalf("Rate: rate=%s stale=%v err=%v", rate, stale, err)
	}
	if !rate.Equal(d("1300")) {
		t.Errorf("rate = %s, want 1300", rate)
	}

	// Second call inside the window must not refetch.
	now = now.Add(time.Minute)
	if _, _, err := p.Rate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("source called %d times inside fresh window, want 1", src.calls)
	}

	// Past the window it refetches.
	now = now.Add(10 * time.Minute)
	if _, _, err := p.Rate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("source called %d times after expiry, want 2", src.calls)
	}
}

func TestRateFallsThroughSourceChain(t *testing.T) {
	t.Parallel()

	primary := &fakeSource{name: "primary", err: errors.New("down")}
	backup := &fakeSource{name: "backup", rate: d("1310")}
	p := NewProvider([]Source{primary, backup}, 5*time.Minute, testLogger())

	rate, stale, err := p.Rate(context.Background())
	if err != nil || stale {
		t.Fatalf("Rate: stale=%v err=%v", stale, err)
	}
	if !rate.Equal(d("1310")) {
		t.Errorf("rate = %s, want 1310 from backup", rate)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, backup.calls)
	}
}

// All sources fail after one good fetch: the cached value keeps serving,
// flagged stale, until the hard ceiling, then the provider refuses.
func TestRateStaleFallbackAndHardCeiling(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "a", rate: d("1305")}
	p := NewProvider([]Source{src}, 5*time.Minute, testLogger())
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	if _, _, err := p.Rate(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.err = errors.New("outage")

	// 10 minutes later: past fresh, inside the ceiling.
	now = now.Add(10 * time.Minute)
	rate, stale, err := p.Rate(context.Background())
	if err != nil {
		t.Fatalf("expected stale rate, got error: %v", err)
	}
	if !stale {
		t.Error("rate should be flagged stale")
	}
	if !rate.Equal(d("1305")) {
		t.Errorf("stale rate = %s, want 1305", rate)
	}

	// Past the one-hour ceiling: unavailable.
	now = now.Add(2 * time.Hour)
	_, _, err = p.Rate(context.Background())
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("err = %v, want ErrRateUnavailable", err)
	}
}

func TestRateRejectsNonPositive(t *testing.T) {
	t.Parallel()

	bad := &fakeSource{name: "bad", rate: decimal.Zero}
	good := &fakeSource{name: "good", rate: d("1299.5")}
	p := NewProvider([]Source{bad, good}, 5*time.Minute, testLogger())

	rate, _, err := p.Rate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Equal(d("1299.5")) {
		t.Errorf("rate = %s, want 1299.5 (zero rate skipped)", rate)
	}
}

func TestRateUnavailableWithEmptyCache(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "a", err: errors.New("down")}
	p := NewProvider([]Source{src}, 5*time.Minute, testLogger())

	_, _, err := p.Rate(context.Background())
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("err = %v, want ErrRateUnavailable", err)
	}
}
