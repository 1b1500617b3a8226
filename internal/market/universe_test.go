package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"kimchi-arb/internal/venue"
)

func listingVenue(markets *[]string) *venue.Mock {
	return &venue.Mock{
		ListMarketsFn: func(ctx context.Context) ([]string, error) {
			return *markets, nil
		},
	}
}

func TestResolveIntersectsAndSorts(t *testing.T) {
	t.Parallel()

	krw := []string{"XRP", "BTC", "DOGE", "ETH"}
	usdt := []string{"ETH", "SOL", "BTC", "XRP"}
	s := NewScanner(listingVenue(&krw), listingVenue(&usdt), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"BTC", "ETH", "XRP"}
	if len(got) != len(want) {
		t.Fatalf("universe = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("universe = %v, want %v", got, want)
		}
	}
}

func TestResolveHonorsMonitorList(t *testing.T) {
	t.Parallel()

	krw := []string{"BTC", "ETH", "XRP"}
	usdt := []string{"BTC", "ETH", "XRP"}
	s := NewScanner(listingVenue(&krw), listingVenue(&usdt),
		[]string{"XRP", "BTC"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 || got[0] != "BTC" || got[1] != "XRP" {
		t.Fatalf("universe = %v, want [BTC XRP]", got)
	}
}

func TestResolveTracksDelistings(t *testing.T) {
	t.Parallel()

	krw := []string{"BTC", "ETH", "XRP"}
	usdt := []string{"BTC", "ETH", "XRP"}
	s := NewScanner(listingVenue(&krw), listingVenue(&usdt), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := s.Resolve(context.Background()); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	krw = []string{"BTC", "ETH"}
	got, err := s.Resolve(context.Background())
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if len(got) != 2 || got[0] != "BTC" || got[1] != "ETH" {
		t.Fatalf("universe = %v, want [BTC ETH]", got)
	}
	last := s.Last()
	if len(last) != 2 {
		t.Fatalf("Last() = %v, want the refreshed universe", last)
	}
}

func TestResolveSurfacesVenueErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("listing unavailable")
	bad := &venue.Mock{
		ListMarketsFn: func(ctx context.Context) ([]string, error) {
			return nil, boom
		},
	}
	krw := []string{"BTC"}
	s := NewScanner(listingVenue(&krw), bad, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := s.Resolve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the venue error", err)
	}
	if last := s.Last(); len(last) != 0 {
		t.Fatalf("Last() = %v, want empty before a successful resolution", last)
	}
}
