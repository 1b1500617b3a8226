// Package market resolves the tradable coin universe: the coins listed
// against KRW on the Korean venue and against USDT on the global one.
// Only coins present on both sides can complete an arbitrage cycle.
package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"kimchi-arb/internal/venue"
)

// Scanner recomputes the universe on demand and reports listing changes.
type Scanner struct {
	krw     venue.Client
	usdt    venue.Client
	monitor map[string]bool // nil = no restriction
	logger  *slog.Logger

	mu   sync.Mutex
	last []string
}

// NewScanner builds a scanner over both venues. A non-empty
// monitorCoins list restricts the universe to those symbols.
func NewScanner(krw, usdt venue.Client, monitorCoins []string, logger *slog.Logger) *Scanner {
	var monitor map[string]bool
	if len(monitorCoins) > 0 {
		monitor = make(map[string]bool, len(monitorCoins))
		for _, sym := range monitorCoins {
			monitor[sym] = true
		}
	}
	return &Scanner{
		krw:     krw,
		usdt:    usdt,
		monitor: monitor,
		logger:  logger.With("component", "scanner"),
	}
}

// Resolve fetches both venues' listings and returns their intersection,
// sorted. Symbols entering or leaving the universe since the previous
// resolution are logged.
func (s *Scanner) Resolve(ctx context.Context) ([]string, error) {
	krwMarkets, err := s.krw.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	usdtMarkets, err := s.usdt.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	onUsdt := make(map[string]bool, len(usdtMarkets))
	for _, sym := range usdtMarkets {
		onUsdt[sym] = true
	}

	next := make([]string, 0, len(krwMarkets))
	for _, sym := range krwMarkets {
		if !onUsdt[sym] {
			continue
		}
		if s.monitor != nil && !s.monitor[sym] {
			continue
		}
		next = append(next, sym)
	}
	sort.Strings(next)

	s.mu.Lock()
	prev := s.last
	s.last = next
	s.mu.Unlock()

	s.logChanges(prev, next)
	return next, nil
}

// Last returns the most recent resolution, nil before the first.
func (s *Scanner) Last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.last))
	copy(out, s.last)
	return out
}

func (s *Scanner) logChanges(prev, next []string) {
	inNext := make(map[string]bool, len(next))
	for _, sym := range next {
		inNext[sym] = true
	}
	inPrev := make(map[string]bool, len(prev))
	for _, sym := range prev {
		inPrev[sym] = true
		if !inNext[sym] {
			s.logger.Info("symbol removed from universe", "symbol", sym)
		}
	}
	for _, sym := range next {
		if !inPrev[sym] {
			s.logger.Info("symbol added to universe", "symbol", sym)
		}
	}
}
