// Package store provides crash-safe persistence using JSON files.
//
// Two artifacts live in the data directory: paper_state.json, the virtual
// ledger of the paper-trading mode (balances per venue, in-flight simulated
// transfers), and trades.jsonl, an append-only log of completed trade
// cycles. Writes to the state file use atomic replacement (write to .tmp,
// then rename) so a crash mid-save never leaves a torn file.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/pkg/types"
)

const (
	paperStateFile = "paper_state.json"
	tradeLogFile   = "trades.jsonl"
)

// PaperTransfer is one simulated on-chain transfer in the virtual ledger.
// The amount is credited on the destination venue once ArriveAt passes.
type PaperTransfer struct {
	ID          string          `json:"id"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	From        types.Venue     `json:"from"`
	To          types.Venue     `json:"to"`
	Network     string          `json:"network"`
	InitiatedAt time.Time       `json:"initiated_at"`
	ArriveAt    time.Time       `json:"arrive_at"`
	Settled     bool            `json:"settled"`
}

// PaperState is the persisted virtual ledger: free balances keyed by venue
// then asset, plus the transfer queue.
type PaperState struct {
	Balances  map[types.Venue]map[string]decimal.Decimal `json:"balances"`
	Transfers []PaperTransfer                            `json:"transfers"`
	UpdatedAt time.Time                                  `json:"updated_at"`
}

// Store persists the paper ledger and trade log in one directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePaperState atomically persists the virtual ledger.
func (s *Store) SavePaperState(state *PaperState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal paper state: %w", err)
	}

	path := filepath.Join(s.dir, paperStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write paper state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadPaperState restores the virtual ledger from disk.
// Returns nil, nil if no saved state exists (fresh start).
func (s *Store) LoadPaperState() (*PaperState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, paperStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read paper state: %w", err)
	}

	var state PaperState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal paper state: %w", err)
	}
	return &state, nil
}

// AppendTrade appends one completed trade cycle to trades.jsonl.
func (s *Store) AppendTrade(trade *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, tradeLogFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

// ReadTrades returns up to limit most recent trades from the log
// (limit <= 0 means all). Malformed lines are skipped.
func (s *Store) ReadTrades(limit int) ([]types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, tradeLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	var trades []types.Trade
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var trade types.Trade
		if err := json.Unmarshal(scanner.Bytes(), &trade); err != nil {
			continue
		}
		trades = append(trades, trade)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan trade log: %w", err)
	}

	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}
