package venue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kimchi-arb/internal/store"
	"kimchi-arb/pkg/types"
)

// defaultTransferDelay approximates on-chain settlement in paper mode.
const defaultTransferDelay = 60 * time.Second

// PaperLedger is the virtual account book shared by both paper venues.
// Reads of market data still hit the live venues; everything that would
// move money is resolved against this ledger instead. Simulated transfers
// settle lazily: any read first credits transfers whose arrival time has
// passed.
type PaperLedger struct {
	mu            sync.Mutex
	store         *store.Store
	state         *store.PaperState
	now           func() time.Time
	transferDelay time.Duration
	logger        *slog.Logger
}

// NewPaperLedger restores the ledger from the store, seeding fresh
// balances when no saved state exists.
func NewPaperLedger(st *store.Store, seed map[types.Venue]map[string]decimal.Decimal, logger *slog.Logger) (*PaperLedger, error) {
	state, err := st.LoadPaperState()
	if err != nil {
		return nil, fmt.Errorf("restore paper ledger: %w", err)
	}
	if state == nil {
		state = &store.PaperState{
			Balances: map[types.Venue]map[string]decimal.Decimal{
				types.VenueKRW:  {},
				types.VenueUSDT: {},
			},
		}
		for venue, assets := range seed {
			for asset, amount := range assets {
				state.Balances[venue][strings.ToUpper(asset)] = amount
			}
		}
	}

	l := &PaperLedger{
		store:         st,
		state:         state,
		now:           time.Now,
		transferDelay: defaultTransferDelay,
		logger:        logger.With("component", "paper"),
	}
	if err := l.store.SavePaperState(l.state); err != nil {
		return nil, err
	}
	return l, nil
}

// SetClock overrides the ledger clock and transfer delay, for tests.
func (l *PaperLedger) SetClock(now func() time.Time, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.transferDelay = delay
}

// settleDue credits arrived transfers. Caller holds l.mu.
func (l *PaperLedger) settleDue() {
	now := l.now()
	for i := range l.state.Transfers {
		t := &l.state.Transfers[i]
		if t.Settled || now.Before(t.ArriveAt) {
			continue
		}
		t.Settled = true
		bal := l.state.Balances[t.To][t.Asset]
		l.state.Balances[t.To][t.Asset] = bal.Add(t.Amount)
		l.logger.Info("paper transfer settled",
			"asset", t.Asset, "amount", t.Amount, "to", t.To, "id", t.ID)
	}
}

// persist saves the ledger. Caller holds l.mu.
func (l *PaperLedger) persist() error {
	l.state.UpdatedAt = l.now()
	return l.store.SavePaperState(l.state)
}

func (l *PaperLedger) balance(venue types.Venue, asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleDue()
	return l.state.Balances[venue][strings.ToUpper(asset)]
}

// adjust applies deltas atomically: debit must not overdraw.
func (l *PaperLedger) adjust(venue types.Venue, debitAsset string, debit decimal.Decimal, creditAsset string, credit decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleDue()

	debitAsset = strings.ToUpper(debitAsset)
	creditAsset = strings.ToUpper(creditAsset)
	have := l.state.Balances[venue][debitAsset]
	if have.LessThan(debit) {
		return fmt.Errorf("paper %s: %s balance %s < %s: %w",
			venue, debitAsset, have, debit, ErrInsufficientBalance)
	}
	l.state.Balances[venue][debitAsset] = have.Sub(debit)
	if credit.IsPositive() {
		l.state.Balances[venue][creditAsset] = l.state.Balances[venue][creditAsset].Add(credit)
	}
	return l.persist()
}

// transfer debits the source venue and queues a delayed credit on the
// destination. netAmount is what arrives (on-chain fee already deducted).
func (l *PaperLedger) transfer(from, to types.Venue, asset string, grossAmount, netAmount decimal.Decimal, network string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleDue()

	asset = strings.ToUpper(asset)
	have := l.state.Balances[from][asset]
	if have.LessThan(grossAmount) {
		return "", fmt.Errorf("paper %s: %s balance %s < %s: %w",
			from, asset, have, grossAmount, ErrInsufficientBalance)
	}
	l.state.Balances[from][asset] = have.Sub(grossAmount)

	now := l.now()
	xfer := store.PaperTransfer{
		ID:          "paper-" + uuid.NewString(),
		Asset:       asset,
		Amount:      netAmount,
		From:        from,
		To:          to,
		Network:     network,
		InitiatedAt: now,
		ArriveAt:    now.Add(l.transferDelay),
	}
	l.state.Transfers = append(l.state.Transfers, xfer)
	if err := l.persist(); err != nil {
		return "", err
	}
	l.logger.Info("paper transfer initiated",
		"asset", asset, "amount", netAmount, "from", from, "to", to, "id", xfer.ID)
	return xfer.ID, nil
}

func (l *PaperLedger) deposits(to types.Venue, asset string, since time.Time) []types.DepositEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleDue()

	asset = strings.ToUpper(asset)
	var entries []types.DepositEntry
	for _, t := range l.state.Transfers {
		if t.To != to || t.Asset != asset {
			continue
		}
		if !since.IsZero() && t.ArriveAt.Before(since) {
			continue
		}
		entry := types.DepositEntry{
			Asset:  asset,
			Amount: t.Amount,
			TxID:   t.ID,
			State:  types.DepositPending,
		}
		if t.Settled {
			entry.State = types.DepositConfirmed
			entry.CompletedAt = t.ArriveAt
		}
		entries = append(entries, entry)
	}
	return entries
}

// Paper wraps a live venue client: market-data reads pass through,
// account reads and mutations are resolved against the shared ledger.
type Paper struct {
	inner       Client
	ledger      *PaperLedger
	takerFeePct decimal.Decimal // e.g. 0.05 for 0.05%
	// withdrawFee returns the fixed on-chain fee in the asset.
	withdrawFee func(asset string) decimal.Decimal
}

// NewPaper wraps inner with simulated execution. withdrawFee returns the
// venue's fixed on-chain fee for an asset.
func NewPaper(inner Client, ledger *PaperLedger, takerFeePct decimal.Decimal, withdrawFee func(string) decimal.Decimal) *Paper {
	return &Paper{
		inner:       inner,
		ledger:      ledger,
		takerFeePct: takerFeePct,
		withdrawFee: withdrawFee,
	}
}

func (p *Paper) Name() types.Venue { return p.inner.Name() }

func (p *Paper) Ticker(ctx context.Context, symbol string) (types.Quote, error) {
	return p.inner.Ticker(ctx, symbol)
}

func (p *Paper) OrderBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	return p.inner.OrderBook(ctx, symbol, depth)
}

func (p *Paper) ListMarkets(ctx context.Context) ([]string, error) {
	return p.inner.ListMarkets(ctx)
}

func (p *Paper) Balance(_ context.Context, asset string) (types.Balance, error) {
	free := p.ledger.balance(p.Name(), asset)
	return types.Balance{Asset: strings.ToUpper(asset), Free: free, Total: free}, nil
}

// quote is the venue's cash asset.
func (p *Paper) quote() string {
	if p.Name() == types.VenueKRW {
		return "KRW"
	}
	return "USDT"
}

func (p *Paper) feeFrac() decimal.Decimal {
	return p.takerFeePct.Div(decimal.NewFromInt(100))
}

func (p *Paper) MarketBuy(ctx context.Context, symbol string, quoteAmount decimal.Decimal) (types.Fill, error) {
	q, err := p.inner.Ticker(ctx, symbol)
	if err != nil {
		return types.Fill{}, err
	}
	if !q.Price.IsPositive() {
		return types.Fill{}, fmt.Errorf("paper buy %s: no price: %w", symbol, ErrTransient)
	}

	// The fee comes out of the spend; the remainder buys the coin.
	fee := quoteAmount.Mul(p.feeFrac())
	qty := quoteAmount.Sub(fee).Div(q.Price).Truncate(8)
	if err := p.ledger.adjust(p.Name(), p.quote(), quoteAmount, symbol, qty); err != nil {
		return types.Fill{}, err
	}
	return types.Fill{
		OrderID:     "paper-" + uuid.NewString(),
		Symbol:      symbol,
		Side:        types.BUY,
		ExecutedQty: qty,
		ExecutedAmt: quoteAmount,
		FeeQuote:    fee,
		AvgPrice:    q.Price,
		Timestamp:   time.Now(),
	}, nil
}

func (p *Paper) MarketSell(ctx context.Context, symbol string, baseQty decimal.Decimal) (types.Fill, error) {
	q, err := p.inner.Ticker(ctx, symbol)
	if err != nil {
		return types.Fill{}, err
	}
	if !q.Price.IsPositive() {
		return types.Fill{}, fmt.Errorf("paper sell %s: no price: %w", symbol, ErrTransient)
	}

	gross := baseQty.Mul(q.Price)
	fee := gross.Mul(p.feeFrac())
	proceeds := gross.Sub(fee)
	if err := p.ledger.adjust(p.Name(), symbol, baseQty, p.quote(), proceeds); err != nil {
		return types.Fill{}, err
	}
	return types.Fill{
		OrderID:     "paper-" + uuid.NewString(),
		Symbol:      symbol,
		Side:        types.SELL,
		ExecutedQty: baseQty,
		ExecutedAmt: proceeds,
		FeeQuote:    fee,
		AvgPrice:    q.Price,
		Timestamp:   time.Now(),
	}, nil
}

func (p *Paper) DepositAddress(_ context.Context, asset, network string) (types.DepositAddress, error) {
	asset = strings.ToUpper(asset)
	if network == "" {
		network = types.PreferredNetwork(asset)
	}
	return types.DepositAddress{
		Asset:   asset,
		Address: fmt.Sprintf("paper-%s-%s", p.Name(), strings.ToLower(asset)),
		Network: network,
	}, nil
}

func (p *Paper) Withdraw(_ context.Context, asset, _, _ string, amount decimal.Decimal, network string) (string, error) {
	fee := p.withdrawFee(strings.ToUpper(asset))
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return "", fmt.Errorf("paper withdraw %s: amount %s <= fee %s: %w",
			asset, amount, fee, ErrBelowMinimum)
	}
	return p.ledger.transfer(p.Name(), p.counterVenue(), asset, amount, net, network)
}

func (p *Paper) counterVenue() types.Venue {
	if p.Name() == types.VenueKRW {
		return types.VenueUSDT
	}
	return types.VenueKRW
}

func (p *Paper) DepositHistory(_ context.Context, asset string, since time.Time) ([]types.DepositEntry, error) {
	return p.ledger.deposits(p.Name(), asset, since), nil
}

func (p *Paper) VerifyAccess(context.Context) error { return nil }
