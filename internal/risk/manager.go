// Package risk enforces trading limits and halts the system when losses
// run away.
//
// The Manager is the single serialization point of the bot: admission,
// lifecycle registration, emergency checks, and snapshots all run under
// one mutex, so concurrent strategies cannot race the counters. Daily
// counters roll at the first admission check after a local-date change;
// exposure survives the roll because open trades keep counting.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kimchi-arb/pkg/types"
)

// Limits are the immutable risk bounds, all KRW amounts and percents.
type Limits struct {
	MaxSingleTradeKrw  decimal.Decimal
	MaxDailyVolumeKrw  decimal.Decimal
	MaxConcurrent      int
	MaxSlippagePct     decimal.Decimal
	EmergencyLossPct   decimal.Decimal
	MinVenueBalanceKrw decimal.Decimal
	MaxExposurePct     decimal.Decimal
}

// Counters are the rolling daily totals.
type Counters struct {
	DayKey       string
	VolumeKrw    decimal.Decimal
	ProfitKrw    decimal.Decimal
	LossKrw      decimal.Decimal
	TradeCount   int
	SuccessCount int
	FailCount    int
	ExposureKrw  decimal.Decimal
}

// Snapshot is a point-in-time copy of the manager's state for metrics
// and the dashboard.
type Snapshot struct {
	Counters     Counters
	ActiveTrades int
	Tripped      bool
	TripReason   string
}

// Manager gatekeeps trade admission and tracks outcomes.
type Manager struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	ctr     Counters
	active  map[string]decimal.Decimal // trade ID → sized amount
	tripped bool
	reason  string
	alertCh chan string
}

// NewManager builds a manager with zeroed counters for today.
func NewManager(limits Limits, logger *slog.Logger) *Manager {
	m := &Manager{
		limits:  limits,
		logger:  logger.With("component", "risk"),
		now:     time.Now,
		active:  make(map[string]decimal.Decimal),
		alertCh: make(chan string, 1),
	}
	m.ctr.DayKey = m.now().Format("2006-01-02")
	return m
}

// SetClock overrides the manager clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AlertCh delivers emergency-stop reasons. Buffered with one slot; the
// latest alert wins if nobody is listening.
func (m *Manager) AlertCh() <-chan string {
	return m.alertCh
}

// emitAlert publishes without blocking, dropping a stale unread alert.
func (m *Manager) emitAlert(reason string) {
	select {
	case m.alertCh <- reason:
	default:
		select {
		case <-m.alertCh:
		default:
		}
		select {
		case m.alertCh <- reason:
		default:
		}
	}
}

// rollIfNewDay resets daily counters on a local-date change, preserving
// exposure. Caller holds m.mu.
func (m *Manager) rollIfNewDay() {
	today := m.now().Format("2006-01-02")
	if today == m.ctr.DayKey {
		return
	}
	m.logger.Info("rolling daily risk counters", "day", today)
	m.ctr = Counters{
		DayKey:      today,
		ExposureKrw: m.ctr.ExposureKrw,
	}
}

// maxExposure is maxDailyVolumeKrw × maxExposurePct / 100. Caller holds
// m.mu.
func (m *Manager) maxExposure() decimal.Decimal {
	return m.limits.MaxDailyVolumeKrw.Mul(m.limits.MaxExposurePct).
		Div(decimal.NewFromInt(100))
}

// CanExecute runs the admission predicates in order and returns the
// first failing reason. An active emergency stop fails admission before
// any predicate runs.
func (m *Manager) CanExecute(opp *types.Opportunity) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollIfNewDay()

	if m.tripped {
		return false, fmt.Sprintf("Emergency stop active: %s", m.reason)
	}
	if len(m.active) >= m.limits.MaxConcurrent {
		return false, fmt.Sprintf("Maximum concurrent trades reached (%d)", m.limits.MaxConcurrent)
	}
	if opp.SizedAmountKrw.GreaterThan(m.limits.MaxSingleTradeKrw) {
		return false, fmt.Sprintf("Trade amount exceeds single trade limit (%s KRW)",
			m.limits.MaxSingleTradeKrw)
	}
	if m.ctr.VolumeKrw.Add(opp.SizedAmountKrw).GreaterThan(m.limits.MaxDailyVolumeKrw) {
		return false, fmt.Sprintf("Trade would exceed daily volume limit (%s KRW)",
			m.limits.MaxDailyVolumeKrw)
	}
	if m.ctr.ExposureKrw.Add(opp.SizedAmountKrw).GreaterThan(m.maxExposure()) {
		return false, "Trade would exceed maximum exposure limit"
	}
	if !opp.NetProfitPct().IsPositive() {
		return false, "Trade opportunity no longer profitable"
	}
	return true, "Trade approved"
}

// RegisterStart records an admitted trade: exposure grows by the sized
// amount and the trade counter increments.
func (m *Manager) RegisterStart(tradeID string, opp *types.Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[tradeID] = opp.SizedAmountKrw
	m.ctr.ExposureKrw = m.ctr.ExposureKrw.Add(opp.SizedAmountKrw)
	m.ctr.TradeCount++
}

// RegisterEnd settles a trade: exposure is released, the sized amount
// counts toward daily volume, and profit or loss is booked.
func (m *Manager) RegisterEnd(tradeID string, realizedProfitKrw decimal.Decimal, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sized, ok := m.active[tradeID]
	if !ok {
		m.logger.Warn("unknown trade in RegisterEnd", "trade_id", tradeID)
		return
	}
	delete(m.active, tradeID)
	m.ctr.ExposureKrw = m.ctr.ExposureKrw.Sub(sized)
	m.ctr.VolumeKrw = m.ctr.VolumeKrw.Add(sized)

	if success {
		m.ctr.SuccessCount++
		if realizedProfitKrw.IsPositive() {
			m.ctr.ProfitKrw = m.ctr.ProfitKrw.Add(realizedProfitKrw)
		} else {
			m.ctr.LossKrw = m.ctr.LossKrw.Add(realizedProfitKrw.Abs())
		}
	} else {
		m.ctr.FailCount++
		m.ctr.LossKrw = m.ctr.LossKrw.Add(realizedProfitKrw.Abs())
	}
}

// CheckEmergencyStop evaluates the loss-ratio and failure-rate trips.
// Once tripped, the latch stays set until Reset.
func (m *Manager) CheckEmergencyStop() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tripped {
		return true, m.reason
	}

	if m.ctr.VolumeKrw.IsPositive() {
		lossRate := m.ctr.LossKrw.Div(m.ctr.VolumeKrw).Mul(decimal.NewFromInt(100))
		if lossRate.GreaterThan(m.limits.EmergencyLossPct) {
			m.trip(fmt.Sprintf("Emergency stop triggered: Daily loss %s%% exceeds limit",
				lossRate.StringFixed(2)))
			return true, m.reason
		}
	}

	if m.ctr.TradeCount > 10 {
		failRate := decimal.NewFromInt(int64(m.ctr.FailCount)).
			Div(decimal.NewFromInt(int64(m.ctr.TradeCount))).
			Mul(decimal.NewFromInt(100))
		if failRate.GreaterThan(decimal.NewFromInt(50)) {
			m.trip(fmt.Sprintf("Emergency stop triggered: High failure rate %s%%",
				failRate.StringFixed(1)))
			return true, m.reason
		}
	}

	return false, "System operating normally"
}

// trip latches the stop and alerts. Caller holds m.mu.
func (m *Manager) trip(reason string) {
	m.tripped = true
	m.reason = reason
	m.logger.Error("EMERGENCY STOP", "reason", reason)
	m.emitAlert(reason)
}

// Reset clears the emergency latch. Operator-only; nothing in the bot
// calls this on its own.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tripped {
		return
	}
	m.logger.Warn("emergency stop reset by operator", "previous_reason", m.reason)
	m.tripped = false
	m.reason = ""
}

// CheckSlippage compares an expected against an executed price in the
// adverse direction for the side. Returns whether the fill is within
// the limit and the signed slippage percent.
func (m *Manager) CheckSlippage(expected, actual decimal.Decimal, side types.Side) (bool, decimal.Decimal) {
	if !expected.IsPositive() {
		return false, decimal.Decimal{}
	}

	var slippage decimal.Decimal
	if side == types.BUY {
		slippage = actual.Sub(expected).Div(expected).Mul(decimal.NewFromInt(100))
	} else {
		slippage = expected.Sub(actual).Div(expected).Mul(decimal.NewFromInt(100))
	}

	m.mu.Lock()
	limit := m.limits.MaxSlippagePct
	m.mu.Unlock()
	return !slippage.GreaterThan(limit), slippage
}

// ValidateBalances checks both venues carry at least the minimum working
// balance, the USDT side converted at the given rate.
func (m *Manager) ValidateBalances(krwBalance, usdtBalance, usdKrwRate decimal.Decimal) (bool, string) {
	if !usdKrwRate.IsPositive() {
		return false, "Cannot validate balances: Exchange rate unavailable"
	}

	m.mu.Lock()
	minBalance := m.limits.MinVenueBalanceKrw
	m.mu.Unlock()

	if krwBalance.LessThan(minBalance) {
		return false, fmt.Sprintf("Insufficient KRW venue balance: %s < %s",
			krwBalance, minBalance)
	}
	usdtKrw := usdtBalance.Mul(usdKrwRate)
	if usdtKrw.LessThan(minBalance) {
		return false, fmt.Sprintf("Insufficient USDT venue balance: %s KRW equivalent", usdtKrw)
	}
	return true, "Balances sufficient"
}

// Limits returns the configured bounds (immutable).
func (m *Manager) Limits() Limits {
	return m.limits
}

// Snapshot copies current counters and latch state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Counters:     m.ctr,
		ActiveTrades: len(m.active),
		Tripped:      m.tripped,
		TripReason:   m.reason,
	}
}
