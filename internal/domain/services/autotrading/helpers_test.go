package autotrading_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Hungruong/money-mate/internal/domain/entities"
	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/internal/domain/services/strategy"
	"github.com/Hungruong/money-mate/internal/infrastructure/repositories"
	"github.com/Hungruong/money-mate/pkg/logger"
)

var errBalanceDown = errors.New("user service down")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// mockClock is a settable clock
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

// seqRand returns the queued values in order, then zeros
type seqRand struct {
	mu   sync.Mutex
	vals []int
}

func (r *seqRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.vals) == 0 {
		return 0
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v % n
}

// mockPrices implements autotrading.PriceProvider for testing
type mockPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
	// onGet runs after every lookup, outside the lock
	onGet func(symbol string)
}

func newMockPrices() *mockPrices {
	return &mockPrices{prices: make(map[string]decimal.Decimal)}
}

func (m *mockPrices) Set(symbol, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = d(price)
}

func (m *mockPrices) SetAll(symbols []string, price string) {
	for _, s := range symbols {
		m.Set(s, price)
	}
}

func (m *mockPrices) Remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prices, symbol)
}

func (m *mockPrices) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockPrices) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	m.calls++
	p, ok := m.prices[symbol]
	hook := m.onGet
	m.mu.Unlock()
	if hook != nil {
		hook(symbol)
	}
	if !ok {
		return decimal.Zero, domainerrors.PriceUnavailableError(symbol, nil)
	}
	return p, nil
}

type balanceCall struct {
	userID uuid.UUID
	delta  decimal.Decimal
}

// mockBalance implements autotrading.BalanceAdjuster for testing
type mockBalance struct {
	mu         sync.Mutex
	calls      []balanceCall
	failDebit  bool
	failCredit bool
	// failAfter fails every call once that many have succeeded; negative disables
	failAfter int
	// onAdjust runs before every adjustment, outside the lock
	onAdjust func(delta decimal.Decimal)
}

func newMockBalance() *mockBalance {
	return &mockBalance{failAfter: -1}
}

func (m *mockBalance) AdjustAutoTradingBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	if m.onAdjust != nil {
		m.onAdjust(delta)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter >= 0 && len(m.calls) >= m.failAfter {
		return domainerrors.ServiceUnavailableError("user", errBalanceDown)
	}
	if delta.IsNegative() && m.failDebit {
		return domainerrors.ServiceUnavailableError("user", errBalanceDown)
	}
	if delta.IsPositive() && m.failCredit {
		return errBalanceDown
	}
	m.calls = append(m.calls, balanceCall{userID: userID, delta: delta})
	return nil
}

func (m *mockBalance) Calls() []balanceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]balanceCall(nil), m.calls...)
}

func (m *mockBalance) Net() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range m.Calls() {
		sum = sum.Add(c.delta)
	}
	return sum
}

// failingCreateRepo refuses to persist new investments
type failingCreateRepo struct {
	*repositories.MemoryInvestmentRepository
}

var errLedgerDown = errors.New("ledger unavailable")

func (r *failingCreateRepo) CreateWithTransaction(ctx context.Context, inv *entities.Investment, tx *entities.Transaction) error {
	return errLedgerDown
}

func (r *failingCreateRepo) CreateBook(ctx context.Context, invs []*entities.Investment, txs []*entities.Transaction) error {
	return errLedgerDown
}

// mockNotifier implements autotrading.Notifier for testing
type mockNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (m *mockNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, message)
	return nil
}

func (m *mockNotifier) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// harness wires the engine over the in-memory ledger
type harness struct {
	investments *repositories.MemoryInvestmentRepository
	tradeLogs   *repositories.MemoryTradeLogRepository
	gaps        *repositories.MemoryReconciliationGapRepository
	prices      *mockPrices
	balance     *mockBalance
	notifier    *mockNotifier
	clock       *mockClock
	rnd         *seqRand
	catalog     *strategy.Catalog
	allocator   *autotrading.Allocator
	executor    *autotrading.Executor
	evaluator   *autotrading.Evaluator
	monitor     *autotrading.TerminationMonitor
	service     *autotrading.Service
}

type harnessOption func(*autotrading.Config)

func withStartMode(mode string) harnessOption {
	return func(c *autotrading.Config) { c.StartMode = mode }
}

func withConflictRetries(n int) harnessOption {
	return func(c *autotrading.Config) { c.ConflictRetries = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := autotrading.Config{StartMode: autotrading.StartModePortfolio, ConflictRetries: 3}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := repositories.NewMemoryStore()
	log := logger.NewNop()
	h := &harness{
		investments: repositories.NewMemoryInvestmentRepository(store),
		tradeLogs:   repositories.NewMemoryTradeLogRepository(store),
		gaps:        repositories.NewMemoryReconciliationGapRepository(store),
		prices:      newMockPrices(),
		balance:     newMockBalance(),
		notifier:    &mockNotifier{},
		clock:       newMockClock(),
		rnd:         &seqRand{},
		catalog:     strategy.NewCatalog(),
	}
	h.allocator = autotrading.NewAllocator(h.catalog, h.investments, h.rnd, h.clock)
	h.executor = autotrading.NewExecutor(h.investments, h.gaps, h.balance, h.clock, log)
	h.evaluator = autotrading.NewEvaluator(h.catalog, h.investments, h.tradeLogs, h.prices,
		h.allocator, h.executor, h.clock, log, autotrading.WithPausedMonitoring(true))
	h.service = autotrading.NewService(h.allocator, h.executor, h.investments, h.tradeLogs, h.gaps,
		h.prices, h.notifier, autotrading.NewLocalUserLocker(), h.clock, cfg, log)
	h.monitor = autotrading.NewTerminationMonitor(h.catalog, h.investments, h.service, h.notifier,
		autotrading.NewLocalNotificationGate(h.clock), h.clock, log, 30, 24*time.Hour)
	return h
}

// priceUniverse quotes every symbol of the tier at price
func (h *harness) priceUniverse(t *testing.T, s entities.Strategy, price string) {
	t.Helper()
	p, err := h.catalog.Profile(s)
	require.NoError(t, err)
	h.prices.SetAll(p.Universe(), price)
}

// open persists a filled auto position directly through the executor
func (h *harness) open(t *testing.T, userID uuid.UUID, s entities.Strategy, symbol, capital, price string) *entities.Investment {
	t.Helper()
	inv := entities.NewAutoInvestment(userID, s, symbol, d(capital), h.clock.Now())
	res, err := h.executor.OpenPosition(context.Background(), inv, d(price))
	require.NoError(t, err)
	return res.Investment
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *entities.Investment {
	t.Helper()
	inv, err := h.investments.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

func (h *harness) book(t *testing.T, userID uuid.UUID) []*entities.Investment {
	t.Helper()
	invs, err := h.investments.ListAutoByUser(context.Background(), userID)
	require.NoError(t, err)
	return invs
}

// requireLedgerInvariants checks the quantity identity on every position
func requireLedgerInvariants(t *testing.T, invs []*entities.Investment) {
	t.Helper()
	for _, inv := range invs {
		require.True(t, inv.CurrentQuantity.Equal(inv.TotalBoughtQuantity.Sub(inv.TotalSoldQuantity)),
			"quantity identity broken for %s", inv.Symbol)
		require.False(t, inv.CurrentQuantity.IsNegative(), "negative quantity for %s", inv.Symbol)
		if inv.Status == entities.InvestmentStatusClosed {
			require.True(t, inv.CurrentQuantity.IsZero(), "closed position %s still holds units", inv.Symbol)
		}
	}
}
