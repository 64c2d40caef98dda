package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"signal-router/internal/config"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		TickInterval:         time.Second,
		MaxHoldDuration:      4 * time.Hour,
		EmergencyDrawdownPct: -50,
	}
}

type stubFeed struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
}

func newStubFeed() *stubFeed {
	return &stubFeed{prices: make(map[string]float64), errs: make(map[string]error)}
}

func (f *stubFeed) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *stubFeed) fail(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[symbol] = err
}

func (f *stubFeed) GetPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return 0, err
	}
	price, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

type mockCloser struct {
	mu      sync.Mutex
	calls   []CloseReason
	records []Record
	done    chan struct{}
}

func newMockCloser() *mockCloser {
	return &mockCloser{done: make(chan struct{}, 8)}
}

func (c *mockCloser) ClosePosition(_ context.Context, rec Record, reason CloseReason) error {
	c.mu.Lock()
	c.calls = append(c.calls, reason)
	c.records = append(c.records, rec)
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *mockCloser) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func openTestPosition(t *testing.T, m *Monitor, spec Spec) Record {
	t.Helper()
	rec, err := m.Open(context.Background(), spec)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return rec
}

func findOpen(t *testing.T, m *Monitor, id string) Record {
	t.Helper()
	for _, rec := range m.OpenPositions() {
		if rec.ID == id {
			return rec
		}
	}
	t.Fatalf("position %s not found among open positions", id)
	return Record{}
}

func TestOpen_Validation(t *testing.T) {
	m, err := NewMonitor(testMonitorConfig(), newStubFeed(), nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	cases := []Spec{
		{Side: SideLong, Quantity: 1, EntryPrice: 100},
		{Symbol: "BTCUSDT", Side: "SIDEWAYS", Quantity: 1, EntryPrice: 100},
		{Symbol: "BTCUSDT", Side: SideLong, Quantity: 0, EntryPrice: 100},
		{Symbol: "BTCUSDT", Side: SideLong, Quantity: 1, EntryPrice: 0},
	}
	for i, spec := range cases {
		if _, err := m.Open(context.Background(), spec); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}

	if _, err := NewMonitor(testMonitorConfig(), nil, nil, nil, nil, zap.NewNop()); err == nil {
		t.Errorf("expected error for nil price feed")
	}
}

func TestTrailingStop_TightensMonotonically(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	rec := openTestPosition(t, m, Spec{
		UserID:           "user-1",
		Symbol:           "BTCUSDT",
		Side:             SideLong,
		Quantity:         1,
		EntryPrice:       100,
		TrailingDistance: 5,
	})

	steps := []struct {
		mark     float64
		wantStop float64
	}{
		{95, 90},
		{98, 93},
		{98, 93},
		{102, 97},
	}

	for i, step := range steps {
		feed.set("BTCUSDT", step.mark)
		m.Tick(context.Background())

		got := findOpen(t, m, rec.ID)
		if got.StopLoss != step.wantStop {
			t.Errorf("step %d (mark %.0f): stop=%.2f want %.2f", i, step.mark, got.StopLoss, step.wantStop)
		}
	}
}

func TestTrailingStop_Short_LowersOnly(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	rec := openTestPosition(t, m, Spec{
		UserID:           "user-1",
		Symbol:           "ETHUSDT",
		Side:             SideShort,
		Quantity:         1,
		EntryPrice:       100,
		TrailingDistance: 5,
	})

	feed.set("ETHUSDT", 92)
	m.Tick(context.Background())
	if got := findOpen(t, m, rec.ID); got.StopLoss != 97 {
		t.Fatalf("expected stop 97 after drop to 92, got %.2f", got.StopLoss)
	}

	// 价格回升时空头止损不得放松。
	feed.set("ETHUSDT", 96)
	m.Tick(context.Background())
	if got := findOpen(t, m, rec.ID); got.StopLoss != 97 {
		t.Fatalf("stop loosened on rebound: got %.2f want 97", got.StopLoss)
	}
}

func TestStopLoss_ClosesSameTick(t *testing.T) {
	feed := newStubFeed()
	closer := newMockCloser()
	m, err := NewMonitor(testMonitorConfig(), feed, closer, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	rec := openTestPosition(t, m, Spec{
		UserID:     "user-1",
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   1,
		EntryPrice: 100,
		StopLoss:   95,
	})

	feed.set("BTCUSDT", 94)
	m.Tick(context.Background())

	if len(m.OpenPositions()) != 0 {
		t.Fatalf("position still open after stop loss hit")
	}

	closed, err := m.Close(context.Background(), rec.ID, CloseManual)
	if err != nil {
		t.Fatalf("reading closed record: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("expected status CLOSED, got %s", closed.Status)
	}
	if closed.CloseReason != CloseStopLoss {
		t.Errorf("expected close reason STOP_LOSS, got %s", closed.CloseReason)
	}
	if closed.RealizedPnL != -6 {
		t.Errorf("expected realized pnl -6, got %.2f", closed.RealizedPnL)
	}

	select {
	case <-closer.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("exchange-side close never attempted")
	}

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if len(closer.calls) != 1 || closer.calls[0] != CloseStopLoss {
		t.Errorf("unexpected close calls: %v", closer.calls)
	}
	if closer.records[0].ID != rec.ID {
		t.Errorf("closer received wrong position: %s", closer.records[0].ID)
	}
}

func TestClose_RetentionBounded(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}
	m.closedCap = 2

	var ids []string
	for i := 0; i < 3; i++ {
		rec := openTestPosition(t, m, Spec{
			UserID:     "user-1",
			Symbol:     "BTCUSDT",
			Side:       SideLong,
			Quantity:   1,
			EntryPrice: 100,
		})
		ids = append(ids, rec.ID)
		if _, err := m.Close(context.Background(), rec.ID, CloseManual); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
	}

	m.mu.RLock()
	retained := len(m.closed)
	m.mu.RUnlock()
	if retained != 2 {
		t.Fatalf("retained %d closed positions, want 2", retained)
	}

	// 最旧的记录超出窗口，重复平仓不再识别为幂等无操作。
	if _, err := m.Close(context.Background(), ids[0], CloseManual); err == nil {
		t.Errorf("expected error closing evicted position")
	}
	// 窗口内的记录仍按幂等处理。
	if _, err := m.Close(context.Background(), ids[2], CloseStopLoss); err != nil {
		t.Errorf("recent closed position should stay idempotent: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	feed := newStubFeed()
	closer := newMockCloser()
	m, err := NewMonitor(testMonitorConfig(), feed, closer, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	rec := openTestPosition(t, m, Spec{
		UserID:     "user-1",
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   1,
		EntryPrice: 100,
	})

	first, err := m.Close(context.Background(), rec.ID, CloseManual)
	if err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}

	second, err := m.Close(context.Background(), rec.ID, CloseStopLoss)
	if err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if second.CloseReason != first.CloseReason {
		t.Errorf("second close altered reason: got %s want %s", second.CloseReason, first.CloseReason)
	}
	if !second.ClosedAt.Equal(first.ClosedAt) {
		t.Errorf("second close altered timestamp")
	}

	metrics := m.Metrics()
	if metrics.TotalClosed != 1 {
		t.Errorf("duplicate close counted in metrics: TotalClosed=%d", metrics.TotalClosed)
	}

	select {
	case <-closer.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("exchange-side close never attempted")
	}
	time.Sleep(20 * time.Millisecond)
	if n := closer.callCount(); n != 1 {
		t.Errorf("exchange-side close attempted %d times, want 1", n)
	}

	if _, err := m.Close(context.Background(), "missing", CloseManual); err == nil {
		t.Errorf("expected error for unknown position id")
	}
}

func TestTick_FeedFailureIsolated(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	broken := openTestPosition(t, m, Spec{
		UserID: "user-1", Symbol: "BADUSDT", Side: SideLong, Quantity: 1, EntryPrice: 100,
	})
	healthy := openTestPosition(t, m, Spec{
		UserID: "user-1", Symbol: "BTCUSDT", Side: SideLong, Quantity: 1, EntryPrice: 100,
	})

	feed.fail("BADUSDT", errors.New("exchange down"))
	feed.set("BTCUSDT", 110)
	m.Tick(context.Background())

	if got := findOpen(t, m, healthy.ID); got.UnrealizedPnL != 10 {
		t.Errorf("healthy position not updated: pnl=%.2f want 10", got.UnrealizedPnL)
	}
	if got := findOpen(t, m, broken.ID); got.UnrealizedPnL != 0 {
		t.Errorf("broken feed position should keep stale pnl, got %.2f", got.UnrealizedPnL)
	}
}

func TestEmergencyDrawdown_Closes(t *testing.T) {
	feed := newStubFeed()
	cfg := testMonitorConfig()
	m, err := NewMonitor(cfg, feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	rec := openTestPosition(t, m, Spec{
		UserID:     "user-1",
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   1,
		EntryPrice: 100,
		Leverage:   10,
	})

	// 10倍杠杆下6%的价格回撤即-60%的仓位回撤，越过-50%紧急线。
	feed.set("BTCUSDT", 94)
	m.Tick(context.Background())

	closed, err := m.Close(context.Background(), rec.ID, CloseManual)
	if err != nil {
		t.Fatalf("reading closed record: %v", err)
	}
	if closed.CloseReason != CloseEmergencyStop {
		t.Errorf("expected EMERGENCY_STOP, got %s", closed.CloseReason)
	}
}

func TestTimeLimit_Closes(t *testing.T) {
	feed := newStubFeed()
	cfg := testMonitorConfig()
	cfg.MaxHoldDuration = time.Millisecond
	m, err := NewMonitor(cfg, feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	rec := openTestPosition(t, m, Spec{
		UserID:     "user-1",
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   1,
		EntryPrice: 100,
	})

	time.Sleep(5 * time.Millisecond)
	feed.set("BTCUSDT", 101)
	m.Tick(context.Background())

	closed, err := m.Close(context.Background(), rec.ID, CloseManual)
	if err != nil {
		t.Fatalf("reading closed record: %v", err)
	}
	if closed.CloseReason != CloseTimeLimit {
		t.Errorf("expected TIME_LIMIT, got %s", closed.CloseReason)
	}
}

func TestAlerts_FireOncePerRule(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	openTestPosition(t, m, Spec{
		UserID:     "user-1",
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		Quantity:   1,
		EntryPrice: 100,
		AlertPrice: 105,
	})

	feed.set("BTCUSDT", 106)
	m.Tick(context.Background())
	m.Tick(context.Background())

	if got := m.Metrics().AlertsTriggered; got != 1 {
		t.Errorf("alert fired %d times, want 1", got)
	}
}

func TestUserExposure_Aggregates(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	openTestPosition(t, m, Spec{UserID: "user-1", Symbol: "BTCUSDT", Side: SideLong, Quantity: 2, EntryPrice: 100})
	openTestPosition(t, m, Spec{UserID: "user-1", Symbol: "ETHUSDT", Side: SideShort, Quantity: 1, EntryPrice: 50})
	openTestPosition(t, m, Spec{UserID: "user-2", Symbol: "BTCUSDT", Side: SideLong, Quantity: 1, EntryPrice: 100})

	feed.set("BTCUSDT", 110)
	feed.set("ETHUSDT", 45)
	m.Tick(context.Background())

	exposure := m.UserExposure("user-1")
	if exposure.OpenPositions != 2 {
		t.Errorf("expected 2 open positions, got %d", exposure.OpenPositions)
	}
	// 多头 (110-100)*2 = 20，空头 (50-45)*1 = 5。
	if exposure.UnrealizedPnL != 25 {
		t.Errorf("expected aggregate pnl 25, got %.2f", exposure.UnrealizedPnL)
	}
	if exposure.Notional != 250 {
		t.Errorf("expected notional 250, got %.2f", exposure.Notional)
	}

	other := m.UserExposure("user-2")
	if other.OpenPositions != 1 {
		t.Errorf("expected 1 open position for user-2, got %d", other.OpenPositions)
	}
}

func TestMetrics_SuccessRate(t *testing.T) {
	feed := newStubFeed()
	m, err := NewMonitor(testMonitorConfig(), feed, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	winner := openTestPosition(t, m, Spec{UserID: "u", Symbol: "BTCUSDT", Side: SideLong, Quantity: 1, EntryPrice: 100})
	loser := openTestPosition(t, m, Spec{UserID: "u", Symbol: "ETHUSDT", Side: SideLong, Quantity: 1, EntryPrice: 50})

	feed.set("BTCUSDT", 120)
	feed.set("ETHUSDT", 40)
	m.Tick(context.Background())

	if _, err := m.Close(context.Background(), winner.ID, CloseManual); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := m.Close(context.Background(), loser.ID, CloseManual); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	metrics := m.Metrics()
	if metrics.TotalOpened != 2 || metrics.TotalClosed != 2 {
		t.Errorf("unexpected open/close counts: %d/%d", metrics.TotalOpened, metrics.TotalClosed)
	}
	if metrics.Profitable != 1 {
		t.Errorf("expected 1 profitable close, got %d", metrics.Profitable)
	}
	if metrics.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %.2f", metrics.SuccessRate)
	}
	if metrics.RealizedPnL != 10 {
		t.Errorf("expected realized pnl 10, got %.2f", metrics.RealizedPnL)
	}
}
