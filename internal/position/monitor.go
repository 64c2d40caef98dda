package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-router/internal/config"
	"signal-router/internal/events"
	"signal-router/internal/store"
)

// PriceFeed 提供标记价格。
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Closer 负责在交易所侧撤出仓位。平仓时尽力而为地调用：
// 失败只记日志，本地状态照常迁移到 CLOSED。
type Closer interface {
	ClosePosition(ctx context.Context, rec Record, reason CloseReason) error
}

type journal interface {
	InsertPositionEvent(ctx context.Context, rec store.PositionEventRecord) error
}

// 已关闭仓位在内存中的保留条数上限。
const defaultClosedRetention = 1024

// Monitor 维护活跃仓位注册表，按固定节奏重算盈亏并执行保护规则。
// ACTIVE 仓位的可变字段只由监控循环写入。
type Monitor struct {
	cfg     config.MonitorConfig
	feed    PriceFeed
	closer  Closer
	journal journal
	bus     *events.Bus
	logger  *zap.Logger

	mu      sync.RWMutex
	open    map[string]*Record
	metrics Metrics

	// 已关闭仓位只为幂等去重与近期查询保留有限窗口，
	// 完整历史在仓位事件流水表里。
	closed      map[string]Record
	closedOrder []string
	closedCap   int

	wg sync.WaitGroup
}

// NewMonitor 创建仓位监控器。closer、journal、bus 可为 nil（测试场景）。
func NewMonitor(cfg config.MonitorConfig, feed PriceFeed, closer Closer, j journal, bus *events.Bus, logger *zap.Logger) (*Monitor, error) {
	if feed == nil {
		return nil, errors.New("position: 价格源不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		cfg:       cfg,
		feed:      feed,
		closer:    closer,
		journal:   j,
		bus:       bus,
		logger:    logger,
		open:      make(map[string]*Record),
		closed:    make(map[string]Record),
		closedCap: defaultClosedRetention,
	}, nil
}

// Open 注册一个新的活跃仓位。
func (m *Monitor) Open(ctx context.Context, spec Spec) (Record, error) {
	if spec.Symbol == "" {
		return Record{}, errors.New("position: 开仓缺少符号")
	}
	if spec.Side != SideLong && spec.Side != SideShort {
		return Record{}, fmt.Errorf("position: 开仓方向无效: %q", spec.Side)
	}
	if spec.Quantity <= 0 {
		return Record{}, errors.New("position: 开仓数量必须大于0")
	}
	if spec.EntryPrice <= 0 {
		return Record{}, errors.New("position: 开仓价格必须大于0")
	}

	now := time.Now().UTC()
	leverage := spec.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	rec := &Record{
		ID:               uuid.NewString(),
		UserID:           spec.UserID,
		Exchange:         spec.Exchange,
		Symbol:           spec.Symbol,
		Side:             spec.Side,
		Quantity:         spec.Quantity,
		EntryPrice:       spec.EntryPrice,
		MarkPrice:        spec.EntryPrice,
		Leverage:         leverage,
		Notional:         spec.Quantity * spec.EntryPrice,
		StopLoss:         spec.StopLoss,
		TakeProfit:       spec.TakeProfit,
		TrailingDistance: spec.TrailingDistance,
		OpenedAt:         now,
		UpdatedAt:        now,
		Status:           StatusActive,
		alertPrice:       spec.AlertPrice,
		alertPnLPct:      spec.AlertPnLPct,
		alertAfterAge:    spec.AlertAfterAge,
	}

	m.mu.Lock()
	m.open[rec.ID] = rec
	m.metrics.TotalOpened++
	snapshot := *rec
	m.mu.Unlock()

	m.logger.Info("仓位已登记",
		zap.String("position", rec.ID),
		zap.String("user", rec.UserID),
		zap.String("symbol", rec.Symbol),
		zap.String("side", string(rec.Side)),
		zap.Float64("quantity", rec.Quantity),
		zap.Float64("entry", rec.EntryPrice),
	)

	m.recordEvent(ctx, snapshot, "opened", "")
	m.publish(events.TypePositionOpened, snapshot.UserID, snapshot)

	return snapshot, nil
}

// Run 以固定间隔驱动 Tick，直到 ctx 取消。
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick 对每个活跃仓位执行一轮：取价、重算盈亏、追踪止损、
// 告警、保护规则。单个仓位的异常绝不影响其余仓位。
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.tickOne(ctx, id)
	}
}

func (m *Monitor) tickOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("仓位巡检发生异常", zap.String("position", id), zap.Any("panic", r))
		}
	}()

	m.mu.RLock()
	rec, ok := m.open[id]
	var symbol string
	if ok {
		symbol = rec.Symbol
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	mark, err := m.feed.GetPrice(ctx, symbol)
	if err != nil {
		// 单个符号取价失败只跳过本轮，不影响其他仓位。
		m.logger.Debug("取价失败，跳过本轮巡检", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	var (
		closeReason CloseReason
		alerts      []Alert
		snapshot    Record
	)

	m.mu.Lock()
	rec, ok = m.open[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	rec.MarkPrice = mark
	rec.UnrealizedPnL = unrealized(rec.Side, rec.EntryPrice, mark, rec.Quantity, rec.Leverage)
	rec.UnrealizedPnLPct = unrealizedPct(rec.Side, rec.EntryPrice, mark, rec.Leverage)
	rec.UpdatedAt = now

	m.applyTrailingStopLocked(rec, mark)
	alerts = m.evaluateAlertsLocked(rec, now)
	closeReason = m.evaluateProtectionsLocked(rec, mark, now)
	snapshot = *rec
	m.mu.Unlock()

	for _, alert := range alerts {
		m.logger.Info("仓位告警",
			zap.String("position", alert.PositionID),
			zap.String("rule", alert.Rule),
			zap.Float64("mark", alert.MarkPrice),
			zap.Float64("pnl_pct", alert.PnLPct),
		)
		m.recordEvent(ctx, snapshot, "alert", alert.Rule)
		m.publish(events.TypeAlertTriggered, alert.UserID, alert)
	}

	if closeReason != "" {
		if _, err := m.Close(ctx, id, closeReason); err != nil {
			m.logger.Warn("保护规则平仓失败", zap.String("position", id), zap.Error(err))
		}
	}
}

// applyTrailingStopLocked 只朝降低风险的方向收紧止损：
// 多头上移、空头下移，绝不反向放松。
func (m *Monitor) applyTrailingStopLocked(rec *Record, mark float64) {
	if rec.TrailingDistance <= 0 {
		return
	}

	if rec.Side == SideLong {
		candidate := mark - rec.TrailingDistance
		if candidate > rec.StopLoss {
			rec.StopLoss = candidate
		}
		return
	}

	candidate := mark + rec.TrailingDistance
	if rec.StopLoss == 0 || candidate < rec.StopLoss {
		rec.StopLoss = candidate
	}
}

func (m *Monitor) evaluateAlertsLocked(rec *Record, now time.Time) []Alert {
	var alerts []Alert

	trigger := func(rule string) {
		alerts = append(alerts, Alert{
			PositionID: rec.ID,
			UserID:     rec.UserID,
			Symbol:     rec.Symbol,
			Rule:       rule,
			MarkPrice:  rec.MarkPrice,
			PnLPct:     rec.UnrealizedPnLPct,
			Timestamp:  now,
		})
		m.metrics.AlertsTriggered++
	}

	if rec.alertPrice > 0 && !rec.alertedPrice {
		crossed := rec.MarkPrice >= rec.alertPrice
		if rec.Side == SideShort {
			crossed = rec.MarkPrice <= rec.alertPrice
		}
		if crossed {
			rec.alertedPrice = true
			trigger("price_threshold")
		}
	}

	if rec.alertPnLPct != 0 && !rec.alertedPnL {
		if rec.UnrealizedPnLPct >= rec.alertPnLPct || rec.UnrealizedPnLPct <= -rec.alertPnLPct {
			rec.alertedPnL = true
			trigger("pnl_threshold")
		}
	}

	if rec.alertAfterAge > 0 && !rec.alertedAge && now.Sub(rec.OpenedAt) >= rec.alertAfterAge {
		rec.alertedAge = true
		trigger("age_threshold")
	}

	return alerts
}

// evaluateProtectionsLocked 按固定优先级评估保护规则，
// 命中第一条即返回，本轮不再评估后续规则。
func (m *Monitor) evaluateProtectionsLocked(rec *Record, mark float64, now time.Time) CloseReason {
	if rec.StopLoss > 0 {
		if (rec.Side == SideLong && mark <= rec.StopLoss) ||
			(rec.Side == SideShort && mark >= rec.StopLoss) {
			return CloseStopLoss
		}
	}

	if rec.TakeProfit > 0 {
		if (rec.Side == SideLong && mark >= rec.TakeProfit) ||
			(rec.Side == SideShort && mark <= rec.TakeProfit) {
			return CloseTakeProfit
		}
	}

	if m.cfg.MaxHoldDuration > 0 && now.Sub(rec.OpenedAt) >= m.cfg.MaxHoldDuration {
		return CloseTimeLimit
	}

	if m.cfg.EmergencyDrawdownPct < 0 && rec.UnrealizedPnLPct <= m.cfg.EmergencyDrawdownPct {
		return CloseEmergencyStop
	}

	return ""
}

// Close 将仓位迁移到 CLOSED。仅对 ACTIVE 仓位生效：
// 对已关闭仓位重复调用是无操作，不会重复计入统计。
func (m *Monitor) Close(ctx context.Context, id string, reason CloseReason) (Record, error) {
	m.mu.Lock()
	rec, ok := m.open[id]
	if !ok {
		if done, wasClosed := m.closed[id]; wasClosed {
			m.mu.Unlock()
			return done, nil
		}
		m.mu.Unlock()
		return Record{}, fmt.Errorf("position: 仓位 %s 不存在", id)
	}

	now := time.Now().UTC()
	rec.Status = StatusClosed
	rec.CloseReason = reason
	rec.ClosedAt = now
	rec.UpdatedAt = now
	rec.RealizedPnL = rec.UnrealizedPnL

	delete(m.open, id)
	snapshot := *rec
	m.closed[id] = snapshot
	m.closedOrder = append(m.closedOrder, id)
	for m.closedCap > 0 && len(m.closedOrder) > m.closedCap {
		delete(m.closed, m.closedOrder[0])
		m.closedOrder = m.closedOrder[1:]
	}

	m.metrics.TotalClosed++
	m.metrics.RealizedPnL += snapshot.RealizedPnL
	if snapshot.RealizedPnL > 0 {
		m.metrics.Profitable++
	}
	m.mu.Unlock()

	m.logger.Info("仓位已关闭",
		zap.String("position", snapshot.ID),
		zap.String("user", snapshot.UserID),
		zap.String("reason", string(reason)),
		zap.Float64("realized_pnl", snapshot.RealizedPnL),
	)

	m.recordEvent(ctx, snapshot, "closed", "")
	m.publish(events.TypePositionClosed, snapshot.UserID, snapshot)

	// 交易所侧平仓尽力而为：失败只记日志，本地状态以风险正确为先，
	// 对账由独立的恢复流程负责。
	if m.closer != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := m.closer.ClosePosition(closeCtx, snapshot, reason); err != nil {
				m.logger.Warn("交易所侧平仓失败",
					zap.String("position", snapshot.ID),
					zap.Error(err),
				)
			}
		}()
	}

	return snapshot, nil
}

// OpenPositions 返回活跃仓位快照。
func (m *Monitor) OpenPositions() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, 0, len(m.open))
	for _, rec := range m.open {
		records = append(records, *rec)
	}
	return records
}

// UserExposure 汇总单个用户的活跃敞口，读快照，不锁整个注册表。
func (m *Monitor) UserExposure(userID string) UserExposure {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exposure := UserExposure{UserID: userID}
	for _, rec := range m.open {
		if rec.UserID != userID {
			continue
		}
		exposure.OpenPositions++
		exposure.UnrealizedPnL += rec.UnrealizedPnL
		exposure.Notional += rec.Notional
	}
	return exposure
}

// Metrics 返回全局统计快照。
func (m *Monitor) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := m.metrics
	if metrics.TotalClosed > 0 {
		metrics.SuccessRate = float64(metrics.Profitable) / float64(metrics.TotalClosed)
	}
	return metrics
}

// recordEvent 落盘仓位事件。持久化失败不回滚内存状态，只记日志。
func (m *Monitor) recordEvent(ctx context.Context, rec Record, eventType, detail string) {
	if m.journal == nil {
		return
	}

	err := m.journal.InsertPositionEvent(ctx, store.PositionEventRecord{
		PositionID:  rec.ID,
		UserID:      rec.UserID,
		EventType:   eventType,
		Symbol:      rec.Symbol,
		Side:        string(rec.Side),
		Quantity:    rec.Quantity,
		EntryPrice:  rec.EntryPrice,
		MarkPrice:   rec.MarkPrice,
		RealizedPnL: rec.RealizedPnL,
		CloseReason: string(rec.CloseReason),
		Detail:      detail,
	})
	if err != nil {
		m.logger.Warn("记录仓位事件失败", zap.String("position", rec.ID), zap.Error(err))
	}
}

func (m *Monitor) publish(eventType events.Type, userID string, payload interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: eventType, UserID: userID, Payload: payload})
}
