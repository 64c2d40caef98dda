package position

import "time"

// Side 表示仓位方向。
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Status 为仓位状态机的两个状态，ACTIVE→CLOSED 只迁移一次。
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// CloseReason 记录仓位被关闭的原因。
type CloseReason string

const (
	CloseStopLoss      CloseReason = "STOP_LOSS"
	CloseTakeProfit    CloseReason = "TAKE_PROFIT"
	CloseTimeLimit     CloseReason = "TIME_LIMIT"
	CloseEmergencyStop CloseReason = "EMERGENCY_STOP"
	CloseManual        CloseReason = "MANUAL"
)

// Spec 为开仓请求。StopLoss/TakeProfit/TrailingDistance 为0时表示未设置。
type Spec struct {
	UserID           string
	Exchange         string
	Symbol           string
	Side             Side
	Quantity         float64
	EntryPrice       float64
	Leverage         float64
	StopLoss         float64
	TakeProfit       float64
	TrailingDistance float64

	// 非平仓告警阈值，0表示未设置。
	AlertPrice    float64
	AlertPnLPct   float64
	AlertAfterAge time.Duration
}

// Record 为一个持仓（或刚关闭的持仓）。ACTIVE 期间的价格、盈亏
// 与止损字段只由监控循环修改。
type Record struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Exchange         string      `json:"exchange,omitempty"`
	Symbol           string      `json:"symbol"`
	Side             Side        `json:"side"`
	Quantity         float64     `json:"quantity"`
	EntryPrice       float64     `json:"entry_price"`
	MarkPrice        float64     `json:"mark_price"`
	Leverage         float64     `json:"leverage"`
	Notional         float64     `json:"notional"`
	UnrealizedPnL    float64     `json:"unrealized_pnl"`
	UnrealizedPnLPct float64     `json:"unrealized_pnl_pct"`
	StopLoss         float64     `json:"stop_loss"`
	TakeProfit       float64     `json:"take_profit"`
	TrailingDistance float64     `json:"trailing_distance"`
	OpenedAt         time.Time   `json:"opened_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	Status           Status      `json:"status"`
	CloseReason      CloseReason `json:"close_reason,omitempty"`
	ClosedAt         time.Time   `json:"closed_at,omitempty"`
	RealizedPnL      float64     `json:"realized_pnl"`

	alertPrice    float64
	alertPnLPct   float64
	alertAfterAge time.Duration

	// 告警每条规则对每个仓位至多触发一次。
	alertedPrice bool
	alertedPnL   bool
	alertedAge   bool
}

// Alert 为一次非平仓告警。
type Alert struct {
	PositionID string    `json:"position_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Rule       string    `json:"rule"`
	MarkPrice  float64   `json:"mark_price"`
	PnLPct     float64   `json:"pnl_pct"`
	Timestamp  time.Time `json:"timestamp"`
}

// Metrics 为监控器的全局统计。
type Metrics struct {
	TotalOpened     int     `json:"total_opened"`
	TotalClosed     int     `json:"total_closed"`
	Profitable      int     `json:"profitable"`
	RealizedPnL     float64 `json:"realized_pnl"`
	AlertsTriggered int     `json:"alerts_triggered"`
	SuccessRate     float64 `json:"success_rate"`
}

// UserExposure 为单个用户全部活跃仓位的汇总视图。
type UserExposure struct {
	UserID        string  `json:"user_id"`
	OpenPositions int     `json:"open_positions"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Notional      float64 `json:"notional"`
}

// unrealized 按杠杆放大的方向性盈亏。
func unrealized(side Side, entry, mark, quantity, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	if side == SideShort {
		return (entry - mark) * quantity * leverage
	}
	return (mark - entry) * quantity * leverage
}

// unrealizedPct 相对入场价的百分比盈亏。
func unrealizedPct(side Side, entry, mark, leverage float64) float64 {
	if entry <= 0 {
		return 0
	}
	if leverage <= 0 {
		leverage = 1
	}
	direction := mark - entry
	if side == SideShort {
		direction = entry - mark
	}
	return direction / entry * leverage * 100
}
