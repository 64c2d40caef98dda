package execution

import (
	"time"

	"signal-router/internal/exchange"
)

// Signal 为已归一化的入站交易信号。
type Signal struct {
	ID               string
	Symbol           string
	Side             exchange.Side
	Quantity         float64
	Leverage         int
	Price            float64
	StopLoss         float64
	TakeProfit       float64
	TrailingDistance float64
	Timestamp        time.Time
}

// 单次下单尝试的失败归类。
const (
	ReasonFilled     = "filled"
	ReasonValidation = "validation_rejected"
	ReasonConnection = "connection_error"
	ReasonEvicted    = "scheduler_evicted"
)

// AttemptResult 为一次（用户, 交易所, 环境）下单尝试的结果，只追加。
type AttemptResult struct {
	UserID      string    `json:"user_id"`
	Exchange    string    `json:"exchange"`
	Environment string    `json:"environment"`
	Success     bool      `json:"success"`
	OrderID     string    `json:"order_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Amount      float64   `json:"amount"`
	Price       float64   `json:"price,omitempty"`
	Reason      string    `json:"reason"`
	Error       string    `json:"error,omitempty"`
	Simulated   bool      `json:"simulated"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserStatus 为用户级汇总状态。
type UserStatus string

const (
	UserSuccess UserStatus = "SUCCESS"
	UserFailed  UserStatus = "FAILED"
)

// UserOutcome 汇总一个用户的全部下单尝试：
// 只要有一次成交即为 SUCCESS。
type UserOutcome struct {
	UserID     string          `json:"user_id"`
	Status     UserStatus      `json:"status"`
	Attempts   []AttemptResult `json:"attempts"`
	PositionID string          `json:"position_id,omitempty"`
}

// Summary 为一次信号处理的总账。部分失败不构成错误，
// 调用方通过计数与逐用户结果了解全貌。
type Summary struct {
	SignalID       string                 `json:"signal_id"`
	UsersProcessed int                    `json:"users_processed"`
	UsersSucceeded int                    `json:"users_succeeded"`
	UsersFailed    int                    `json:"users_failed"`
	TotalAttempts  int                    `json:"total_attempts"`
	Results        map[string]UserOutcome `json:"results"`
}
