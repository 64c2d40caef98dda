package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SignalRecord 为入站信号的落盘形态，只追加不更新。
type SignalRecord struct {
	ID         string
	Symbol     string
	Side       string
	Quantity   float64
	Leverage   int
	Price      float64
	StopLoss   float64
	TakeProfit float64
	ReceivedAt time.Time
}

// ExecutionRecord 为单次（用户, 交易所, 环境）下单尝试的结果，只追加不更新。
type ExecutionRecord struct {
	SignalID    string
	UserID      string
	Exchange    string
	Environment string
	Success     bool
	OrderID     string
	Symbol      string
	Side        string
	Amount      float64
	Price       float64
	Reason      string
	Error       string
	Simulated   bool
	Timestamp   time.Time
}

// PositionEventRecord 记录仓位生命周期事件（开仓、平仓、告警）。
type PositionEventRecord struct {
	PositionID  string
	UserID      string
	EventType   string
	Symbol      string
	Side        string
	Quantity    float64
	EntryPrice  float64
	MarkPrice   float64
	RealizedPnL float64
	CloseReason string
	Detail      string
	Timestamp   time.Time
}

// Journal 维护三张只追加表：信号、执行结果、仓位事件。
// 报表层只读这些表。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewJournal 初始化流水服务并建表。
func NewJournal(store *Store, logger *zap.Logger) (*Journal, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{db: store.DB(), logger: logger}
	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	leverage INTEGER NOT NULL,
	price REAL NOT NULL,
	stop_loss REAL NOT NULL DEFAULT 0,
	take_profit REAL NOT NULL DEFAULT 0,
	received_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS execution_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	environment TEXT NOT NULL,
	success INTEGER NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	amount REAL NOT NULL,
	price REAL NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	simulated INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_results_signal ON execution_results(signal_id);
CREATE TABLE IF NOT EXISTS position_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	entry_price REAL NOT NULL,
	mark_price REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_position_events_position ON position_events(position_id);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化流水表失败: %w", err)
	}
	return nil
}

// InsertSignal 落盘一条入站信号。
func (j *Journal) InsertSignal(ctx context.Context, rec SignalRecord) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO signals (id, symbol, side, quantity, leverage, price, stop_loss, take_profit, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, rec.Side, rec.Quantity, rec.Leverage,
		rec.Price, rec.StopLoss, rec.TakeProfit, rec.ReceivedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入信号失败: %w", err)
	}
	return nil
}

// InsertExecution 落盘一条执行结果。
func (j *Journal) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO execution_results
	(signal_id, user_id, exchange, environment, success, order_id, symbol, side, amount, price, reason, error, simulated, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SignalID, rec.UserID, rec.Exchange, rec.Environment, boolToInt(rec.Success),
		rec.OrderID, rec.Symbol, rec.Side, rec.Amount, rec.Price,
		rec.Reason, rec.Error, boolToInt(rec.Simulated), rec.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入执行结果失败: %w", err)
	}
	return nil
}

// InsertPositionEvent 落盘一条仓位事件。
func (j *Journal) InsertPositionEvent(ctx context.Context, rec PositionEventRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO position_events
	(position_id, user_id, event_type, symbol, side, quantity, entry_price, mark_price, realized_pnl, close_reason, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PositionID, rec.UserID, rec.EventType, rec.Symbol, rec.Side,
		rec.Quantity, rec.EntryPrice, rec.MarkPrice, rec.RealizedPnL,
		rec.CloseReason, rec.Detail, rec.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入仓位事件失败: %w", err)
	}
	return nil
}

// ListExecutions 按信号检索执行结果，供报表层轮询。
func (j *Journal) ListExecutions(ctx context.Context, signalID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT signal_id, user_id, exchange, environment, success, order_id, symbol, side, amount, price, reason, error, simulated, created_at
FROM execution_results`
	args := make([]interface{}, 0, 2)
	if signalID != "" {
		query += ` WHERE signal_id = ?`
		args = append(args, signalID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询执行结果失败: %w", err)
	}
	defer rows.Close()

	records := make([]ExecutionRecord, 0, limit)
	for rows.Next() {
		var (
			rec       ExecutionRecord
			success   int
			simulated int
			created   string
		)
		if scanErr := rows.Scan(
			&rec.SignalID, &rec.UserID, &rec.Exchange, &rec.Environment, &success,
			&rec.OrderID, &rec.Symbol, &rec.Side, &rec.Amount, &rec.Price,
			&rec.Reason, &rec.Error, &simulated, &created,
		); scanErr != nil {
			return nil, fmt.Errorf("store: 解析执行结果失败: %w", scanErr)
		}
		rec.Success = success != 0
		rec.Simulated = simulated != 0
		rec.Timestamp = parseTime(created)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历执行结果失败: %w", err)
	}

	return records, nil
}

// ListPositionEvents 检索最近的仓位事件。
func (j *Journal) ListPositionEvents(ctx context.Context, limit int) ([]PositionEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT position_id, user_id, event_type, symbol, side, quantity, entry_price, mark_price, realized_pnl, close_reason, detail, created_at
FROM position_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询仓位事件失败: %w", err)
	}
	defer rows.Close()

	records := make([]PositionEventRecord, 0, limit)
	for rows.Next() {
		var (
			rec     PositionEventRecord
			created string
		)
		if scanErr := rows.Scan(
			&rec.PositionID, &rec.UserID, &rec.EventType, &rec.Symbol, &rec.Side,
			&rec.Quantity, &rec.EntryPrice, &rec.MarkPrice, &rec.RealizedPnL,
			&rec.CloseReason, &rec.Detail, &created,
		); scanErr != nil {
			return nil, fmt.Errorf("store: 解析仓位事件失败: %w", scanErr)
		}
		rec.Timestamp = parseTime(created)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历仓位事件失败: %w", err)
	}

	return records, nil
}
