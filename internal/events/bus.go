package events

import (
	"time"

	"go.uber.org/zap"
)

// Type 为生命周期事件类别。
type Type string

const (
	TypePositionOpened Type = "position_opened"
	TypePositionClosed Type = "position_closed"
	TypeAlertTriggered Type = "alert_triggered"
	TypeRiskViolation  Type = "risk_violation"
)

// Event 携带完整的仓位或告警信息，每次状态迁移至多发布一次。
type Event struct {
	Type      Type        `json:"type"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Bus 是带缓冲的类型化事件通道。发布永不阻塞：
// 没有消费者或缓冲已满时事件被丢弃，这不算处理失败。
type Bus struct {
	ch     chan Event
	logger *zap.Logger
}

// NewBus 创建事件总线。
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		logger: logger,
	}
}

// Publish 非阻塞发布。
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.ch <- event:
	default:
		b.logger.Debug("事件缓冲已满，丢弃事件", zap.String("type", string(event.Type)))
	}
}

// Events 返回消费端通道。
func (b *Bus) Events() <-chan Event {
	return b.ch
}
