package exchange

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatedOrderPrefix 标记模拟成交的订单号。
const SimulatedOrderPrefix = "SIM-"

// Simulated 在模拟模式下替代真实交易所：不发起任何网络请求，
// 下单直接返回合成成交，其余管线行为保持不变。
type Simulated struct {
	logger *zap.Logger
}

// NewSimulated 创建模拟适配器。
func NewSimulated(logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{logger: logger}
}

// Name 返回交易所标识。
func (s *Simulated) Name() string {
	return "simulated"
}

// GetBalance 返回固定余额。
func (s *Simulated) GetBalance(_ context.Context, _ Credential, _ Environment) (map[string]float64, error) {
	return map[string]float64{"USDT": 10000}, nil
}

// PlaceMarketOrder 返回带 SIM- 前缀订单号的合成成交。
func (s *Simulated) PlaceMarketOrder(_ context.Context, _ Credential, env Environment, symbol string, side Side, quantity float64) (Fill, error) {
	orderID := SimulatedOrderPrefix + strings.ToUpper(uuid.NewString()[:8])

	s.logger.Debug("模拟下单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.String("env", string(env)),
		zap.String("order_id", orderID),
	)

	return Fill{OrderID: orderID, Simulated: true}, nil
}
