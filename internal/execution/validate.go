package execution

import (
	"errors"
	"fmt"

	"signal-router/internal/config"
	"signal-router/internal/store"
)

// ValidationError 表示信号在任何网络调用之前就被用户风控拒绝。
// 这类拒绝绝不自动重试。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "execution: 校验失败: " + e.Reason
}

// IsValidation 判断错误是否为风控校验拒绝。
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// effectivePolicy 把全局风控上限叠加到用户策略上。
// 全局值是上限而非覆盖：逐项取二者中更严格的一侧，
// 强制止损只要任一侧要求即生效。
func effectivePolicy(user store.TradingConfig, global config.RiskConfig) store.TradingConfig {
	cfg := user
	if global.MaxLeverage > 0 && (cfg.MaxLeverage <= 0 || global.MaxLeverage < cfg.MaxLeverage) {
		cfg.MaxLeverage = global.MaxLeverage
	}
	if global.MaxPositionSize > 0 && (cfg.MaxPositionSize <= 0 || global.MaxPositionSize < cfg.MaxPositionSize) {
		cfg.MaxPositionSize = global.MaxPositionSize
	}
	if global.MandatoryStopLoss {
		cfg.MandatoryStopLoss = true
	}
	return cfg
}

// validateSignal 按用户风控策略校验信号。阈值本身是允许的，
// 超过阈值一个单位即拒绝。
func validateSignal(sig Signal, cfg store.TradingConfig) error {
	if sig.Symbol == "" {
		return &ValidationError{Reason: "信号缺少符号"}
	}
	if sig.Quantity <= 0 {
		return &ValidationError{Reason: "信号数量必须大于0"}
	}

	if sig.Leverage > cfg.MaxLeverage {
		return &ValidationError{Reason: fmt.Sprintf(
			"杠杆 %d 超过用户上限 %d", sig.Leverage, cfg.MaxLeverage)}
	}

	if cfg.MandatoryStopLoss && sig.StopLoss <= 0 {
		return &ValidationError{Reason: "用户策略要求止损，信号未携带"}
	}

	if sig.Price > 0 {
		notional := sig.Quantity * sig.Price
		if notional > cfg.MaxPositionSize {
			return &ValidationError{Reason: fmt.Sprintf(
				"预估名义价值 %.2f 超过用户上限 %.2f", notional, cfg.MaxPositionSize)}
		}
	}

	return nil
}
