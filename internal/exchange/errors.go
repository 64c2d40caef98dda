package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrAmbiguousTimeout 表示下单请求超时且结果不明。
// 交易所不保证幂等，这类错误绝不能触发自动重试。
var ErrAmbiguousTimeout = errors.New("exchange: 下单超时，成交结果不明")

// APIError 为交易所返回的业务错误。
type APIError struct {
	Exchange   string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: %s 返回错误 status=%d code=%d: %s", e.Exchange, e.StatusCode, e.Code, e.Message)
}

// IsVersionMismatch 判断错误是否为接口版本不匹配，
// 余额读取遇到这类错误时回退旧版接口。
func IsVersionMismatch(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 404 {
		return true
	}
	// Bybit v5 的 retCode 10016 表示该账户不支持统一账户接口。
	return apiErr.Code == 10016
}

// IsAmbiguousTimeout 判断下单错误是否属于结果不明的超时。
func IsAmbiguousTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAmbiguousTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
