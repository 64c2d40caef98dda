package exchange

import "context"

// Environment 决定适配器访问正式网还是测试网，二者仅端点不同。
type Environment string

const (
	EnvProduction Environment = "production"
	EnvTestnet    Environment = "testnet"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Credential 为单个账户在单个交易所的签名凭据。
type Credential struct {
	APIKey    string
	APISecret string
}

// Complete 判断凭据是否完整可用。
func (c Credential) Complete() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Fill 为一次市价单的成交回执。
type Fill struct {
	OrderID     string
	FilledPrice float64
	Simulated   bool
}

// Adapter 把某一个交易所的签名方案与响应差异封装在一处。
// 余额读取允许在特定版本不匹配错误上回退旧版接口；
// 下单没有幂等保证，因此绝不自动重试。
type Adapter interface {
	Name() string
	GetBalance(ctx context.Context, cred Credential, env Environment) (map[string]float64, error)
	PlaceMarketOrder(ctx context.Context, cred Credential, env Environment, symbol string, side Side, quantity float64) (Fill, error)
}
