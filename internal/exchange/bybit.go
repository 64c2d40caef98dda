package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Bybit 访问 Bybit 合约接口。
// 签名方案：对 timestamp + apiKey + recvWindow + 载荷 做 HMAC-SHA256，
// 签名与时间戳全部通过 X-BAPI-* 请求头传递。
type Bybit struct {
	client  *http.Client
	logger  *zap.Logger
	prodURL string
	testURL string
}

// NewBybit 创建 Bybit 适配器。
func NewBybit(client *http.Client, logger *zap.Logger) *Bybit {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bybit{
		client:  client,
		logger:  logger,
		prodURL: "https://api.bybit.com",
		testURL: "https://api-testnet.bybit.com",
	}
}

// Name 返回交易所标识。
func (b *Bybit) Name() string {
	return "bybit"
}

func (b *Bybit) baseURL(env Environment) string {
	if env == EnvTestnet {
		return b.testURL
	}
	return b.prodURL
}

// GetBalance 读取账户余额。先走 v5 统一账户接口，
// 在 retCode 10016 或接口不存在时回退旧版钱包接口。
func (b *Bybit) GetBalance(ctx context.Context, cred Credential, env Environment) (map[string]float64, error) {
	balances, err := b.fetchUnifiedBalance(ctx, cred, env)
	if err == nil {
		return balances, nil
	}
	if !IsVersionMismatch(err) {
		return nil, err
	}

	b.logger.Debug("bybit v5 余额接口不可用，回退旧版钱包接口", zap.Error(err))
	return b.fetchWalletBalance(ctx, cred, env)
}

func (b *Bybit) fetchUnifiedBalance(ctx context.Context, cred Credential, env Environment) (map[string]float64, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	body, err := b.signedGet(ctx, cred, env, "/v5/account/wallet-balance", query)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("exchange: 解析 bybit v5 余额响应失败: %w", err)
	}

	balances := make(map[string]float64)
	for _, account := range payload.Result.List {
		for _, coin := range account.Coin {
			if amount, parseErr := strconv.ParseFloat(coin.WalletBalance, 64); parseErr == nil {
				balances[coin.Coin] = amount
			}
		}
	}

	return balances, nil
}

func (b *Bybit) fetchWalletBalance(ctx context.Context, cred Credential, env Environment) (map[string]float64, error) {
	body, err := b.signedGet(ctx, cred, env, "/v2/private/wallet/balance", url.Values{})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Result map[string]struct {
			WalletBalance float64 `json:"wallet_balance"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("exchange: 解析 bybit 旧版余额响应失败: %w", err)
	}

	balances := make(map[string]float64, len(payload.Result))
	for coin, entry := range payload.Result {
		balances[coin] = entry.WalletBalance
	}

	return balances, nil
}

// PlaceMarketOrder 提交市价单。结果不明的超时直接上抛，不做重试。
func (b *Bybit) PlaceMarketOrder(ctx context.Context, cred Credential, env Environment, symbol string, side Side, quantity float64) (Fill, error) {
	signer := NewSigner(cred)
	defer signer.Wipe()

	order := map[string]string{
		"category":  "linear",
		"symbol":    strings.ToUpper(symbol),
		"side":      sideTitle(side),
		"orderType": "Market",
		"qty":       strconv.FormatFloat(quantity, 'f', -1, 64),
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return Fill{}, fmt.Errorf("exchange: 序列化 bybit 下单请求失败: %w", err)
	}

	timestamp := Timestamp(time.Now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL(env)+"/v5/order/create", bytes.NewReader(payload))
	if err != nil {
		return Fill{}, fmt.Errorf("exchange: 构造 bybit 下单请求失败: %w", err)
	}
	b.setAuthHeaders(req, signer, timestamp, string(payload))
	req.Header.Set("Content-Type", "application/json")

	body, err := b.do(req)
	if err != nil {
		if IsAmbiguousTimeout(err) {
			return Fill{}, fmt.Errorf("%w: %v", ErrAmbiguousTimeout, err)
		}
		return Fill{}, err
	}

	var result struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return Fill{}, fmt.Errorf("exchange: 解析 bybit 下单响应失败: %w", err)
	}

	return Fill{OrderID: result.Result.OrderID}, nil
}

func (b *Bybit) signedGet(ctx context.Context, cred Credential, env Environment, path string, query url.Values) ([]byte, error) {
	signer := NewSigner(cred)
	defer signer.Wipe()

	encoded := query.Encode()
	timestamp := Timestamp(time.Now())

	target := b.baseURL(env) + path
	if encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: 构造 bybit 请求失败: %w", err)
	}
	b.setAuthHeaders(req, signer, timestamp, encoded)

	return b.do(req)
}

func (b *Bybit) setAuthHeaders(req *http.Request, signer *Signer, timestamp int64, payload string) {
	req.Header.Set("X-BAPI-API-KEY", signer.APIKey())
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("X-BAPI-SIGN", signer.SignWithHeader(timestamp, payload))
}

func (b *Bybit) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: 请求 bybit 失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: 读取 bybit 响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Exchange:   "bybit",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	// Bybit 统一返回 200，业务错误放在 retCode 里。
	var envelope struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.RetCode != 0 {
		return nil, &APIError{
			Exchange:   "bybit",
			StatusCode: resp.StatusCode,
			Code:       envelope.RetCode,
			Message:    envelope.RetMsg,
		}
	}

	return body, nil
}

func sideTitle(side Side) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}
