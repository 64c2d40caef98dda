package exchange

import (
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

// Binance 访问 Binance USDⓈ-M 合约接口。
// 签名方案：对查询串（含 timestamp 与 recvWindow）做 HMAC-SHA256，
// 签名作为 signature 参数附加，API Key 走 X-MBX-APIKEY 请求头。
type Binance struct {
	client  *http.Client
	logger  *zap.Logger
	prodURL string
	testURL string
}

// NewBinance 创建 Binance 适配器。
func NewBinance(client *http.Client, logger *zap.Logger) *Binance {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binance{
		client:  client,
		logger:  logger,
		prodURL: "https://fapi.binance.com",
		testURL: "https://testnet.binancefuture.com",
	}
}

// Name 返回交易所标识。
func (b *Binance) Name() string {
	return "binance"
}

func (b *Binance) baseURL(env Environment) string {
	if env == EnvTestnet {
		return b.testURL
	}
	return b.prodURL
}

// GetBalance 读取合约账户余额。先尝试 v3 接口，
// 在“接口不存在”类错误上回退 v2。
func (b *Binance) GetBalance(ctx context.Context, cred Credential, env Environment) (map[string]float64, error) {
	balances, err := b.fetchBalance(ctx, cred, env, "/fapi/v3/balance")
	if err == nil {
		return balances, nil
	}
	if !IsVersionMismatch(err) {
		return nil, err
	}

	b.logger.Debug("binance v3 余额接口不可用，回退 v2", zap.Error(err))
	return b.fetchBalance(ctx, cred, env, "/fapi/v2/balance")
}

func (b *Binance) fetchBalance(ctx context.Context, cred Credential, env Environment, path string) (map[string]float64, error) {
	signer := NewSigner(cred)
	defer signer.Wipe()

	query := url.Values{}
	query.Set("timestamp", strconv.FormatInt(Timestamp(time.Now()), 10))
	query.Set("recvWindow", strconv.Itoa(recvWindow))
	encoded := query.Encode()
	encoded += "&signature=" + signer.SignQuery(encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL(env)+path+"?"+encoded, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: 构造余额请求失败: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", signer.APIKey())

	body, err := b.do(req)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("exchange: 解析 binance 余额响应失败: %w", err)
	}

	balances := make(map[string]float64, len(entries))
	for _, entry := range entries {
		amount, parseErr := strconv.ParseFloat(entry.Balance, 64)
		if parseErr != nil {
			continue
		}
		balances[entry.Asset] = amount
	}

	return balances, nil
}

// PlaceMarketOrder 提交市价单。结果不明的超时直接上抛，不做重试。
func (b *Binance) PlaceMarketOrder(ctx context.Context, cred Credential, env Environment, symbol string, side Side, quantity float64) (Fill, error) {
	signer := NewSigner(cred)
	defer signer.Wipe()

	query := url.Values{}
	query.Set("symbol", strings.ToUpper(symbol))
	query.Set("side", string(side))
	query.Set("type", "MARKET")
	query.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	query.Set("timestamp", strconv.FormatInt(Timestamp(time.Now()), 10))
	query.Set("recvWindow", strconv.Itoa(recvWindow))
	encoded := query.Encode()
	encoded += "&signature=" + signer.SignQuery(encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL(env)+"/fapi/v1/order", strings.NewReader(encoded))
	if err != nil {
		return Fill{}, fmt.Errorf("exchange: 构造下单请求失败: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", signer.APIKey())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := b.do(req)
	if err != nil {
		if IsAmbiguousTimeout(err) {
			return Fill{}, fmt.Errorf("%w: %v", ErrAmbiguousTimeout, err)
		}
		return Fill{}, err
	}

	var order struct {
		OrderID  int64  `json:"orderId"`
		AvgPrice string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return Fill{}, fmt.Errorf("exchange: 解析 binance 下单响应失败: %w", err)
	}

	fill := Fill{OrderID: strconv.FormatInt(order.OrderID, 10)}
	if price, parseErr := strconv.ParseFloat(order.AvgPrice, 64); parseErr == nil {
		fill.FilledPrice = price
	}

	return fill, nil
}

func (b *Binance) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: 请求 binance 失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: 读取 binance 响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			Exchange:   "binance",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}

	return body, nil
}
