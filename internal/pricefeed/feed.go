package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"signal-router/internal/config"
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// CCXT 基于交易所公共行情实现价格源，带短 TTL 缓存，
// 避免监控循环对同一符号的高频重复拉取。
type CCXT struct {
	exchange *ccxt.Binanceusdm
	logger   *zap.Logger
	ttl      time.Duration

	marketsMu     sync.Mutex
	marketsLoaded bool

	cacheMu sync.Mutex
	cache   map[string]cachedPrice
}

// NewCCXT 创建行情价格源。公共行情无需凭据。
func NewCCXT(cfg config.PriceFeedConfig, logger *zap.Logger) (*CCXT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXT{
		exchange: ex,
		logger:   logger,
		ttl:      cfg.CacheTTL,
		cache:    make(map[string]cachedPrice),
	}, nil
}

// GetPrice 返回符号的最新收盘价。
func (f *CCXT) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if symbol == "" {
		return 0, fmt.Errorf("pricefeed: 符号不能为空")
	}

	now := time.Now()

	f.cacheMu.Lock()
	if cached, ok := f.cache[symbol]; ok && f.ttl > 0 && now.Sub(cached.at) < f.ttl {
		f.cacheMu.Unlock()
		return cached.price, nil
	}
	f.cacheMu.Unlock()

	if err := f.ensureMarketsLoaded(ctx); err != nil {
		return 0, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}

	candles, err := f.exchange.FetchOHLCV(
		symbol,
		ccxt.WithFetchOHLCVTimeframe("1m"),
		ccxt.WithFetchOHLCVLimit(1),
	)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: 获取 %s 行情失败: %w", symbol, err)
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("pricefeed: %s 无行情数据", symbol)
	}

	price := candles[len(candles)-1].Close
	if price <= 0 {
		return 0, fmt.Errorf("pricefeed: %s 行情价格无效", symbol)
	}

	f.cacheMu.Lock()
	f.cache[symbol] = cachedPrice{price: price, at: now}
	f.cacheMu.Unlock()

	return price, nil
}

func (f *CCXT) ensureMarketsLoaded(ctx context.Context) error {
	f.marketsMu.Lock()
	defer f.marketsMu.Unlock()

	if f.marketsLoaded {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := f.exchange.LoadMarkets(); err != nil {
		return fmt.Errorf("pricefeed: 加载市场元数据失败: %w", err)
	}

	f.marketsLoaded = true
	f.logger.Info("行情源已完成市场元数据加载")
	return nil
}
