package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"signal-router/internal/config"
	"signal-router/internal/events"
	"signal-router/internal/exchange"
	"signal-router/internal/execution"
	"signal-router/internal/position"
	"signal-router/internal/pricefeed"
	"signal-router/internal/scheduler"
	"signal-router/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配并启动调度循环与监控循环，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("信号路由系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Bool("management_mode", a.cfg.App.ManagementMode),
		zap.Bool("real_trading", a.cfg.Execution.RealTradingEnabled),
	)

	accounts, err := store.NewAccountService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化账户服务失败: %w", err)
	}

	journal, err := store.NewJournal(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化流水服务失败: %w", err)
	}

	feed, err := pricefeed.NewCCXT(a.cfg.PriceFeed, a.logger)
	if err != nil {
		return fmt.Errorf("初始化价格源失败: %w", err)
	}

	bus := events.NewBus(256, a.logger)

	sched := scheduler.New(a.cfg.Scheduler, a.cfg.App.ManagementMode, a.logger)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	adapters := map[string]exchange.Adapter{
		"binance": exchange.NewBinance(httpClient, a.logger),
		"bybit":   exchange.NewBybit(httpClient, a.logger),
	}

	// 监控器与编排器互相依赖（开仓登记、保护性平仓），分两步装配。
	var orch *execution.Orchestrator

	monitor, err := position.NewMonitor(a.cfg.Monitor, feed, closerFunc(func(ctx context.Context, rec position.Record, reason position.CloseReason) error {
		if orch == nil {
			return errors.New("执行编排器尚未就绪")
		}
		return orch.ClosePosition(ctx, rec, reason)
	}), journal, bus, a.logger)
	if err != nil {
		return fmt.Errorf("初始化仓位监控失败: %w", err)
	}

	orch, err = execution.NewOrchestrator(
		a.cfg.Execution, a.cfg.Scheduler, a.cfg.Risk,
		accounts, journal, sched, adapters, monitor, bus, a.logger,
	)
	if err != nil {
		return fmt.Errorf("初始化执行编排器失败: %w", err)
	}

	if err := orch.RegisterHandlers(sched); err != nil {
		return fmt.Errorf("注册操作处理函数失败: %w", err)
	}

	sched.Start(ctx)
	go monitor.Run(ctx)
	go a.consumeEvents(ctx, bus)

	if a.cfg.Status.Enabled {
		if err := startStatusServer(ctx, statusDeps{
			sched:   sched,
			monitor: monitor,
			journal: journal,
			orch:    orch,
		}, a.cfg.Status.Port, a.logger); err != nil {
			return fmt.Errorf("启动状态服务失败: %w", err)
		}
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	sched.Wait()
	return nil
}

// consumeEvents 消费生命周期事件流。没有外部订阅方时至少保证留痕。
func (a *App) consumeEvents(ctx context.Context, bus *events.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-bus.Events():
			a.logger.Info("生命周期事件",
				zap.String("type", string(event.Type)),
				zap.String("user", event.UserID),
			)
		}
	}
}

type closerFunc func(ctx context.Context, rec position.Record, reason position.CloseReason) error

func (f closerFunc) ClosePosition(ctx context.Context, rec position.Record, reason position.CloseReason) error {
	return f(ctx, rec, reason)
}
