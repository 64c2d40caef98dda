package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-router/internal/config"
	"signal-router/internal/events"
	"signal-router/internal/exchange"
	"signal-router/internal/position"
	"signal-router/internal/scheduler"
	"signal-router/internal/store"
)

type accountSource interface {
	ListActive(ctx context.Context) ([]store.TradingAccount, error)
	Reload(ctx context.Context) ([]store.TradingAccount, error)
	UpdateCredentialBalance(ctx context.Context, userID, exchangeName, environment string, balance float64) error
}

type journalSink interface {
	InsertSignal(ctx context.Context, rec store.SignalRecord) error
	InsertExecution(ctx context.Context, rec store.ExecutionRecord) error
}

type submitter interface {
	Submit(op *scheduler.Operation) (string, error)
}

type positionOpener interface {
	Open(ctx context.Context, spec position.Spec) (position.Record, error)
}

// Orchestrator 把一条交易信号扇出为每个（用户, 交易所凭据）一次下单操作，
// 经优先级调度器派发后聚合逐用户结果。
type Orchestrator struct {
	cfg      config.ExecutionConfig
	risk     config.RiskConfig
	accounts accountSource
	journal  journalSink
	sched    submitter
	adapters map[string]exchange.Adapter
	sim      exchange.Adapter
	monitor  positionOpener
	bus      *events.Bus
	logger   *zap.Logger
	pacer    *userPacer

	// 收集端等待结果的兜底时长，含排队等待与处理超时。
	collectTimeout time.Duration
}

// NewOrchestrator 创建执行编排器。
// adapters 以交易所名为键；real_trading_enabled 为假时全部走模拟适配器。
func NewOrchestrator(
	cfg config.ExecutionConfig,
	schedCfg config.SchedulerConfig,
	riskCfg config.RiskConfig,
	accounts accountSource,
	journal journalSink,
	sched submitter,
	adapters map[string]exchange.Adapter,
	monitor positionOpener,
	bus *events.Bus,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if accounts == nil {
		return nil, errors.New("execution: 账户源不能为空")
	}
	if journal == nil {
		return nil, errors.New("execution: 流水存储不能为空")
	}
	if sched == nil {
		return nil, errors.New("execution: 调度器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	normalized := make(map[string]exchange.Adapter, len(adapters))
	for name, adapter := range adapters {
		normalized[strings.ToLower(name)] = adapter
	}

	return &Orchestrator{
		cfg:            cfg,
		risk:           riskCfg,
		accounts:       accounts,
		journal:        journal,
		sched:          sched,
		adapters:       normalized,
		sim:            exchange.NewSimulated(logger),
		monitor:        monitor,
		bus:            bus,
		logger:         logger,
		pacer:          newUserPacer(cfg.UserCallInterval),
		collectTimeout: schedCfg.MaxWaitTime + schedCfg.HandlerTimeout + schedCfg.EvictionInterval,
	}, nil
}

// RegisterHandlers 把编排器的处理函数挂到调度器上，必须在调度器启动前调用。
func (o *Orchestrator) RegisterHandlers(sched *scheduler.Scheduler) error {
	if err := sched.Register(scheduler.KindOrderExecution, o.handleOrder); err != nil {
		return err
	}
	if err := sched.Register(scheduler.KindSignalProcessing, o.handleSignal); err != nil {
		return err
	}
	if err := sched.Register(scheduler.KindBalanceUpdate, o.handleBalanceUpdate); err != nil {
		return err
	}
	return sched.Register(scheduler.KindUserManagement, o.handleUserManagement)
}

// ProcessSignal 处理一条信号并返回总账。部分用户失败不构成错误，
// 只有基础设施故障（落盘、账户查询）才向上抛。
func (o *Orchestrator) ProcessSignal(ctx context.Context, sig Signal) (Summary, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	if err := o.journal.InsertSignal(ctx, store.SignalRecord{
		ID:         sig.ID,
		Symbol:     sig.Symbol,
		Side:       string(sig.Side),
		Quantity:   sig.Quantity,
		Leverage:   sig.Leverage,
		Price:      sig.Price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		ReceivedAt: sig.Timestamp,
	}); err != nil {
		return Summary{}, fmt.Errorf("execution: 信号落盘失败: %w", err)
	}

	accounts, err := o.accounts.ListActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("execution: 装载账户失败: %w", err)
	}

	management := make([]store.TradingAccount, 0, len(accounts))
	testnet := make([]store.TradingAccount, 0, len(accounts))
	for _, account := range accounts {
		if isManagement(account.User.AccountType) {
			management = append(management, account)
		} else {
			testnet = append(testnet, account)
		}
	}

	summary := Summary{
		SignalID: sig.ID,
		Results:  make(map[string]UserOutcome, len(accounts)),
	}

	// 管理账户先提交并先结清，测试网账户随后。
	// 这里的先后与调度器自身的级别配额互为补充，而非替代。
	o.processSet(ctx, sig, management, scheduler.EnvManagement, &summary)
	o.processSet(ctx, sig, testnet, scheduler.EnvTestnet, &summary)

	o.logger.Info("信号处理完成",
		zap.String("signal", sig.ID),
		zap.Int("users", summary.UsersProcessed),
		zap.Int("succeeded", summary.UsersSucceeded),
		zap.Int("failed", summary.UsersFailed),
		zap.Int("attempts", summary.TotalAttempts),
	)

	return summary, nil
}

type orderTask struct {
	signal     Signal
	account    store.TradingAccount
	credential store.Credential
	state      *userState

	once sync.Once
	out  chan AttemptResult
}

func (t *orderTask) deliver(res AttemptResult) {
	t.once.Do(func() { t.out <- res })
}

type userState struct {
	openOnce   sync.Once
	positionID string
}

func (o *Orchestrator) processSet(ctx context.Context, sig Signal, accounts []store.TradingAccount, env scheduler.Environment, summary *Summary) {
	if len(accounts) == 0 {
		return
	}

	tasks := make([]*orderTask, 0, len(accounts))
	states := make(map[string]*userState, len(accounts))

	for _, account := range accounts {
		state := &userState{}
		states[account.User.ID] = state

		for _, cred := range account.Credentials {
			task := &orderTask{
				signal:     sig,
				account:    account,
				credential: cred,
				state:      state,
				out:        make(chan AttemptResult, 1),
			}
			tasks = append(tasks, task)

			op := &scheduler.Operation{
				Kind:         scheduler.KindOrderExecution,
				Payload:      task,
				Environment:  string(env),
				ExchangeName: cred.Exchange,
				AccountType:  account.User.AccountType,
				UserTier:     account.User.Tier,
				Amount:       sig.Quantity * sig.Price,
				OnDone: func(res scheduler.Result) {
					if res.Evicted {
						task.deliver(o.evictedResult(task))
					}
				},
			}

			if _, err := o.sched.Submit(op); err != nil {
				o.logger.Warn("提交下单操作失败",
					zap.String("user", account.User.ID),
					zap.String("exchange", cred.Exchange),
					zap.Error(err),
				)
				task.deliver(AttemptResult{
					UserID:      account.User.ID,
					Exchange:    cred.Exchange,
					Environment: cred.Environment,
					Symbol:      sig.Symbol,
					Side:        string(sig.Side),
					Amount:      sig.Quantity,
					Reason:      ReasonConnection,
					Error:       err.Error(),
					Timestamp:   time.Now().UTC(),
				})
			}
		}
	}

	// 在进入下一批之前，结清本批全部结果。
	outcomes := make(map[string]*UserOutcome, len(accounts))
	for _, task := range tasks {
		var res AttemptResult
		select {
		case res = <-task.out:
		case <-time.After(o.collectTimeout):
			res = o.evictedResult(task)
		case <-ctx.Done():
			res = o.evictedResult(task)
		}

		outcome, ok := outcomes[res.UserID]
		if !ok {
			outcome = &UserOutcome{UserID: res.UserID, Status: UserFailed}
			outcomes[res.UserID] = outcome
		}
		outcome.Attempts = append(outcome.Attempts, res)
		if res.Success {
			outcome.Status = UserSuccess
		}
		summary.TotalAttempts++
	}

	for userID, outcome := range outcomes {
		if state, ok := states[userID]; ok {
			outcome.PositionID = state.positionID
		}
		summary.UsersProcessed++
		if outcome.Status == UserSuccess {
			summary.UsersSucceeded++
		} else {
			summary.UsersFailed++
		}
		summary.Results[userID] = *outcome
	}
}

func (o *Orchestrator) evictedResult(task *orderTask) AttemptResult {
	return AttemptResult{
		UserID:      task.account.User.ID,
		Exchange:    task.credential.Exchange,
		Environment: task.credential.Environment,
		Symbol:      task.signal.Symbol,
		Side:        string(task.signal.Side),
		Amount:      task.signal.Quantity,
		Reason:      ReasonEvicted,
		Error:       scheduler.ErrEvicted.Error(),
		Timestamp:   time.Now().UTC(),
	}
}

func (o *Orchestrator) handleOrder(ctx context.Context, op *scheduler.Operation) error {
	task, ok := op.Payload.(*orderTask)
	if !ok {
		return fmt.Errorf("execution: 下单操作载荷类型无效: %T", op.Payload)
	}

	res := o.executeAttempt(ctx, task)
	task.deliver(res)

	if !res.Success {
		return fmt.Errorf("execution: 用户 %s 在 %s 下单失败: %s", res.UserID, res.Exchange, res.Error)
	}
	return nil
}

// executeAttempt 执行一次（用户, 凭据）下单尝试：
// 先本地风控校验，再按用户节流，最后调用交易所适配器。
// 每次尝试恰好落盘一条执行结果。
func (o *Orchestrator) executeAttempt(ctx context.Context, task *orderTask) AttemptResult {
	sig := task.signal
	cred := task.credential

	result := AttemptResult{
		UserID:      task.account.User.ID,
		Exchange:    cred.Exchange,
		Environment: cred.Environment,
		Symbol:      sig.Symbol,
		Side:        string(sig.Side),
		Amount:      sig.Quantity,
		Timestamp:   time.Now().UTC(),
	}

	if err := validateSignal(sig, effectivePolicy(task.account.Config, o.risk)); err != nil {
		result.Reason = ReasonValidation
		result.Error = err.Error()
		o.publishRiskViolation(result)
		o.record(ctx, sig.ID, result)
		return result
	}

	// 同一用户的顺序交易所调用之间保持最小间隔，尊重交易所限频；
	// 不同用户之间不做串行化，由调度器的并发预算约束。
	if err := o.pacer.Wait(ctx, task.account.User.ID); err != nil {
		result.Reason = ReasonConnection
		result.Error = err.Error()
		o.record(ctx, sig.ID, result)
		return result
	}

	adapter := o.adapterFor(cred.Exchange)
	env := environmentOf(cred.Environment)

	fill, err := adapter.PlaceMarketOrder(ctx, exchange.Credential{
		APIKey:    cred.APIKey,
		APISecret: cred.APISecret,
	}, env, sig.Symbol, sig.Side, sig.Quantity)
	if err != nil {
		result.Reason = ReasonConnection
		result.Error = err.Error()
		o.record(ctx, sig.ID, result)
		return result
	}

	result.Success = true
	result.Reason = ReasonFilled
	result.OrderID = fill.OrderID
	result.Simulated = fill.Simulated
	result.Price = fill.FilledPrice
	if result.Price <= 0 {
		result.Price = sig.Price
	}

	o.record(ctx, sig.ID, result)
	o.registerPosition(ctx, task, result)

	return result
}

// registerPosition 在用户首次成交时向监控器登记仓位，之后的成交不再重复。
func (o *Orchestrator) registerPosition(ctx context.Context, task *orderTask, result AttemptResult) {
	if o.monitor == nil {
		return
	}

	task.state.openOnce.Do(func() {
		sig := task.signal
		side := position.SideLong
		if sig.Side == exchange.SideSell {
			side = position.SideShort
		}

		entry := result.Price
		if entry <= 0 {
			entry = sig.Price
		}

		rec, err := o.monitor.Open(ctx, position.Spec{
			UserID:           task.account.User.ID,
			Exchange:         task.credential.Exchange,
			Symbol:           sig.Symbol,
			Side:             side,
			Quantity:         sig.Quantity,
			EntryPrice:       entry,
			Leverage:         float64(sig.Leverage),
			StopLoss:         sig.StopLoss,
			TakeProfit:       sig.TakeProfit,
			TrailingDistance: sig.TrailingDistance,
		})
		if err != nil {
			o.logger.Warn("登记仓位失败",
				zap.String("user", task.account.User.ID),
				zap.String("signal", sig.ID),
				zap.Error(err),
			)
			return
		}
		task.state.positionID = rec.ID
	})
}

// ClosePosition 在交易所侧撤出仓位，供监控器的保护规则回调。
func (o *Orchestrator) ClosePosition(ctx context.Context, rec position.Record, reason position.CloseReason) error {
	accounts, err := o.accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("execution: 平仓装载账户失败: %w", err)
	}

	// 优先使用开仓成交所在交易所的凭据，保证在同一交易所撤出仓位；
	// 找不到时退回该用户的第一个完整凭据。
	var cred *store.Credential
	for i := range accounts {
		if accounts[i].User.ID != rec.UserID {
			continue
		}
		for j := range accounts[i].Credentials {
			if !accounts[i].Credentials[j].Complete() {
				continue
			}
			if strings.EqualFold(accounts[i].Credentials[j].Exchange, rec.Exchange) {
				cred = &accounts[i].Credentials[j]
				break
			}
			if cred == nil {
				cred = &accounts[i].Credentials[j]
			}
		}
		break
	}
	if cred == nil {
		return fmt.Errorf("execution: 用户 %s 没有可用凭据，无法平仓", rec.UserID)
	}

	side := exchange.SideSell
	if rec.Side == position.SideShort {
		side = exchange.SideBuy
	}

	adapter := o.adapterFor(cred.Exchange)
	fill, err := adapter.PlaceMarketOrder(ctx, exchange.Credential{
		APIKey:    cred.APIKey,
		APISecret: cred.APISecret,
	}, environmentOf(cred.Environment), rec.Symbol, side, rec.Quantity)

	result := AttemptResult{
		UserID:      rec.UserID,
		Exchange:    cred.Exchange,
		Environment: cred.Environment,
		Symbol:      rec.Symbol,
		Side:        string(side),
		Amount:      rec.Quantity,
		Reason:      "position_close:" + string(reason),
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.OrderID = fill.OrderID
		result.Simulated = fill.Simulated
		result.Price = fill.FilledPrice
	}

	o.record(ctx, "close:"+rec.ID, result)

	if err != nil {
		return fmt.Errorf("execution: 平仓下单失败: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleSignal(ctx context.Context, op *scheduler.Operation) error {
	sig, ok := op.Payload.(Signal)
	if !ok {
		return fmt.Errorf("execution: 信号操作载荷类型无效: %T", op.Payload)
	}

	_, err := o.ProcessSignal(ctx, sig)
	return err
}

type balanceTask struct {
	userID      string
	exchange    string
	environment string
	credential  exchange.Credential
}

// SubmitBalanceRefresh 为每组凭据提交一个余额刷新操作。
func (o *Orchestrator) SubmitBalanceRefresh(ctx context.Context) error {
	accounts, err := o.accounts.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("execution: 余额刷新装载账户失败: %w", err)
	}

	for _, account := range accounts {
		for _, cred := range account.Credentials {
			_, err := o.sched.Submit(&scheduler.Operation{
				Kind: scheduler.KindBalanceUpdate,
				Payload: &balanceTask{
					userID:      account.User.ID,
					exchange:    cred.Exchange,
					environment: cred.Environment,
					credential: exchange.Credential{
						APIKey:    cred.APIKey,
						APISecret: cred.APISecret,
					},
				},
				Environment:  cred.Environment,
				ExchangeName: cred.Exchange,
				AccountType:  account.User.AccountType,
				UserTier:     account.User.Tier,
			})
			if err != nil {
				o.logger.Warn("提交余额刷新失败",
					zap.String("user", account.User.ID),
					zap.String("exchange", cred.Exchange),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

func (o *Orchestrator) handleBalanceUpdate(ctx context.Context, op *scheduler.Operation) error {
	task, ok := op.Payload.(*balanceTask)
	if !ok {
		return fmt.Errorf("execution: 余额操作载荷类型无效: %T", op.Payload)
	}

	adapter := o.adapterFor(task.exchange)
	balances, err := adapter.GetBalance(ctx, task.credential, environmentOf(task.environment))
	if err != nil {
		return fmt.Errorf("execution: 刷新余额失败: %w", err)
	}

	total := 0.0
	for _, amount := range balances {
		total += amount
	}

	if err := o.accounts.UpdateCredentialBalance(ctx, task.userID, task.exchange, task.environment, total); err != nil {
		// 落盘失败不回滚已取得的余额，留待下轮刷新。
		o.logger.Warn("余额落盘失败", zap.String("user", task.userID), zap.Error(err))
	}

	return nil
}

func (o *Orchestrator) handleUserManagement(ctx context.Context, op *scheduler.Operation) error {
	if _, err := o.accounts.Reload(ctx); err != nil {
		return fmt.Errorf("execution: 刷新账户缓存失败: %w", err)
	}
	return nil
}

// record 落盘一条执行结果。持久化失败不回滚内存中的执行效果。
func (o *Orchestrator) record(ctx context.Context, signalID string, res AttemptResult) {
	err := o.journal.InsertExecution(ctx, store.ExecutionRecord{
		SignalID:    signalID,
		UserID:      res.UserID,
		Exchange:    res.Exchange,
		Environment: res.Environment,
		Success:     res.Success,
		OrderID:     res.OrderID,
		Symbol:      res.Symbol,
		Side:        res.Side,
		Amount:      res.Amount,
		Price:       res.Price,
		Reason:      res.Reason,
		Error:       res.Error,
		Simulated:   res.Simulated,
		Timestamp:   res.Timestamp,
	})
	if err != nil {
		o.logger.Warn("执行结果落盘失败",
			zap.String("signal", signalID),
			zap.String("user", res.UserID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publishRiskViolation(res AttemptResult) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:    events.TypeRiskViolation,
		UserID:  res.UserID,
		Payload: res,
	})
}

// adapterFor 返回交易所对应的适配器；模拟模式下一律返回模拟适配器。
func (o *Orchestrator) adapterFor(exchangeName string) exchange.Adapter {
	if !o.cfg.RealTradingEnabled {
		return o.sim
	}
	if adapter, ok := o.adapters[strings.ToLower(exchangeName)]; ok {
		return adapter
	}
	return o.sim
}

func environmentOf(env string) exchange.Environment {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "mainnet", "live", "management":
		return exchange.EnvProduction
	default:
		return exchange.EnvTestnet
	}
}

func isManagement(accountType string) bool {
	switch strings.ToLower(strings.TrimSpace(accountType)) {
	case "management", "live", "production":
		return true
	default:
		return false
	}
}

// userPacer 为同一用户的顺序交易所调用保持最小间隔。
type userPacer struct {
	mu       sync.Mutex
	next     map[string]time.Time
	interval time.Duration
}

func newUserPacer(interval time.Duration) *userPacer {
	if interval < 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	return &userPacer{
		next:     make(map[string]time.Time),
		interval: interval,
	}
}

// Wait 预约下一个调用时隙并睡到该时隙，ctx 取消则提前返回。
func (p *userPacer) Wait(ctx context.Context, userID string) error {
	p.mu.Lock()
	now := time.Now()
	at, ok := p.next[userID]
	if !ok || at.Before(now) {
		at = now
	}
	p.next[userID] = at.Add(p.interval)
	p.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
