package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"signal-router/internal/config"
)

// ErrEvicted 表示操作在队列中等待超时，从未被派发。
var ErrEvicted = errors.New("scheduler: 操作在队列中等待超时被剔除")

// Handler 处理某一类操作，返回 nil 视为成功。
type Handler func(ctx context.Context, op *Operation) error

// Snapshot 为调度器的只读状态快照。
type Snapshot struct {
	QueueDepths map[string]int `json:"queue_depths"`
	Active      int            `json:"active"`
	Processed   int            `json:"processed"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Evicted     int            `json:"evicted"`
	AverageWait time.Duration  `json:"average_wait"`
}

// Scheduler 维护五级优先级队列，并在受限并发预算内派发操作。
// 派发循环是系统中唯一施加全局顺序的地方。
type Scheduler struct {
	cfg            config.SchedulerConfig
	managementMode bool
	logger         *zap.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	queues    [numTiers][]*Operation
	handlers  map[Kind]Handler
	started   bool
	active    int
	processed int
	succeeded int
	failed    int
	evicted   int
	totalWait time.Duration

	wg sync.WaitGroup
}

// New 创建调度器。
func New(cfg config.SchedulerConfig, managementMode bool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:            cfg,
		managementMode: managementMode,
		logger:         logger,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrentOperations)),
		handlers:       make(map[Kind]Handler),
	}
}

// Register 为指定操作类别注册处理函数，必须在 Start 之前完成。
func (s *Scheduler) Register(kind Kind, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("scheduler: %s 的处理函数不能为空", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler: 启动后不能再注册处理函数")
	}
	if _, ok := s.handlers[kind]; ok {
		return fmt.Errorf("scheduler: %s 已注册处理函数", kind)
	}

	s.handlers[kind] = handler
	return nil
}

// Submit 对操作分级后放入对应队列，立即返回操作ID。
// 仅在输入不合法时失败，绝不阻塞。
func (s *Scheduler) Submit(op *Operation) (string, error) {
	if op == nil {
		return "", errors.New("scheduler: 操作不能为空")
	}
	if op.Kind == "" {
		return "", errors.New("scheduler: 操作类别不能为空")
	}
	if op.Amount < 0 {
		return "", errors.New("scheduler: 操作金额不能为负")
	}

	now := time.Now().UTC()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[op.Kind]; !ok {
		return "", fmt.Errorf("scheduler: 未注册 %s 的处理函数", op.Kind)
	}

	op.Priority, op.Tier = Classify(op, s.managementMode, now)
	op.EnqueuedAt = now

	s.enqueueLocked(op)

	return op.ID, nil
}

// 保持 (优先级降序, 入队时间升序) 的队内顺序。
func (s *Scheduler) enqueueLocked(op *Operation) {
	queue := s.queues[op.Tier]
	idx := sort.Search(len(queue), func(i int) bool {
		if queue[i].Priority != op.Priority {
			return queue[i].Priority < op.Priority
		}
		return queue[i].EnqueuedAt.After(op.EnqueuedAt)
	})

	queue = append(queue, nil)
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = op
	s.queues[op.Tier] = queue
}

// Start 启动派发循环与剔除巡检，ctx 取消后停止。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.evictionLoop(ctx)
}

// Wait 阻塞直到所有循环与在途操作结束。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchTick(ctx)
		}
	}
}

func (s *Scheduler) dispatchTick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	available := s.cfg.MaxConcurrentOperations - s.active
	if available <= 0 {
		s.mu.Unlock()
		return
	}

	batch := s.selectBatchLocked(available, now)
	s.active += len(batch)
	s.mu.Unlock()

	for _, op := range batch {
		if !s.sem.TryAcquire(1) {
			// 预算核算已保证名额，理论上不会到这里；回退入队兜底。
			s.mu.Lock()
			s.active--
			s.enqueueLocked(op)
			s.mu.Unlock()
			continue
		}

		s.wg.Add(1)
		go s.runOperation(ctx, op, now)
	}
}

// selectBatchLocked 按配额切分一批操作：
// 高优先级配额先从 CRITICAL、再从 HIGH 提取；其后 MEDIUM 使用剩余预算，
// 但为 LOW 预留低优先级配额，保证测试网操作不被饿死；
// 仍未用完的名额交给 BACKGROUND。
func (s *Scheduler) selectBatchLocked(available int, now time.Time) []*Operation {
	batch := make([]*Operation, 0, available)

	highQuota := int(float64(available) * s.cfg.HighPriorityRatio)
	if highQuota < 1 {
		highQuota = 1
	}
	batch = s.drainLocked(batch, TierCritical, highQuota, now)
	batch = s.drainLocked(batch, TierHigh, highQuota-len(batch), now)

	lowReserve := int(float64(available) * s.cfg.LowPriorityRatio)
	if lowReserve < 1 && available-len(batch) > 1 {
		lowReserve = 1
	}
	if lowReserve > available-len(batch) {
		lowReserve = available - len(batch)
	}

	batch = s.drainLocked(batch, TierMedium, available-len(batch)-lowReserve, now)
	batch = s.drainLocked(batch, TierLow, available-len(batch), now)
	batch = s.drainLocked(batch, TierBackground, available-len(batch), now)

	return batch
}

func (s *Scheduler) drainLocked(batch []*Operation, tier Tier, budget int, now time.Time) []*Operation {
	if budget <= 0 {
		return batch
	}

	queue := s.queues[tier]
	if len(queue) == 0 {
		return batch
	}

	// 老化加分在选取时生效，只影响队内先后，不改变级别归属。
	sort.SliceStable(queue, func(i, j int) bool {
		pi, pj := effectivePriority(queue[i], now), effectivePriority(queue[j], now)
		if pi != pj {
			return pi > pj
		}
		return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt)
	})

	n := budget
	if n > len(queue) {
		n = len(queue)
	}

	batch = append(batch, queue[:n]...)
	s.queues[tier] = queue[n:]
	return batch
}

func (s *Scheduler) runOperation(ctx context.Context, op *Operation, dispatchedAt time.Time) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	wait := dispatchedAt.Sub(op.EnqueuedAt)

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()

	started := time.Now()
	err := s.invoke(opCtx, op)
	duration := time.Since(started)

	s.mu.Lock()
	s.active--
	s.processed++
	s.totalWait += wait
	if err != nil {
		s.failed++
	} else {
		s.succeeded++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("操作执行失败",
			zap.String("operation", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("tier", op.Tier.String()),
			zap.Error(err),
		)
	}

	if op.OnDone != nil {
		op.OnDone(Result{
			OperationID: op.ID,
			Kind:        op.Kind,
			Tier:        op.Tier,
			Err:         err,
			Wait:        wait,
			Duration:    duration,
		})
	}
}

// invoke 隔离单个处理函数的 panic，绝不让一个操作拖垮同批次的其他操作。
func (s *Scheduler) invoke(ctx context.Context, op *Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: 处理函数 panic: %v", r)
		}
	}()

	s.mu.Lock()
	handler := s.handlers[op.Kind]
	s.mu.Unlock()

	return handler(ctx, op)
}

func (s *Scheduler) evictionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// evictExpired 清理等待超时且从未被派发的操作。被剔除的操作不会重试，
// 重试与否由提交方决定。
func (s *Scheduler) evictExpired() {
	now := time.Now().UTC()

	var expired []*Operation

	s.mu.Lock()
	for tier := range s.queues {
		queue := s.queues[tier]
		kept := queue[:0]
		for _, op := range queue {
			if now.Sub(op.EnqueuedAt) > s.cfg.MaxWaitTime {
				expired = append(expired, op)
			} else {
				kept = append(kept, op)
			}
		}
		s.queues[tier] = kept
	}
	s.evicted += len(expired)
	s.processed += len(expired)
	s.mu.Unlock()

	for _, op := range expired {
		s.logger.Warn("操作等待超时被剔除",
			zap.String("operation", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.String("tier", op.Tier.String()),
			zap.Duration("waited", now.Sub(op.EnqueuedAt)),
		)
		if op.OnDone != nil {
			op.OnDone(Result{
				OperationID: op.ID,
				Kind:        op.Kind,
				Tier:        op.Tier,
				Err:         ErrEvicted,
				Evicted:     true,
				Wait:        now.Sub(op.EnqueuedAt),
			})
		}
	}
}

// Status 返回当前状态快照，可与派发循环并发调用。
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[string]int, numTiers)
	for tier := range s.queues {
		depths[Tier(tier).String()] = len(s.queues[tier])
	}

	snapshot := Snapshot{
		QueueDepths: depths,
		Active:      s.active,
		Processed:   s.processed,
		Succeeded:   s.succeeded,
		Failed:      s.failed,
		Evicted:     s.evicted,
	}
	if done := s.processed - s.evicted; done > 0 {
		snapshot.AverageWait = s.totalWait / time.Duration(done)
	}

	return snapshot
}
