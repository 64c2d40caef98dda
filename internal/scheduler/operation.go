package scheduler

import (
	"strings"
	"time"
)

// Kind 表示可调度操作的类别。
type Kind string

const (
	KindSignalProcessing Kind = "signal_processing"
	KindOrderExecution   Kind = "order_execution"
	KindBalanceUpdate    Kind = "balance_update"
	KindUserManagement   Kind = "user_management"
)

// Environment 为操作归属的运行环境。
type Environment string

const (
	EnvManagement Environment = "management"
	EnvTestnet    Environment = "testnet"
)

// Tier 为五级优先级队列之一。
type Tier int

const (
	TierBackground Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierCritical

	numTiers = int(TierCritical) + 1
)

// 各级别的分数阈值。
const (
	scoreCritical = 1000
	scoreHigh     = 500
	scoreMedium   = 100
	scoreLow      = 50
)

// 老化规则：入队超过60秒后每秒加1分，上限200分。
const (
	agingGraceSeconds = 60
	agingMaxBonus     = 200
)

// String 返回级别名称。
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "CRITICAL"
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	case TierLow:
		return "LOW"
	default:
		return "BACKGROUND"
	}
}

// Operation 是一个待调度的工作单元。
// 除调度器在准入与派发时写入的字段外，入队后不再被修改。
type Operation struct {
	ID      string
	Kind    Kind
	Payload interface{}

	// 环境识别的输入，按 ResolveEnvironment 的优先级消费。
	Environment  string
	ExchangeName string
	TestnetMode  *bool
	AccountType  string

	UserTier  string
	Amount    float64
	Emergency bool

	CreatedAt time.Time

	// OnDone 在操作到达终态（成功、失败、剔除）后被调用，可为 nil。
	OnDone func(Result)

	// 以下字段由调度器在准入时计算。
	Priority   int
	Tier       Tier
	EnqueuedAt time.Time
}

// Result 描述一个操作的终态。
type Result struct {
	OperationID string
	Kind        Kind
	Tier        Tier
	Err         error
	Evicted     bool
	Wait        time.Duration
	Duration    time.Duration
}

// ResolveEnvironment 按固定优先级从操作字段推导运行环境。
// 任何一步无法判定时落入下一步，最终缺省为 testnet（风险更低的一侧）。
func ResolveEnvironment(op *Operation, managementMode bool) Environment {
	switch strings.ToLower(strings.TrimSpace(op.Environment)) {
	case "management", "mainnet", "production", "prod", "live":
		return EnvManagement
	case "testnet", "sandbox", "test", "demo":
		return EnvTestnet
	}

	if name := strings.ToLower(op.ExchangeName); name != "" {
		if strings.Contains(name, "testnet") || strings.Contains(name, "sandbox") {
			return EnvTestnet
		}
		if strings.Contains(name, "mainnet") {
			return EnvManagement
		}
	}

	if op.TestnetMode != nil {
		if *op.TestnetMode {
			return EnvTestnet
		}
		return EnvManagement
	}

	switch strings.ToLower(strings.TrimSpace(op.AccountType)) {
	case "management", "live", "production":
		return EnvManagement
	case "testnet", "sandbox", "demo":
		return EnvTestnet
	}

	if managementMode {
		return EnvManagement
	}

	return EnvTestnet
}

// Classify 在准入时计算操作的优先级分数与所属级别。
// 分数是分类输入的纯函数，相同输入必然得到相同结果。
func Classify(op *Operation, managementMode bool, now time.Time) (int, Tier) {
	score := scoreMedium

	switch ResolveEnvironment(op, managementMode) {
	case EnvManagement:
		score = scoreHigh
	case EnvTestnet:
		score = scoreLow
	}

	if op.Emergency {
		score = scoreCritical
	}

	switch strings.ToUpper(strings.TrimSpace(op.UserTier)) {
	case "VIP", "ADMIN":
		score += 100
	}

	if op.Amount > 1000 {
		score += 50
	}

	if !op.CreatedAt.IsZero() {
		score += agingBonus(now.Sub(op.CreatedAt))
	}

	return score, tierForScore(score)
}

func tierForScore(score int) Tier {
	switch {
	case score >= scoreCritical:
		return TierCritical
	case score >= scoreHigh:
		return TierHigh
	case score >= scoreMedium:
		return TierMedium
	case score >= scoreLow:
		return TierLow
	default:
		return TierBackground
	}
}

// agingBonus 返回排队老化加分：超过宽限期后每秒1分，封顶200。
func agingBonus(age time.Duration) int {
	seconds := int(age.Seconds()) - agingGraceSeconds
	if seconds <= 0 {
		return 0
	}
	if seconds > agingMaxBonus {
		return agingMaxBonus
	}
	return seconds
}

// effectivePriority 为派发选择时的有效优先级：准入分数加上当前老化加分。
func effectivePriority(op *Operation, now time.Time) int {
	return op.Priority + agingBonus(now.Sub(op.EnqueuedAt))
}
