package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Status    StatusConfig    `mapstructure:"status"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment    string `mapstructure:"environment"`
	ManagementMode bool   `mapstructure:"management_mode"`
}

// SchedulerConfig 控制优先级调度器的行为。
type SchedulerConfig struct {
	MaxConcurrentOperations int           `mapstructure:"max_concurrent_operations"`
	HighPriorityRatio       float64       `mapstructure:"high_priority_ratio"`
	LowPriorityRatio        float64       `mapstructure:"low_priority_ratio"`
	DispatchInterval        time.Duration `mapstructure:"dispatch_interval"`
	EvictionInterval        time.Duration `mapstructure:"eviction_interval"`
	MaxWaitTime             time.Duration `mapstructure:"max_wait_time"`
	HandlerTimeout          time.Duration `mapstructure:"handler_timeout"`
}

// ExecutionConfig 控制信号执行行为。
type ExecutionConfig struct {
	RealTradingEnabled bool          `mapstructure:"real_trading_enabled"`
	UserCallInterval   time.Duration `mapstructure:"user_call_interval"`
}

// RiskConfig 为用户级风控的全局缺省值。
type RiskConfig struct {
	MaxLeverage       int     `mapstructure:"max_leverage"`
	MaxPositionSize   float64 `mapstructure:"max_position_size"`
	MandatoryStopLoss bool    `mapstructure:"mandatory_stop_loss"`
}

// MonitorConfig 控制仓位监控节奏与保护规则。
type MonitorConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	MaxHoldDuration      time.Duration `mapstructure:"max_hold_duration"`
	EmergencyDrawdownPct float64       `mapstructure:"emergency_drawdown_pct"`
}

// PriceFeedConfig 描述行情来源。
type PriceFeedConfig struct {
	Exchange   string        `mapstructure:"exchange"`
	UseSandbox bool          `mapstructure:"use_sandbox"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// StatusConfig 控制状态查询接口。
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Scheduler.MaxConcurrentOperations <= 0 {
		err = multierr.Append(err, errors.New("scheduler.max_concurrent_operations 必须大于0"))
	}
	if c.Scheduler.HighPriorityRatio <= 0 || c.Scheduler.HighPriorityRatio > 1 {
		err = multierr.Append(err, errors.New("scheduler.high_priority_ratio 必须位于(0,1]"))
	}
	if c.Scheduler.LowPriorityRatio < 0 || c.Scheduler.LowPriorityRatio > 1 {
		err = multierr.Append(err, errors.New("scheduler.low_priority_ratio 必须位于[0,1]"))
	}
	if c.Scheduler.HighPriorityRatio+c.Scheduler.LowPriorityRatio > 1 {
		err = multierr.Append(err, errors.New("scheduler 高低优先级配额之和不能超过1"))
	}
	if c.Scheduler.DispatchInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.dispatch_interval 必须大于0"))
	}
	if c.Scheduler.EvictionInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.eviction_interval 必须大于0"))
	}
	if c.Scheduler.MaxWaitTime <= 0 {
		err = multierr.Append(err, errors.New("scheduler.max_wait_time 必须大于0"))
	}
	if c.Scheduler.HandlerTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.handler_timeout 必须大于0"))
	}
	if c.Execution.UserCallInterval < 500*time.Millisecond {
		err = multierr.Append(err, errors.New("execution.user_call_interval 不能小于500ms"))
	}
	if c.Risk.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须大于0"))
	}
	if c.Risk.MaxPositionSize <= 0 {
		err = multierr.Append(err, errors.New("risk.max_position_size 必须大于0"))
	}
	if c.Monitor.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("monitor.tick_interval 必须大于0"))
	}
	if c.Monitor.MaxHoldDuration <= 0 {
		err = multierr.Append(err, errors.New("monitor.max_hold_duration 必须大于0"))
	}
	if c.Monitor.EmergencyDrawdownPct >= 0 {
		err = multierr.Append(err, errors.New("monitor.emergency_drawdown_pct 必须为负数"))
	}
	if c.PriceFeed.Exchange == "" {
		err = multierr.Append(err, errors.New("price_feed.exchange 不能为空"))
	}
	if c.PriceFeed.CacheTTL < 0 {
		err = multierr.Append(err, errors.New("price_feed.cache_ttl 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		err = multierr.Append(err, errors.New("status.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
