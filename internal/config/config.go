package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "router"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.management_mode", false)

	v.SetDefault("scheduler.max_concurrent_operations", 50)
	v.SetDefault("scheduler.high_priority_ratio", 0.8)
	v.SetDefault("scheduler.low_priority_ratio", 0.2)
	v.SetDefault("scheduler.dispatch_interval", "100ms")
	v.SetDefault("scheduler.eviction_interval", "60s")
	v.SetDefault("scheduler.max_wait_time", "30s")
	v.SetDefault("scheduler.handler_timeout", "2m")

	v.SetDefault("execution.real_trading_enabled", false)
	v.SetDefault("execution.user_call_interval", "500ms")

	v.SetDefault("risk.max_leverage", 10)
	v.SetDefault("risk.max_position_size", 100)
	v.SetDefault("risk.mandatory_stop_loss", false)

	v.SetDefault("monitor.tick_interval", "3s")
	v.SetDefault("monitor.max_hold_duration", "4h")
	v.SetDefault("monitor.emergency_drawdown_pct", -50)

	v.SetDefault("price_feed.exchange", "binanceusdm")
	v.SetDefault("price_feed.use_sandbox", false)
	v.SetDefault("price_feed.cache_ttl", "2s")

	v.SetDefault("database.path", "data/signal_router.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8099)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
