package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig           `mapstructure:"app"`
	Logging    logging.Config      `mapstructure:"logging"`
	Server     ServerConfig        `mapstructure:"server"`
	Database   DatabaseConfig      `mapstructure:"database"`
	Monitor    MonitorConfig       `mapstructure:"monitor"`
	Thresholds detector.Thresholds `mapstructure:"thresholds"`
	Telemetry  TelemetryConfig     `mapstructure:"telemetry"`
	Predictive PredictiveConfig    `mapstructure:"predictive"`
	AI         AIConfig            `mapstructure:"ai"`
	Alerting   AlertingConfig      `mapstructure:"alerting"`
	Export     ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates the optional PostgreSQL archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MonitorConfig governs the sampling loop.
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Autostart        bool          `mapstructure:"autostart"`
	AnalysisEvery    int           `mapstructure:"analysis_every"`
	AnalysisWindow   int           `mapstructure:"analysis_window"`
	StressThreshold  int           `mapstructure:"stress_threshold"`
	RecalibrateEvery int           `mapstructure:"recalibrate_every"`
	HistoryWindow    int           `mapstructure:"history_window"`
}

// TelemetryConfig selects and tunes the data source.
type TelemetryConfig struct {
	// Source is "simulated" or "chain".
	Source            string        `mapstructure:"source"`
	Seed              int64         `mapstructure:"seed"`
	RPCURL            string        `mapstructure:"rpc_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ContractsBaseline int           `mapstructure:"contracts_baseline"`
}

// PredictiveConfig covers the external anomaly-prediction API.
type PredictiveConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AIConfig covers the text-generation API.
type AIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines outbound alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "aptos-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.autostart", true)
	v.SetDefault("monitor.analysis_every", 5)
	v.SetDefault("monitor.analysis_window", 10)
	v.SetDefault("monitor.stress_threshold", 3)
	v.SetDefault("monitor.recalibrate_every", 0)
	v.SetDefault("monitor.history_window", 50)

	v.SetDefault("thresholds.tps.min", 300)
	v.SetDefault("thresholds.tps.max", 1500)
	v.SetDefault("thresholds.gas_price.min", 20)
	v.SetDefault("thresholds.gas_price.max", 250)
	v.SetDefault("thresholds.pending.min", 500)
	v.SetDefault("thresholds.pending.max", 8000)
	v.SetDefault("thresholds.contracts_growth_pct", 10.0)

	v.SetDefault("telemetry.source", "simulated")
	v.SetDefault("telemetry.seed", int64(0))
	v.SetDefault("telemetry.request_timeout", "10s")
	v.SetDefault("telemetry.contracts_baseline", 55000)

	v.SetDefault("predictive.request_timeout", "10s")

	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.request_timeout", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x53454e54))
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch c.Telemetry.Source {
	case "simulated":
	case "chain":
		if c.Telemetry.RPCURL == "" {
			return fmt.Errorf("telemetry.rpc_url is required for the chain source")
		}
	default:
		return fmt.Errorf("telemetry.source must be \"simulated\" or \"chain\", got %q", c.Telemetry.Source)
	}
	if c.Thresholds.TPS.Min >= c.Thresholds.TPS.Max {
		return fmt.Errorf("thresholds.tps.min must be below thresholds.tps.max")
	}
	if c.Thresholds.GasPrice.Min >= c.Thresholds.GasPrice.Max {
		return fmt.Errorf("thresholds.gas_price.min must be below thresholds.gas_price.max")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
