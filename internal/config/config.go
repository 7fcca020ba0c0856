package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ooda-engine/internal/logging"
)

// Backend kinds understood by the factory.
const (
	BackendFile     = "file"
	BackendEnhanced = "enhanced"
	BackendPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Inputs    InputsConfig    `mapstructure:"inputs"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Diagnosis DiagnosisConfig `mapstructure:"diagnosis"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Loss      LossConfig      `mapstructure:"loss"`
	Crews     CrewConfig      `mapstructure:"crews"`
	BOM       BOMConfig       `mapstructure:"bom"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// BackendConfig selects the artifact store strategy.
type BackendConfig struct {
	Kind       string         `mapstructure:"kind"`
	RootDir    string         `mapstructure:"root_dir"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Database   DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// InputsConfig locates externally supplied data.
type InputsConfig struct {
	Dir         string            `mapstructure:"dir"`
	Watch       bool              `mapstructure:"watch"`
	ForecastAPI ForecastAPIConfig `mapstructure:"forecast_api"`
}

// ForecastAPIConfig points at an optional remote forecasting service.
type ForecastAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// BoundsConfig is the accepted range of one signal.
type BoundsConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// DetectorConfig tunes anomaly scoring.
type DetectorConfig struct {
	WindowMinutes     int                     `mapstructure:"window_minutes"`
	SeverityThreshold float64                 `mapstructure:"severity_threshold"`
	MinSamples        int                     `mapstructure:"min_samples"`
	ZSaturation       float64                 `mapstructure:"z_saturation"`
	PowerSignal       string                  `mapstructure:"power_signal"`
	IrradianceSignal  string                  `mapstructure:"irradiance_signal"`
	IdlePowerKW       float64                 `mapstructure:"idle_power_kw"`
	CapacityTolerance float64                 `mapstructure:"capacity_tolerance"`
	ForecastWeight    float64                 `mapstructure:"forecast_weight"`
	ForecastTolerance time.Duration           `mapstructure:"forecast_tolerance"`
	GapFactor         float64                 `mapstructure:"gap_factor"`
	SignalWeights     map[string]float64      `mapstructure:"signal_weights"`
	Bounds            map[string]BoundsConfig `mapstructure:"bounds"`
}

// DiagnosisConfig tunes the composite risk score.
type DiagnosisConfig struct {
	Lookback        time.Duration `mapstructure:"lookback"`
	HalfLife        time.Duration `mapstructure:"half_life"`
	FrequencyScale  float64       `mapstructure:"frequency_scale"`
	WeightSeverity  float64       `mapstructure:"weight_severity"`
	WeightFrequency float64       `mapstructure:"weight_frequency"`
	WeightRecency   float64       `mapstructure:"weight_recency"`
	TrendEpsilon    float64       `mapstructure:"trend_epsilon"`
	EvidenceFloor   float64       `mapstructure:"evidence_floor"`
}

// RiskConfig parameterises Energy-at-Risk.
type RiskConfig struct {
	CapacityFactor  float64 `mapstructure:"capacity_factor"`
	TariffUSDPerKWh float64 `mapstructure:"tariff_usd_per_kwh"`
	Spread          float64 `mapstructure:"spread"`
	Horizons        []int   `mapstructure:"horizons"`
}

// LossConfig holds the loss-function weights.
type LossConfig struct {
	WEnergy float64 `mapstructure:"w_energy"`
	WCost   float64 `mapstructure:"w_cost"`
	WMTTR   float64 `mapstructure:"w_mttr"`
}

// CrewConfig holds crew defaults for scheduling.
type CrewConfig struct {
	CrewsAvailable int     `mapstructure:"crews_available"`
	HoursPerDay    float64 `mapstructure:"hours_per_day"`
	TaskHours      float64 `mapstructure:"task_hours"`
	WindowDays     int     `mapstructure:"window_days"`
}

// BOMConfig sets BOM selection defaults.
type BOMConfig struct {
	VariantsPerType int `mapstructure:"variants_per_type"`
}

// SchedulerConfig governs the monitoring cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	MinComposite float64        `mapstructure:"min_composite"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for alerts.
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
	v.SetEnvPrefix("OODA")
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
	v.SetDefault("app.name", "oodactl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("backend.kind", BackendFile)
	v.SetDefault("backend.root_dir", "artifacts")
	v.SetDefault("backend.sqlite_path", "artifacts/ooda.db")
	v.SetDefault("backend.database.max_open_conns", 10)
	v.SetDefault("backend.database.max_idle_conns", 2)
	v.SetDefault("backend.database.conn_max_lifetime", "30m")

	v.SetDefault("inputs.dir", "data")
	v.SetDefault("inputs.watch", true)
	v.SetDefault("inputs.forecast_api.request_timeout", "10s")

	v.SetDefault("detector.window_minutes", 15)
	v.SetDefault("detector.severity_threshold", 0.7)
	v.SetDefault("detector.min_samples", 4)
	v.SetDefault("detector.z_saturation", 2.0)
	v.SetDefault("detector.power_signal", "power")
	v.SetDefault("detector.irradiance_signal", "irradiance")
	v.SetDefault("detector.idle_power_kw", 0.5)
	v.SetDefault("detector.capacity_tolerance", 0.05)
	v.SetDefault("detector.forecast_weight", 0.5)
	v.SetDefault("detector.forecast_tolerance", "5m")
	v.SetDefault("detector.gap_factor", 3.0)
	v.SetDefault("detector.bounds", map[string]any{
		"temperature": map[string]float64{"min": -40, "max": 150},
		"voltage":     map[string]float64{"min": 0, "max": 1500},
		"power":       map[string]float64{"min": 0, "max": 100000},
		"irradiance":  map[string]float64{"min": 0, "max": 1500},
		"wind":        map[string]float64{"min": 0, "max": 75},
	})

	v.SetDefault("diagnosis.lookback", "168h")
	v.SetDefault("diagnosis.half_life", "24h")
	v.SetDefault("diagnosis.frequency_scale", 3.0)
	v.SetDefault("diagnosis.weight_severity", 0.5)
	v.SetDefault("diagnosis.weight_frequency", 0.3)
	v.SetDefault("diagnosis.weight_recency", 0.2)
	v.SetDefault("diagnosis.trend_epsilon", 0.05)
	v.SetDefault("diagnosis.evidence_floor", 0.5)

	v.SetDefault("risk.capacity_factor", 0.2)
	v.SetDefault("risk.tariff_usd_per_kwh", 0.12)
	v.SetDefault("risk.spread", 0.15)
	v.SetDefault("risk.horizons", []int{24, 72})

	v.SetDefault("loss.w_energy", 0.5)
	v.SetDefault("loss.w_cost", 0.3)
	v.SetDefault("loss.w_mttr", 0.2)

	v.SetDefault("crews.crews_available", 2)
	v.SetDefault("crews.hours_per_day", 8.0)
	v.SetDefault("crews.task_hours", 4.0)
	v.SetDefault("crews.window_days", 7)

	v.SetDefault("bom.variants_per_type", 0)

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x4f4f4441))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.concurrency", 4)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_composite", 0.6)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 5000)
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
	switch c.Backend.Kind {
	case BackendFile:
		if c.Backend.RootDir == "" {
			return fmt.Errorf("backend.root_dir is required for the file backend")
		}
	case BackendEnhanced:
		if c.Backend.SQLitePath == "" {
			return fmt.Errorf("backend.sqlite_path is required for the enhanced backend")
		}
	case BackendPostgres:
		if c.Backend.Database.DSN == "" {
			return fmt.Errorf("backend.database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("backend.kind %q is not one of file, enhanced, postgres", c.Backend.Kind)
	}
	if c.Detector.WindowMinutes <= 0 {
		return fmt.Errorf("detector.window_minutes must be greater than zero")
	}
	if c.Detector.SeverityThreshold < 0 || c.Detector.SeverityThreshold > 1 {
		return fmt.Errorf("detector.severity_threshold must lie in [0,1]")
	}
	for name, b := range c.Detector.Bounds {
		if b.Min > b.Max {
			return fmt.Errorf("detector.bounds.%s: min exceeds max", name)
		}
	}
	if c.Risk.CapacityFactor < 0 || c.Risk.CapacityFactor > 1 {
		return fmt.Errorf("risk.capacity_factor must lie in [0,1]")
	}
	if c.Risk.Spread < 0 || c.Risk.Spread > 1 {
		return fmt.Errorf("risk.spread must lie in [0,1]")
	}
	if c.Risk.TariffUSDPerKWh < 0 {
		return fmt.Errorf("risk.tariff_usd_per_kwh cannot be negative")
	}
	for _, h := range c.Risk.Horizons {
		if h <= 0 {
			return fmt.Errorf("risk.horizons must be positive, got %d", h)
		}
	}
	if c.Crews.CrewsAvailable < 1 {
		return fmt.Errorf("crews.crews_available must be at least one")
	}
	if c.Crews.HoursPerDay <= 0 || c.Crews.HoursPerDay > 24 {
		return fmt.Errorf("crews.hours_per_day must lie in (0,24]")
	}
	if c.Crews.TaskHours <= 0 {
		return fmt.Errorf("crews.task_hours must be greater than zero")
	}
	if c.BOM.VariantsPerType < 0 {
		return fmt.Errorf("bom.variants_per_type cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
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

// ResolveHorizons returns the CLI override or the configured horizons.
func (c *Config) ResolveHorizons(override []int) []int {
	if len(override) > 0 {
		return override
	}
	return c.Risk.Horizons
}
