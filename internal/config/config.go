package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the gateway service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Usage         UsageConfig         `mapstructure:"usage"`
	SLA           SLAConfig           `mapstructure:"sla"`
	Analytics     AnalyticsConfig     `mapstructure:"analytics"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	ModelPrices   []ModelPriceEntry   `mapstructure:"model_prices"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

// UpstreamConfig points the gateway at the chat application it fronts.
// An empty URL leaves the API surface returning 502 for proxied routes,
// which keeps the gateway bootable in isolation.
type UpstreamConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig selects the distributed counter backend. An empty URL puts the
// admission controller into local token-bucket mode at startup.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// TierQuota holds the per-tier admission quotas.
type TierQuota struct {
	RequestsPerMinute int   `mapstructure:"requests_per_minute"`
	RequestsPerDay    int   `mapstructure:"requests_per_day"`
	TokensPerDay      int64 `mapstructure:"tokens_per_day"`
}

type RateLimitConfig struct {
	Free        TierQuota   `mapstructure:"free"`
	Starter     TierQuota   `mapstructure:"starter"`
	Pro         TierQuota   `mapstructure:"pro"`
	Ultra       TierQuota   `mapstructure:"ultra"`
	Abuse       AbuseConfig `mapstructure:"abuse"`
	BypassPaths []string    `mapstructure:"bypass_paths"`
}

// AbuseConfig tunes the FREE-tier burst heuristic. The thresholds are
// empirically tuned, so they live in configuration rather than code.
type AbuseConfig struct {
	BurstGap       time.Duration `mapstructure:"burst_gap"`
	BurstThreshold int           `mapstructure:"burst_threshold"`
	Window         time.Duration `mapstructure:"window"`
	WindowRequests int           `mapstructure:"window_requests"`
	TokenPenalty   float64       `mapstructure:"token_penalty"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	Capacity      int           `mapstructure:"capacity"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxKeyLength  int           `mapstructure:"max_key_length"`
}

type UsageConfig struct {
	BudgetWarningPerc float64 `mapstructure:"budget_warning_perc"`
}

type SLAConfig struct {
	UptimeTarget      float64       `mapstructure:"uptime_target"`
	P95TargetMs       float64       `mapstructure:"p95_target_ms"`
	ErrorRateTarget   float64       `mapstructure:"error_rate_target"`
	SlowThresholdMs   float64       `mapstructure:"slow_threshold_ms"`
	DegradedErrorPerc float64       `mapstructure:"degraded_error_perc"`
	OutageErrorPerc   float64       `mapstructure:"outage_error_perc"`
	StatusWindow      time.Duration `mapstructure:"status_window"`
}

type AnalyticsConfig struct {
	Retention  time.Duration `mapstructure:"retention"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ObservabilityConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// ModelPriceEntry overrides or extends the built-in price table.
// Prices are USD per one million tokens.
type ModelPriceEntry struct {
	Model            string  `mapstructure:"model"`
	Provider         string  `mapstructure:"provider"`
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("GATEWAY_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are sane.
func (c *Config) Validate() error {
	for name, quota := range map[string]TierQuota{
		"free":    c.RateLimits.Free,
		"starter": c.RateLimits.Starter,
		"pro":     c.RateLimits.Pro,
		"ultra":   c.RateLimits.Ultra,
	} {
		if quota.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s.requests_per_minute must be > 0", name)
		}
		if quota.RequestsPerDay <= 0 {
			return fmt.Errorf("rate_limits.%s.requests_per_day must be > 0", name)
		}
		if quota.TokensPerDay <= 0 {
			return fmt.Errorf("rate_limits.%s.tokens_per_day must be > 0", name)
		}
	}

	abuse := &c.RateLimits.Abuse
	if abuse.BurstGap <= 0 {
		abuse.BurstGap = 5 * time.Second
	}
	if abuse.BurstThreshold <= 0 {
		abuse.BurstThreshold = 10
	}
	if abuse.Window <= 0 {
		abuse.Window = 10 * time.Minute
	}
	if abuse.WindowRequests <= 0 {
		abuse.WindowRequests = 50
	}
	if abuse.TokenPenalty <= 0 {
		abuse.TokenPenalty = 0.5
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be > 0")
	}
	if c.Idempotency.Capacity <= 0 {
		return fmt.Errorf("idempotency.capacity must be > 0")
	}
	if c.Idempotency.SweepInterval <= 0 {
		return fmt.Errorf("idempotency.sweep_interval must be > 0")
	}
	if c.Idempotency.MaxKeyLength <= 0 {
		c.Idempotency.MaxKeyLength = 255
	}

	if c.Usage.BudgetWarningPerc <= 0 || c.Usage.BudgetWarningPerc >= 1 {
		return fmt.Errorf("usage.budget_warning_perc must be between 0 and 1 exclusive")
	}

	if c.SLA.UptimeTarget <= 0 || c.SLA.UptimeTarget > 100 {
		return fmt.Errorf("sla.uptime_target must be in (0, 100]")
	}
	if c.SLA.P95TargetMs <= 0 {
		return fmt.Errorf("sla.p95_target_ms must be > 0")
	}
	if c.SLA.ErrorRateTarget < 0 {
		return fmt.Errorf("sla.error_rate_target must be >= 0")
	}
	if c.SLA.DegradedErrorPerc <= 0 || c.SLA.OutageErrorPerc <= c.SLA.DegradedErrorPerc {
		return fmt.Errorf("sla status thresholds must satisfy 0 < degraded < outage")
	}

	if c.Analytics.Retention <= 0 {
		return fmt.Errorf("analytics.retention must be > 0")
	}
	if c.Analytics.MaxEntries <= 0 {
		return fmt.Errorf("analytics.max_entries must be > 0")
	}

	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	reportingTZ := strings.TrimSpace(c.Reporting.Timezone)
	if reportingTZ == "" {
		reportingTZ = "UTC"
	}
	if _, err := time.LoadLocation(reportingTZ); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = reportingTZ

	for i, entry := range c.ModelPrices {
		if strings.TrimSpace(entry.Model) == "" {
			return fmt.Errorf("model_prices[%d].model must be provided", i)
		}
		if entry.InputPerMillion < 0 || entry.OutputPerMillion < 0 {
			return fmt.Errorf("model_prices[%d] prices must be >= 0", i)
		}
	}

	return nil
}

// DistributedMode reports whether a distributed counter backend is configured.
// The choice is made once at startup and never revisited per request.
func (c *Config) DistributedMode() bool {
	return strings.TrimSpace(c.Redis.URL) != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 10)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.timeout", "60s")

	// The empty URL default keeps the key visible to AutomaticEnv so
	// GATEWAY_REDIS_URL can switch the admission backend.
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "3s")
	v.SetDefault("redis.read_timeout", "2s")

	v.SetDefault("rate_limits.free.requests_per_minute", 10)
	v.SetDefault("rate_limits.free.requests_per_day", 200)
	v.SetDefault("rate_limits.free.tokens_per_day", 50_000)
	v.SetDefault("rate_limits.starter.requests_per_minute", 30)
	v.SetDefault("rate_limits.starter.requests_per_day", 1_500)
	v.SetDefault("rate_limits.starter.tokens_per_day", 500_000)
	v.SetDefault("rate_limits.pro.requests_per_minute", 60)
	v.SetDefault("rate_limits.pro.requests_per_day", 5_000)
	v.SetDefault("rate_limits.pro.tokens_per_day", 2_000_000)
	v.SetDefault("rate_limits.ultra.requests_per_minute", 120)
	v.SetDefault("rate_limits.ultra.requests_per_day", 20_000)
	v.SetDefault("rate_limits.ultra.tokens_per_day", 10_000_000)

	v.SetDefault("rate_limits.abuse.burst_gap", "5s")
	v.SetDefault("rate_limits.abuse.burst_threshold", 10)
	v.SetDefault("rate_limits.abuse.window", "10m")
	v.SetDefault("rate_limits.abuse.window_requests", 50)
	v.SetDefault("rate_limits.abuse.token_penalty", 0.5)

	v.SetDefault("rate_limits.bypass_paths", []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/status",
		"/.well-known",
		"/docs",
		"/auth",
	})

	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.capacity", 10_000)
	v.SetDefault("idempotency.sweep_interval", "5m")
	v.SetDefault("idempotency.max_key_length", 255)

	v.SetDefault("usage.budget_warning_perc", 0.8)

	v.SetDefault("sla.uptime_target", 99.9)
	v.SetDefault("sla.p95_target_ms", 500)
	v.SetDefault("sla.error_rate_target", 0.1)
	v.SetDefault("sla.slow_threshold_ms", 1000)
	v.SetDefault("sla.degraded_error_perc", 10)
	v.SetDefault("sla.outage_error_perc", 50)
	v.SetDefault("sla.status_window", "1h")

	v.SetDefault("analytics.retention", "24h")
	v.SetDefault("analytics.max_entries", 100_000)

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("observability.enable_metrics", true)
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
