package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %q", cfg.Server.ListenAddr)
	}
	if cfg.RateLimits.Free.RequestsPerMinute != 10 {
		t.Errorf("expected free rpm 10, got %d", cfg.RateLimits.Free.RequestsPerMinute)
	}
	if cfg.RateLimits.Ultra.RequestsPerDay != 20_000 {
		t.Errorf("expected ultra rpd 20000, got %d", cfg.RateLimits.Ultra.RequestsPerDay)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("expected idempotency ttl 24h, got %v", cfg.Idempotency.TTL)
	}
	if cfg.SLA.StatusWindow != time.Hour {
		t.Errorf("expected status window 1h, got %v", cfg.SLA.StatusWindow)
	}
	if cfg.DistributedMode() {
		t.Error("expected local mode without a redis url")
	}

	found := false
	for _, p := range cfg.RateLimits.BypassPaths {
		if p == "/healthz" {
			found = true
		}
	}
	if !found {
		t.Error("expected /healthz in default bypass paths")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GATEWAY_RATE_LIMITS_FREE_REQUESTS_PER_MINUTE", "3")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DistributedMode() {
		t.Error("expected distributed mode with GATEWAY_REDIS_URL set")
	}
	if cfg.RateLimits.Free.RequestsPerMinute != 3 {
		t.Errorf("expected env-overridden free rpm 3, got %d", cfg.RateLimits.Free.RequestsPerMinute)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero rpm", func(c *Config) { c.RateLimits.Pro.RequestsPerMinute = 0 }},
		{"zero idempotency ttl", func(c *Config) { c.Idempotency.TTL = 0 }},
		{"budget perc out of range", func(c *Config) { c.Usage.BudgetWarningPerc = 1.5 }},
		{"inverted status thresholds", func(c *Config) {
			c.SLA.DegradedErrorPerc = 60
			c.SLA.OutageErrorPerc = 50
		}},
		{"bad timezone", func(c *Config) { c.Reporting.Timezone = "Mars/Olympus" }},
		{"unnamed model price", func(c *Config) {
			c.ModelPrices = []ModelPriceEntry{{Provider: "openai", InputPerMillion: 1}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestValidateFillsAbuseDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.RateLimits.Abuse = AbuseConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.RateLimits.Abuse.BurstThreshold != 10 {
		t.Errorf("expected burst threshold default 10, got %d", cfg.RateLimits.Abuse.BurstThreshold)
	}
	if cfg.RateLimits.Abuse.Window != 10*time.Minute {
		t.Errorf("expected abuse window default 10m, got %v", cfg.RateLimits.Abuse.Window)
	}
}
