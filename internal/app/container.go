package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbleworks/chat_gateway/internal/cache"
	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/limits"
	"github.com/nimbleworks/chat_gateway/internal/observability"
	"github.com/nimbleworks/chat_gateway/internal/pipeline"
	"github.com/nimbleworks/chat_gateway/internal/services/ratelimitstats"
	"github.com/nimbleworks/chat_gateway/internal/services/sla"
	"github.com/nimbleworks/chat_gateway/internal/services/usage"
)

// Container aggregates the runtime singletons built once at startup and
// injected into handlers. The admission strategy is chosen here, from
// configuration, and never re-selected per request.
type Container struct {
	Config        *config.Config
	Redis         *redis.Client
	Limiter       limits.Strategy
	Bypass        *limits.BypassList
	Idempotency   *cache.IdempotencyCache
	Usage         *usage.Service
	SLA           *sla.Service
	Analytics     *ratelimitstats.Service
	Pipeline      *pipeline.Dispatcher
	Observability *observability.Provider

	ReportingLocation *time.Location
}

// NewContainer wires the services. redisClient may be nil; its presence
// matches cfg.DistributedMode(), decided by the caller at startup.
func NewContainer(cfg *config.Config, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	locName := strings.TrimSpace(cfg.Reporting.Timezone)
	if locName == "" {
		locName = "UTC"
	}
	reportingLoc, err := time.LoadLocation(locName)
	if err != nil {
		return nil, fmt.Errorf("load reporting timezone: %w", err)
	}

	var limiter limits.Strategy
	if cfg.DistributedMode() {
		if redisClient == nil {
			return nil, fmt.Errorf("distributed mode configured without a redis client")
		}
		limiter = limits.NewRedisLimiter(redisClient, cfg.RateLimits)
	} else {
		limiter = limits.NewLocalLimiter(cfg.RateLimits, reportingLoc)
	}

	obsProvider, err := observability.Setup(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	usageSvc := usage.NewService(cfg.Usage, cfg.ModelPrices, reportingLoc)
	slaSvc := sla.NewService(cfg.SLA)
	analyticsSvc := ratelimitstats.NewService(cfg.Analytics)

	container := &Container{
		Config:            cfg,
		Redis:             redisClient,
		Limiter:           limiter,
		Bypass:            limits.NewBypassList(cfg.RateLimits.BypassPaths),
		Idempotency:       cache.NewIdempotencyCache(cfg.Idempotency.TTL, cfg.Idempotency.Capacity),
		Usage:             usageSvc,
		SLA:               slaSvc,
		Analytics:         analyticsSvc,
		Observability:     obsProvider,
		ReportingLocation: reportingLoc,
	}
	container.Pipeline = pipeline.NewDispatcher(0,
		NewUsageSink(usageSvc),
		NewSLASink(slaSvc),
		NewAnalyticsSink(analyticsSvc),
	)
	return container, nil
}

// ReportingLoc returns the reporting timezone, defaulting to UTC.
func (c *Container) ReportingLoc() *time.Location {
	if c != nil && c.ReportingLocation != nil {
		return c.ReportingLocation
	}
	return time.UTC
}

// Reset restores every stateful service to its initial state. Test hook.
func (c *Container) Reset() {
	if c == nil {
		return
	}
	c.Limiter.Reset()
	c.Idempotency.Reset()
	c.Usage.Reset()
	c.SLA.Reset()
	c.Analytics.Reset()
}
