package app

import (
	"errors"
	"log/slog"

	"github.com/nimbleworks/chat_gateway/internal/pipeline"
	"github.com/nimbleworks/chat_gateway/internal/services/ratelimitstats"
	"github.com/nimbleworks/chat_gateway/internal/services/sla"
	"github.com/nimbleworks/chat_gateway/internal/services/usage"
)

// NewUsageSink adapts the usage ledger to the outcome pipeline. Only
// successful responses that identified a model produce a ledger entry;
// pricing failures are logged and swallowed, never propagated.
func NewUsageSink(svc *usage.Service) pipeline.Sink {
	return pipeline.SinkFunc(func(o pipeline.Outcome) {
		if o.Model == "" || o.StatusCode < 200 || o.StatusCode >= 300 {
			return
		}
		cost, err := svc.CalculateCost(o.Model, o.InputTokens, o.OutputTokens)
		if err != nil {
			if errors.Is(err, usage.ErrUnknownModel) {
				slog.Warn("usage entry skipped for unpriced model", slog.String("model", o.Model))
			} else {
				slog.Error("usage cost calculation failed", slog.String("model", o.Model), slog.String("error", err.Error()))
			}
			return
		}
		svc.Record(usage.Entry{
			UserID:       o.Identity.Key(),
			Model:        o.Model,
			Provider:     o.Provider,
			InputTokens:  o.InputTokens,
			OutputTokens: o.OutputTokens,
			Cost:         cost,
			Timestamp:    o.Timestamp,
			ChatID:       o.ChatID,
		})
	})
}

// NewSLASink adapts the SLA monitor to the outcome pipeline.
func NewSLASink(svc *sla.Service) pipeline.Sink {
	return pipeline.SinkFunc(func(o pipeline.Outcome) {
		svc.RecordRequest(o.Endpoint, o.Method, o.StatusCode, o.LatencyMs)
	})
}

// NewAnalyticsSink adapts the rate-limit analytics store to the outcome
// pipeline. Only outcomes that carry an admission decision are recorded;
// the admission controller is the sole producer of these.
func NewAnalyticsSink(svc *ratelimitstats.Service) pipeline.Sink {
	return pipeline.SinkFunc(func(o pipeline.Outcome) {
		if o.RateLimit == nil {
			return
		}
		svc.Record(ratelimitstats.Event{
			UserID:    o.Identity.Key(),
			Tier:      o.Identity.Tier,
			Endpoint:  o.Endpoint,
			Allowed:   o.RateLimit.Allowed,
			Remaining: o.RateLimit.Remaining,
			Limit:     o.RateLimit.Limit,
			Timestamp: o.Timestamp,
		})
	})
}
