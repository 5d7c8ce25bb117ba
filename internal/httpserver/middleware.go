package httpserver

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbleworks/chat_gateway/internal/app"
	"github.com/nimbleworks/chat_gateway/internal/cache"
	"github.com/nimbleworks/chat_gateway/internal/httpserver/httputil"
	"github.com/nimbleworks/chat_gateway/internal/limits"
	"github.com/nimbleworks/chat_gateway/internal/pipeline"
	"github.com/nimbleworks/chat_gateway/internal/requestctx"
)

// Identity headers set by the authentication layer in front of this
// gateway. Requests without them are treated as anonymous FREE-tier
// callers keyed by client IP.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserTier = "X-User-Tier"
)

const (
	HeaderIdempotencyKey         = "Idempotency-Key"
	HeaderIdempotentReplayed     = "X-Idempotent-Replayed"
	HeaderIdempotentOriginalTime = "X-Idempotent-Original-Time"
)

const (
	localsDecision = "admission_decision"
	localsReplayed = "idempotent_replay"
)

// resolveIdentity maps trusted auth headers onto the request identity and
// plumbs it through fiber locals and the user context.
func resolveIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var id requestctx.Identity
		if userID := strings.TrimSpace(c.Get(HeaderUserID)); userID != "" {
			id = requestctx.Authenticated(userID, c.Get(HeaderUserTier))
		} else {
			id = requestctx.Anonymous(c.IP())
		}
		c.Locals(requestctx.FiberLocalsKey(), id)
		c.SetUserContext(requestctx.WithContext(c.UserContext(), id))
		return c.Next()
	}
}

func identityFrom(c *fiber.Ctx) requestctx.Identity {
	if id, ok := c.Locals(requestctx.FiberLocalsKey()).(requestctx.Identity); ok {
		return id
	}
	return requestctx.Anonymous(c.IP())
}

// admission runs the rate-limit check before the route handler. Backend
// failures surface as 503; the gateway never silently fails open or
// closed. Quota headers are set on both the allow and deny paths.
func admission(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if container.Bypass.Contains(c.Path()) {
			return c.Next()
		}

		id := identityFrom(c)
		decision, err := container.Limiter.CheckAndConsume(c.UserContext(), id, c.Path())
		if err != nil {
			container.Observability.RecordAdmission(string(id.Tier), "error")
			slog.Error("admission check failed",
				slog.String("subject", id.Key()),
				slog.String("error", err.Error()))
			return httputil.WriteError(c, fiber.StatusServiceUnavailable, "rate limit backend unavailable")
		}

		for name, value := range decision.Headers {
			c.Set(name, value)
		}
		c.Locals(localsDecision, rateLimitOutcome(decision))

		if !decision.Allowed {
			container.Observability.RecordAdmission(string(id.Tier), "denied_"+decision.Scope)
			return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		container.Observability.RecordAdmission(string(id.Tier), "allowed")
		return c.Next()
	}
}

func rateLimitOutcome(d limits.Decision) *pipeline.RateLimitOutcome {
	out := &pipeline.RateLimitOutcome{Allowed: d.Allowed}
	if v, err := strconv.ParseInt(d.Headers[limits.HeaderLimit], 10, 64); err == nil {
		out.Limit = v
	}
	if v, err := strconv.ParseInt(d.Headers[limits.HeaderRemaining], 10, 64); err == nil {
		out.Remaining = v
	}
	return out
}

// idempotency wraps the handler with check-before / store-after replay
// semantics. Only POST, PUT, and PATCH carry replay semantics; a present
// but invalid key is a 400 before any handler work.
func idempotency(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cache.CacheableMethod(c.Method()) {
			return c.Next()
		}
		raw := c.Request().Header.Peek(HeaderIdempotencyKey)
		if raw == nil {
			return c.Next()
		}

		key := string(raw)
		if err := cache.ValidateKey(key, container.Config.Idempotency.MaxKeyLength); err != nil {
			container.Observability.RecordIdempotency("rejected")
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}
		composite := cache.CompositeKey(identityFrom(c).Key(), strings.TrimSpace(key))

		if resp, createdAt, ok := container.Idempotency.Get(composite); ok {
			container.Observability.RecordIdempotency("replay")
			c.Locals(localsReplayed, true)
			for name, value := range resp.Headers {
				c.Set(name, value)
			}
			c.Set(HeaderIdempotentReplayed, "true")
			c.Set(HeaderIdempotentOriginalTime, createdAt.UTC().Format(time.RFC3339))
			return c.Status(resp.Status).Send(resp.Body)
		}
		container.Observability.RecordIdempotency("miss")

		if err := c.Next(); err != nil {
			return err
		}

		// Snapshot 2xx responses only. A failed request stays uncached so
		// the client can retry under the same key.
		status := c.Response().StatusCode()
		if status >= 200 && status < 300 {
			headers := make(map[string]string)
			c.Response().Header.VisitAll(func(k, v []byte) {
				headers[string(k)] = string(v)
			})
			body := make([]byte, len(c.Response().Body()))
			copy(body, c.Response().Body())
			container.Idempotency.Put(composite, cache.Response{
				Status:  status,
				Headers: headers,
				Body:    body,
			})
		}
		return nil
	}
}

// record measures the request and hands the outcome to the fire-and-forget
// pipeline once the response is final. Registered before admission so
// denials and replays are captured too.
func record(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fiberErr, ok := err.(*fiber.Error); ok {
				status = fiberErr.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		outcome := pipeline.Outcome{
			Identity:   identityFrom(c),
			Endpoint:   c.Path(),
			Method:     c.Method(),
			StatusCode: status,
			LatencyMs:  float64(time.Since(start).Microseconds()) / 1000,
		}
		if d, ok := c.Locals(localsDecision).(*pipeline.RateLimitOutcome); ok {
			outcome.RateLimit = d
		}
		// A replayed response carries the cached body but the handler never
		// ran, so it must not produce a second ledger entry.
		replayed, _ := c.Locals(localsReplayed).(bool)
		if status >= 200 && status < 300 && !replayed {
			attachModelUsage(c, &outcome, container)
		}
		if !container.Pipeline.Dispatch(outcome) {
			container.Observability.RecordQueueDrop()
		}
		return err
	}
}

// attachModelUsage extracts token accounting from a chat-completion style
// JSON response body. Best effort; anything unparseable leaves the
// outcome without usage data.
func attachModelUsage(c *fiber.Ctx, outcome *pipeline.Outcome, container *app.Container) {
	body := c.Response().Body()
	if len(body) == 0 || body[0] != '{' {
		return
	}
	var payload struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Model == "" {
		return
	}
	outcome.Model = payload.Model
	outcome.Provider = container.Usage.ProviderFor(payload.Model)
	outcome.InputTokens = payload.Usage.PromptTokens
	outcome.OutputTokens = payload.Usage.CompletionTokens
	outcome.ChatID = payload.ID
}
