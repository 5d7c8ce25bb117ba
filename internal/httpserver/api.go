package httpserver

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"

	"github.com/nimbleworks/chat_gateway/internal/app"
	"github.com/nimbleworks/chat_gateway/internal/httpserver/httputil"
)

// registerAPIRoutes mounts the admission-checked public surface. Every
// /v1 request runs identity resolution, outcome recording, admission, and
// idempotency before being forwarded to the chat application upstream.
func registerAPIRoutes(fiberApp *fiber.App, container *app.Container) {
	api := fiberApp.Group("/v1",
		resolveIdentity(),
		record(container),
		admission(container),
		idempotency(container),
	)
	api.All("/*", forwardUpstream(container))
}

func forwardUpstream(container *app.Container) fiber.Handler {
	upstream := strings.TrimRight(strings.TrimSpace(container.Config.Upstream.URL), "/")
	timeout := container.Config.Upstream.Timeout
	return func(c *fiber.Ctx) error {
		if upstream == "" {
			return httputil.WriteError(c, fiber.StatusBadGateway, "no upstream configured")
		}
		target := upstream + c.OriginalURL()
		if timeout > 0 {
			return proxy.DoTimeout(c, target, timeout)
		}
		return proxy.Do(c, target)
	}
}
