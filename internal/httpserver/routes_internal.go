package httpserver

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbleworks/chat_gateway/internal/app"
	"github.com/nimbleworks/chat_gateway/internal/httpserver/httputil"
	"github.com/nimbleworks/chat_gateway/internal/services/sla"
	"github.com/nimbleworks/chat_gateway/internal/services/usage"
)

// registerInternalRoutes mounts the operator-facing read models: cost
// dashboards, SLA reports, the status page, and the rate-limit dashboard.
// These sit behind the ops network boundary, not the public admission path.
func registerInternalRoutes(fiberApp *fiber.App, container *app.Container) {
	fiberApp.Get("/status", statusHandler(container))

	internal := fiberApp.Group("/internal")

	costs := internal.Group("/costs")
	costs.Get("/users/:id", userCostsHandler(container))
	costs.Get("/users/:id/budget", budgetHandler(container))
	costs.Get("/system", systemCostsHandler(container))
	costs.Get("/top", topSpendersHandler(container))
	costs.Get("/burn", burnHandler(container))

	slaGroup := internal.Group("/sla")
	slaGroup.Get("/report", slaReportHandler(container))
	slaGroup.Get("/breaches", slaBreachesHandler(container))
	slaGroup.Get("/uptime", uptimeHistoryHandler(container))
	slaGroup.Post("/incidents", createIncidentHandler(container))
	slaGroup.Post("/incidents/:id/resolve", resolveIncidentHandler(container))

	internal.Get("/status", statusHandler(container))

	ratelimits := internal.Group("/ratelimits")
	ratelimits.Get("/dashboard", rateLimitDashboardHandler(container))
	ratelimits.Get("/users/:id/history", rateLimitHistoryHandler(container))
	ratelimits.Get("/near-limit", nearLimitHandler(container))
}

func userCostsHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		period, err := usage.ParsePeriod(c.Query("period"))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "period must be one of day, week, month, all")
		}
		return c.JSON(container.Usage.UserCosts(c.Params("id"), period))
	}
}

func budgetHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		budgetCents := int64(c.QueryInt("budget_cents"))
		if budgetCents <= 0 {
			return httputil.WriteError(c, fiber.StatusBadRequest, "budget_cents must be a positive integer")
		}
		userID := c.Params("id")
		return c.JSON(fiber.Map{
			"user_id":            userID,
			"budget_cents":       budgetCents,
			"approaching_budget": container.Usage.ApproachingBudget(userID, budgetCents),
		})
	}
}

func systemCostsHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		period, err := usage.ParsePeriod(c.Query("period"))
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "period must be one of day, week, month, all")
		}
		return c.JSON(container.Usage.SystemCosts(period))
	}
}

func topSpendersHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 10)
		if limit <= 0 || limit > 100 {
			return httputil.WriteError(c, fiber.StatusBadRequest, "limit must be in [1, 100]")
		}
		return c.JSON(fiber.Map{"spenders": container.Usage.TopSpenders(limit)})
	}
}

func burnHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"monthly_burn_usd": container.Usage.EstimateMonthlyBurn()})
	}
}

func slaReportHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(container.SLA.Report(c.Query("endpoint")))
	}
}

func slaBreachesHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"within_sla": container.SLA.WithinSLA(nil),
			"targets":    container.SLA.DefaultTargets(),
			"breaches":   container.SLA.Breaches(nil),
		})
	}
}

func uptimeHistoryHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		days := c.QueryInt("days", 7)
		if days <= 0 || days > 365 {
			return httputil.WriteError(c, fiber.StatusBadRequest, "days must be in [1, 365]")
		}
		return c.JSON(fiber.Map{"history": container.SLA.UptimeHistory(days)})
	}
}

func statusHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(container.SLA.Status())
	}
}

func createIncidentHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			Service     string `json:"service"`
			Severity    string `json:"severity"`
			Description string `json:"description"`
		}
		if err := c.BodyParser(&body); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid incident payload")
		}
		if strings.TrimSpace(body.Service) == "" {
			return httputil.WriteError(c, fiber.StatusBadRequest, "service is required")
		}
		if strings.TrimSpace(body.Severity) == "" {
			body.Severity = "minor"
		}
		id := container.SLA.RecordIncident(body.Service, body.Severity, body.Description)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	}
}

func resolveIncidentHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := container.SLA.ResolveIncident(c.Params("id")); err != nil {
			if errors.Is(err, sla.ErrUnknownIncident) {
				return httputil.WriteError(c, fiber.StatusNotFound, "incident not found")
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, "resolve incident failed")
		}
		return c.JSON(fiber.Map{"resolved": true})
	}
}

func rateLimitDashboardHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(container.Analytics.Dashboard())
	}
}

func rateLimitHistoryHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"events": container.Analytics.UserHistory(c.Params("id"))})
	}
}

func nearLimitHandler(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"events": container.Analytics.NearLimitEvents()})
	}
}
