// Package api exposes the HTTP surface: rule CRUD, dispatcher status,
// suspension management, condition simulation, and the audit log.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/dispatch"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules/engine"
)

const adminContextKey = "latchpoint_admin"

// Controller carries the dependencies shared by all handlers.
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	settings   *conf.Settings
	repo       repository.RuleRepository
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	log        logger.Logger
}

// NewController builds the echo app and registers every route.
func NewController(settings *conf.Settings, repo repository.RuleRepository, eng *engine.Engine, dispatcher *dispatch.Dispatcher, log logger.Logger) *Controller {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	c := &Controller{
		Echo:       e,
		settings:   settings,
		repo:       repo,
		engine:     eng,
		dispatcher: dispatcher,
		log:        log,
	}
	c.Group = e.Group("/api/v1", c.adminDetect)

	c.initRuleRoutes()
	c.initStatusRoutes()
	c.initLogRoutes()
	c.initEntityRoutes()

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(ctx echo.Context) error {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return c
}

// adminDetect marks the request as admin when the bearer token matches the
// configured admin token, or when no token is configured at all.
func (c *Controller) adminDetect(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		admin := c.settings.Server.AdminToken == ""
		if !admin {
			auth := ctx.Request().Header.Get(echo.HeaderAuthorization)
			token := strings.TrimPrefix(auth, "Bearer ")
			admin = token != auth && token == c.settings.Server.AdminToken
		}
		ctx.Set(adminContextKey, admin)
		return next(ctx)
	}
}

// isAdmin reads the flag set by adminDetect.
func isAdmin(ctx echo.Context) bool {
	admin, _ := ctx.Get(adminContextKey).(bool)
	return admin
}

// requireAdmin guards mutating endpoints.
func (c *Controller) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if !isAdmin(ctx) {
			return ctx.JSON(http.StatusForbidden, map[string]string{"error": "Admin token required"})
		}
		return next(ctx)
	}
}

// parseUintParam parses a uint route parameter.
func parseUintParam(ctx echo.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
