package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/logger"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 200
)

// initLogRoutes registers the audit log endpoints.
func (c *Controller) initLogRoutes() {
	c.Group.GET("/logs", c.ListActionLogs)
}

// ListActionLogs returns the paginated rule firing history.
func (c *Controller) ListActionLogs(ctx echo.Context) error {
	filter := repository.ActionLogFilter{Limit: defaultLogLimit}

	if ruleIDParam := ctx.QueryParam("rule_id"); ruleIDParam != "" {
		v, err := strconv.ParseUint(ruleIDParam, 10, 64)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule_id"})
		}
		filter.RuleID = uint(v)
	}
	if limitParam := ctx.QueryParam("limit"); limitParam != "" {
		v, err := strconv.Atoi(limitParam)
		if err == nil && v > 0 {
			if v > maxLogLimit {
				v = maxLogLimit
			}
			filter.Limit = v
		}
	}
	if offsetParam := ctx.QueryParam("offset"); offsetParam != "" {
		v, err := strconv.Atoi(offsetParam)
		if err == nil && v >= 0 {
			filter.Offset = v
		}
	}

	logs, total, err := c.repo.ListActionLogs(ctx.Request().Context(), filter)
	if err != nil {
		c.log.Error("failed to list action logs", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list action logs"})
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"logs":   logs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}
