package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
	"github.com/latchpoint/latchpoint/internal/rules/engine"
)

// initStatusRoutes registers the dispatcher status, suspension, and
// simulation endpoints.
func (c *Controller) initStatusRoutes() {
	c.Group.GET("/status", c.GetStatus)
	c.Group.GET("/rules/suspended", c.ListSuspendedRules)

	protected := c.Group.Group("", c.requireAdmin)
	protected.POST("/rules/:id/clear-suspension", c.ClearRuleSuspension)
	protected.POST("/rules/run", c.RunRulesNow)
	protected.POST("/simulate", c.SimulateEntityChange)
}

// RunRulesNow triggers a full evaluation pass outside the scheduler tick.
func (c *Controller) RunRulesNow(ctx echo.Context) error {
	summary, err := c.engine.RunRules(ctx.Request().Context(), time.Now())
	if err != nil {
		c.log.Error("manual rule pass failed", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Rule pass failed"})
	}
	return ctx.JSON(http.StatusOK, summary)
}

// GetStatus returns the dispatcher counters, effective settings, and the
// current alarm state.
func (c *Controller) GetStatus(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()

	alarmState, err := c.repo.GetAlarmState(reqCtx)
	if err != nil {
		c.log.Error("failed to read alarm state", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read status"})
	}

	status := c.dispatcher.Status()
	return ctx.JSON(http.StatusOK, map[string]any{
		"alarm_state": alarmState,
		"dispatcher":  status,
	})
}

// ListSuspendedRules returns the runtime rows of error-suspended rules.
func (c *Controller) ListSuspendedRules(ctx echo.Context) error {
	rows, err := c.repo.ListSuspendedRuntimes(ctx.Request().Context())
	if err != nil {
		c.log.Error("failed to list suspended rules", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list suspended rules"})
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"suspended": rows,
		"count":     len(rows),
	})
}

// ClearRuleSuspension resets a rule's failure state so it evaluates again
// immediately.
func (c *Controller) ClearRuleSuspension(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule ID"})
	}

	if err := engine.ClearSuspension(ctx.Request().Context(), c.repo, id); err != nil {
		c.log.Error("failed to clear rule suspension",
			logger.Uint64("rule_id", uint64(id)), logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to clear suspension"})
	}

	c.log.Info("rule suspension cleared", logger.Uint64("rule_id", uint64(id)))
	return ctx.JSON(http.StatusOK, map[string]any{"id": id, "status": "cleared"})
}

// simulatePayload drives a dry-run evaluation: which rules would a change to
// these entities touch, and how would each condition tree evaluate. States
// overlays the stored snapshot without persisting anything.
type simulatePayload struct {
	EntityIDs []string          `json:"entity_ids"`
	States    map[string]string `json:"states"`
}

// simulatedRule is one rule's dry-run outcome.
type simulatedRule struct {
	RuleID  uint             `json:"rule_id"`
	Name    string           `json:"name"`
	Matched bool             `json:"matched"`
	Trace   *condition.Trace `json:"trace"`
	Error   string           `json:"error,omitempty"`
}

// SimulateEntityChange resolves impacted rules straight from the database,
// bypassing the reverse-index cache, and explains each condition tree
// against the overlaid snapshot. Nothing fires and nothing is persisted.
func (c *Controller) SimulateEntityChange(ctx echo.Context) error {
	var p simulatePayload
	if err := ctx.Bind(&p); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if len(p.EntityIDs) == 0 {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "entity_ids is required"})
	}

	reqCtx := ctx.Request().Context()
	impacted, err := c.repo.RulesForEntityIDs(reqCtx, p.EntityIDs)
	if err != nil {
		c.log.Error("failed to resolve impacted rules", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to resolve impacted rules"})
	}

	now := time.Now()
	results := make([]simulatedRule, 0, len(impacted))
	for i := range impacted {
		rule := &impacted[i]
		out := simulatedRule{RuleID: rule.ID, Name: rule.Name}

		def, err := rules.ParseDefinition(rule.Definition)
		if err != nil {
			out.Error = err.Error()
			results = append(results, out)
			continue
		}

		states, err := c.repo.EntityStateMap(reqCtx, condition.ExtractEntityIDs(def.When))
		if err != nil {
			out.Error = err.Error()
			results = append(results, out)
			continue
		}
		for id, state := range p.States {
			states[id] = state
		}

		out.Matched, out.Trace = condition.Explain(reqCtx, def.When, condition.Snapshot(states), now, c.repo)
		results = append(results, out)
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"rules": results,
		"count": len(results),
	})
}
