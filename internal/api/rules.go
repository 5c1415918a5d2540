package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
)

// initRuleRoutes registers the rule CRUD endpoints.
func (c *Controller) initRuleRoutes() {
	g := c.Group.Group("/rules")

	g.GET("", c.ListRules)
	g.GET("/:id", c.GetRule)

	protected := g.Group("", c.requireAdmin)
	protected.POST("", c.CreateRule)
	protected.PUT("/:id", c.UpdateRule)
	protected.PATCH("/:id/toggle", c.ToggleRule)
	protected.DELETE("/:id", c.DeleteRule)
}

// rulePayload is the request body for create and update.
type rulePayload struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Enabled         *bool  `json:"enabled"`
	Priority        int    `json:"priority"`
	CooldownSeconds int    `json:"cooldown_seconds"`
	Definition      string `json:"definition"`
}

// validateRulePayload parses and validates the definition, returning the
// entity ids it references.
func (c *Controller) validateRulePayload(ctx echo.Context, p *rulePayload) ([]string, error) {
	if p.Name == "" {
		return nil, errors.New("rule name is required")
	}
	switch p.Kind {
	case entities.RuleKindTrigger, entities.RuleKindArm, entities.RuleKindDisarm:
	default:
		return nil, errors.New("kind must be trigger, arm, or disarm")
	}
	if p.CooldownSeconds < 0 {
		return nil, errors.New("cooldown_seconds must not be negative")
	}

	def, err := rules.ParseDefinition(p.Definition)
	if err != nil {
		return nil, err
	}
	if err := rules.ValidateDefinition(def, isAdmin(ctx)); err != nil {
		return nil, err
	}
	return condition.ExtractEntityIDs(def.When), nil
}

// ListRules returns rules ordered by priority; ?enabled=true filters to
// enabled rules only.
func (c *Controller) ListRules(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()

	var ruleRows []entities.Rule
	var err error
	if ctx.QueryParam("enabled") == "true" {
		ruleRows, err = c.repo.ListEnabledRules(reqCtx)
	} else {
		ruleRows, err = c.repo.ListRules(reqCtx)
	}
	if err != nil {
		c.log.Error("failed to list rules", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list rules"})
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"rules": ruleRows,
		"count": len(ruleRows),
	})
}

// GetRule returns one rule by id.
func (c *Controller) GetRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule ID"})
	}

	rule, err := c.repo.GetRule(ctx.Request().Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Rule not found"})
		}
		c.log.Error("failed to get rule", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get rule"})
	}
	return ctx.JSON(http.StatusOK, rule)
}

// CreateRule validates and persists a new rule, then invalidates the
// entity-rule cache.
func (c *Controller) CreateRule(ctx echo.Context) error {
	var p rulePayload
	if err := ctx.Bind(&p); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	entityIDs, err := c.validateRulePayload(ctx, &p)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	rule := entities.Rule{
		Name:            p.Name,
		Kind:            p.Kind,
		Enabled:         enabled,
		Priority:        p.Priority,
		CooldownSeconds: p.CooldownSeconds,
		Definition:      p.Definition,
		SchemaVersion:   1,
	}
	if err := c.repo.SaveRule(ctx.Request().Context(), &rule, entityIDs); err != nil {
		c.log.Error("failed to create rule", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create rule"})
	}
	c.dispatcher.Index().Invalidate(ctx.Request().Context())

	c.log.Info("rule created",
		logger.String("name", rule.Name),
		logger.Uint64("id", uint64(rule.ID)))
	return ctx.JSON(http.StatusCreated, rule)
}

// UpdateRule replaces an existing rule.
func (c *Controller) UpdateRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule ID"})
	}

	existing, err := c.repo.GetRule(ctx.Request().Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Rule not found"})
		}
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get rule"})
	}

	var p rulePayload
	if err := ctx.Bind(&p); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	entityIDs, err := c.validateRulePayload(ctx, &p)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	existing.Name = p.Name
	existing.Kind = p.Kind
	if p.Enabled != nil {
		existing.Enabled = *p.Enabled
	}
	existing.Priority = p.Priority
	existing.CooldownSeconds = p.CooldownSeconds
	existing.Definition = p.Definition

	if err := c.repo.SaveRule(ctx.Request().Context(), existing, entityIDs); err != nil {
		c.log.Error("failed to update rule", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to update rule"})
	}
	c.dispatcher.Index().Invalidate(ctx.Request().Context())

	return ctx.JSON(http.StatusOK, existing)
}

// ToggleRule flips a rule's enabled flag without revalidating its definition.
func (c *Controller) ToggleRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule ID"})
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := ctx.Bind(&body); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	reqCtx := ctx.Request().Context()
	existing, err := c.repo.GetRule(reqCtx, id)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Rule not found"})
		}
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get rule"})
	}

	existing.Enabled = body.Enabled
	def, err := rules.ParseDefinition(existing.Definition)
	if err != nil {
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Stored definition is unreadable"})
	}
	if err := c.repo.SaveRule(reqCtx, existing, condition.ExtractEntityIDs(def.When)); err != nil {
		c.log.Error("failed to toggle rule", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to toggle rule"})
	}
	c.dispatcher.Index().Invalidate(reqCtx)

	return ctx.JSON(http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

// DeleteRule removes a rule and its entity refs.
func (c *Controller) DeleteRule(ctx echo.Context) error {
	id, err := parseUintParam(ctx, "id")
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule ID"})
	}

	if err := c.repo.DeleteRule(ctx.Request().Context(), id); err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "Rule not found"})
		}
		c.log.Error("failed to delete rule", logger.Error(err))
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to delete rule"})
	}
	c.dispatcher.Index().Invalidate(ctx.Request().Context())

	return ctx.NoContent(http.StatusNoContent)
}
