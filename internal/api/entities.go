package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/logger"
)

// initEntityRoutes registers the entity state push endpoint. Home Assistant
// has no MQTT stream into latchpoint, so its automations push state changes
// here instead.
func (c *Controller) initEntityRoutes() {
	protected := c.Group.Group("", c.requireAdmin)
	protected.POST("/entities/state", c.PushEntityStates)
}

type entityStatePayload struct {
	Source string            `json:"source"`
	States map[string]string `json:"states"`
}

// PushEntityStates upserts the given entity states and notifies the
// dispatcher in one call.
func (c *Controller) PushEntityStates(ctx echo.Context) error {
	var p entityStatePayload
	if err := ctx.Bind(&p); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if len(p.States) == 0 {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "states is required"})
	}
	switch p.Source {
	case entities.SourceHomeAssistant, entities.SourceZigbee2MQTT, entities.SourceZWaveJS:
	default:
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "source must be home_assistant, zigbee2mqtt, or zwavejs"})
	}

	reqCtx := ctx.Request().Context()
	now := time.Now()
	entityIDs := make([]string, 0, len(p.States))
	for id, state := range p.States {
		stateCopy := state
		if err := c.repo.UpsertEntityState(reqCtx, id, p.Source, &stateCopy, now); err != nil {
			c.log.Error("failed to upsert entity state",
				logger.String("entity_id", id), logger.Error(err))
			return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store entity state"})
		}
		entityIDs = append(entityIDs, id)
	}

	c.dispatcher.NotifyEntitiesChanged(reqCtx, p.Source, entityIDs)
	return ctx.JSON(http.StatusAccepted, map[string]any{"accepted": len(entityIDs)})
}
