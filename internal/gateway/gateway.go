package gateway

import (
	"context"
	"time"
)

// HomeAssistant calls services on a Home Assistant instance over HTTP.
type HomeAssistant interface {
	// CallService invokes domain.service with an optional target and data
	// payload, bounded by timeout.
	CallService(ctx context.Context, domain, service string, target, data map[string]any, timeout time.Duration) error
}

// Mqtt publishes messages to the shared MQTT broker.
type Mqtt interface {
	// Publish sends payload to topic. Returns an error when not connected.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Zigbee2MQTT sets values on zigbee2mqtt-managed entities.
type Zigbee2MQTT interface {
	SetEntityValue(ctx context.Context, entityID string, value map[string]any) error
}

// ZWaveValueID addresses a Z-Wave JS value.
type ZWaveValueID struct {
	CommandClass int     `json:"commandClass"`
	Property     string  `json:"property"`
	Endpoint     *int    `json:"endpoint,omitempty"`
	PropertyKey  *string `json:"propertyKey,omitempty"`
}

// ZWaveJS sets values on Z-Wave JS nodes.
type ZWaveJS interface {
	SetValue(ctx context.Context, nodeID int, valueID ZWaveValueID, value any) error
}

// NotificationDispatcher enqueues outbound notifications to a provider.
type NotificationDispatcher interface {
	// Enqueue schedules delivery and returns the enqueue outcome. ruleName
	// is recorded for the audit surface.
	Enqueue(ctx context.Context, providerID, message, title string, data map[string]any, ruleName string) (EnqueueResult, error)
}

// EnqueueResult describes what the notification dispatcher did.
type EnqueueResult struct {
	ProviderID string `json:"provider_id"`
	Accepted   bool   `json:"accepted"`
	Detail     string `json:"detail,omitempty"`
}

// AlarmSnapshot is the current alarm panel state.
type AlarmSnapshot struct {
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// AlarmService controls the alarm panel.
type AlarmService interface {
	// GetCurrentSnapshot returns the panel state. processTimers advances
	// any pending arming/entry-delay timers before reading.
	GetCurrentSnapshot(ctx context.Context, processTimers bool) (AlarmSnapshot, error)
	Arm(ctx context.Context, mode string) error
	Disarm(ctx context.Context) error
	Trigger(ctx context.Context) error
	CancelArming(ctx context.Context) error
}
