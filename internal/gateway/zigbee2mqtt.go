package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Zigbee2MQTTClient sets entity values by publishing to the zigbee2mqtt
// set topics over the shared MQTT connection.
type Zigbee2MQTTClient struct {
	mqtt      Mqtt
	baseTopic string
}

// NewZigbee2MQTTClient creates the gateway. baseTopic defaults to
// "zigbee2mqtt" when empty.
func NewZigbee2MQTTClient(mqtt Mqtt, baseTopic string) *Zigbee2MQTTClient {
	if baseTopic == "" {
		baseTopic = "zigbee2mqtt"
	}
	return &Zigbee2MQTTClient{mqtt: mqtt, baseTopic: baseTopic}
}

// SetEntityValue publishes the value document to <base>/<entity>/set.
func (z *Zigbee2MQTTClient) SetEntityValue(ctx context.Context, entityID string, value map[string]any) error {
	const op = "zigbee2mqtt.set"

	if z.mqtt == nil {
		return NewError(KindNotConfigured, op, errors.New("mqtt gateway not configured"))
	}
	if entityID == "" {
		return NewError(KindValidation, op, errors.New("entity_id is required"))
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return NewError(KindValidation, op, err)
	}
	topic := fmt.Sprintf("%s/%s/set", z.baseTopic, entityID)
	return z.mqtt.Publish(ctx, topic, payload, 0, false)
}
