package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ZWaveJSClient sets node values through the zwave-js-ui MQTT API.
type ZWaveJSClient struct {
	mqtt      Mqtt
	baseTopic string
}

// NewZWaveJSClient creates the gateway. baseTopic defaults to "zwave" when
// empty.
func NewZWaveJSClient(mqtt Mqtt, baseTopic string) *ZWaveJSClient {
	if baseTopic == "" {
		baseTopic = "zwave"
	}
	return &ZWaveJSClient{mqtt: mqtt, baseTopic: baseTopic}
}

// zwaveWriteValueArgs is the writeValue API payload shape.
type zwaveWriteValueArgs struct {
	NodeID  int          `json:"nodeId"`
	ValueID ZWaveValueID `json:"valueId"`
	Value   any          `json:"value"`
}

// SetValue publishes a writeValue request for the addressed node value.
func (z *ZWaveJSClient) SetValue(ctx context.Context, nodeID int, valueID ZWaveValueID, value any) error {
	const op = "zwavejs.set_value"

	if z.mqtt == nil {
		return NewError(KindNotConfigured, op, errors.New("mqtt gateway not configured"))
	}
	if nodeID <= 0 {
		return NewError(KindValidation, op, fmt.Errorf("invalid node id %d", nodeID))
	}
	if valueID.Property == "" {
		return NewError(KindValidation, op, errors.New("value id property is required"))
	}

	payload, err := json.Marshal(map[string]any{
		"args": []any{zwaveWriteValueArgs{NodeID: nodeID, ValueID: valueID, Value: value}},
	})
	if err != nil {
		return NewError(KindValidation, op, err)
	}
	topic := fmt.Sprintf("%s/_CLIENTS/ZWAVE_GATEWAY/api/writeValue/set", z.baseTopic)
	return z.mqtt.Publish(ctx, topic, payload, 0, false)
}
