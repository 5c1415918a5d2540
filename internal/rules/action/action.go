// Package action defines the closed set of rule actions, their type-keyed
// JSON codec, and the executor that dispatches them to gateway handlers.
package action

import (
	"encoding/json"
	"fmt"

	"github.com/latchpoint/latchpoint/internal/gateway"
)

// Action type names as they appear in the JSON "type" discriminator.
const (
	TypeAlarmTrigger      = "alarm_trigger"
	TypeAlarmDisarm       = "alarm_disarm"
	TypeAlarmArm          = "alarm_arm"
	TypeHACallService     = "ha_call_service"
	TypeZWaveJSSetValue   = "zwavejs_set_value"
	TypeZigbee2MQTTSet    = "zigbee2mqtt_set_value"
	TypeZigbee2MQTTSwitch = "zigbee2mqtt_switch"
	TypeZigbee2MQTTLight  = "zigbee2mqtt_light"
	TypeSendNotification  = "send_notification"
)

// adminOnlyTypes are rejected at rule-save time for non-admin users: the
// alarm controls plus the raw service/value escapes.
var adminOnlyTypes = map[string]struct{}{
	TypeAlarmTrigger:    {},
	TypeAlarmDisarm:     {},
	TypeAlarmArm:        {},
	TypeHACallService:   {},
	TypeZWaveJSSetValue: {},
}

// IsAdminOnly reports whether the action type requires an admin author.
func IsAdminOnly(actionType string) bool {
	_, ok := adminOnlyTypes[actionType]
	return ok
}

// Action is one entry of a rule's ordered "then" list.
type Action interface {
	Type() string
}

// AlarmTrigger sounds the alarm.
type AlarmTrigger struct{}

// AlarmDisarm disarms the alarm.
type AlarmDisarm struct{}

// AlarmArm arms the alarm in the given mode (e.g. "away", "home").
type AlarmArm struct {
	Mode string
}

// HACallService invokes a Home Assistant service. ServiceCall is the
// "domain.service" string.
type HACallService struct {
	ServiceCall string
	Target      map[string]any
	Data        map[string]any
}

// ZWaveJSSetValue writes a raw Z-Wave JS node value.
type ZWaveJSSetValue struct {
	NodeID  int
	ValueID gateway.ZWaveValueID
	Value   any
}

// Zigbee2MQTTSetValue writes an arbitrary value document to an entity.
type Zigbee2MQTTSetValue struct {
	EntityID string
	Value    map[string]any
}

// Zigbee2MQTTSwitch turns a switch entity on or off.
type Zigbee2MQTTSwitch struct {
	EntityID string
	State    string // "on" or "off"
}

// Zigbee2MQTTLight sets a light's state and optional brightness (0..255).
type Zigbee2MQTTLight struct {
	EntityID   string
	State      string
	Brightness *int
}

// SendNotification delivers a message through a configured provider.
type SendNotification struct {
	ProviderID string
	Message    string
	Title      string
	Data       map[string]any
}

func (AlarmTrigger) Type() string        { return TypeAlarmTrigger }
func (AlarmDisarm) Type() string         { return TypeAlarmDisarm }
func (AlarmArm) Type() string            { return TypeAlarmArm }
func (HACallService) Type() string       { return TypeHACallService }
func (ZWaveJSSetValue) Type() string     { return TypeZWaveJSSetValue }
func (Zigbee2MQTTSetValue) Type() string { return TypeZigbee2MQTTSet }
func (Zigbee2MQTTSwitch) Type() string   { return TypeZigbee2MQTTSwitch }
func (Zigbee2MQTTLight) Type() string    { return TypeZigbee2MQTTLight }
func (SendNotification) Type() string    { return TypeSendNotification }

// wireAction is the flat JSON shape all action types share on the wire.
type wireAction struct {
	Type string `json:"type"`

	Mode string `json:"mode,omitempty"`

	ServiceCall string         `json:"action,omitempty"`
	Target      map[string]any `json:"target,omitempty"`
	Data        map[string]any `json:"data,omitempty"`

	NodeID  int                   `json:"node_id,omitempty"`
	ValueID *gateway.ZWaveValueID `json:"value_id,omitempty"`
	Value   json.RawMessage       `json:"value,omitempty"`

	EntityID   string `json:"entity_id,omitempty"`
	State      string `json:"state,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`

	ProviderID string `json:"provider_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Unmarshal decodes a single type-keyed action document.
func Unmarshal(data []byte) (Action, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	switch w.Type {
	case TypeAlarmTrigger:
		return AlarmTrigger{}, nil
	case TypeAlarmDisarm:
		return AlarmDisarm{}, nil
	case TypeAlarmArm:
		return AlarmArm{Mode: w.Mode}, nil
	case TypeHACallService:
		return HACallService{ServiceCall: w.ServiceCall, Target: w.Target, Data: w.Data}, nil
	case TypeZWaveJSSetValue:
		a := ZWaveJSSetValue{NodeID: w.NodeID}
		if w.ValueID != nil {
			a.ValueID = *w.ValueID
		}
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &a.Value); err != nil {
				return nil, fmt.Errorf("zwavejs_set_value: invalid value: %w", err)
			}
		}
		return a, nil
	case TypeZigbee2MQTTSet:
		a := Zigbee2MQTTSetValue{EntityID: w.EntityID}
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &a.Value); err != nil {
				return nil, fmt.Errorf("zigbee2mqtt_set_value: invalid value: %w", err)
			}
		}
		return a, nil
	case TypeZigbee2MQTTSwitch:
		return Zigbee2MQTTSwitch{EntityID: w.EntityID, State: w.State}, nil
	case TypeZigbee2MQTTLight:
		return Zigbee2MQTTLight{EntityID: w.EntityID, State: w.State, Brightness: w.Brightness}, nil
	case TypeSendNotification:
		return SendNotification{ProviderID: w.ProviderID, Message: w.Message, Title: w.Title, Data: w.Data}, nil
	case "":
		return nil, fmt.Errorf("action missing type")
	default:
		return nil, fmt.Errorf("unknown action type %q", w.Type)
	}
}

// UnmarshalList decodes an ordered JSON array of actions.
func UnmarshalList(data []byte) ([]Action, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("invalid action list: %w", err)
	}
	actions := make([]Action, 0, len(raws))
	for i, raw := range raws {
		a, err := Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Marshal encodes an action back into its type-keyed JSON form.
func Marshal(a Action) ([]byte, error) {
	w := wireAction{Type: a.Type()}
	switch t := a.(type) {
	case AlarmTrigger, AlarmDisarm:
	case AlarmArm:
		w.Mode = t.Mode
	case HACallService:
		w.ServiceCall = t.ServiceCall
		w.Target = t.Target
		w.Data = t.Data
	case ZWaveJSSetValue:
		w.NodeID = t.NodeID
		vid := t.ValueID
		w.ValueID = &vid
		b, err := json.Marshal(t.Value)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case Zigbee2MQTTSetValue:
		w.EntityID = t.EntityID
		b, err := json.Marshal(t.Value)
		if err != nil {
			return nil, err
		}
		w.Value = b
	case Zigbee2MQTTSwitch:
		w.EntityID = t.EntityID
		w.State = t.State
	case Zigbee2MQTTLight:
		w.EntityID = t.EntityID
		w.State = t.State
		w.Brightness = t.Brightness
	case SendNotification:
		w.ProviderID = t.ProviderID
		w.Message = t.Message
		w.Title = t.Title
		w.Data = t.Data
	default:
		return nil, fmt.Errorf("cannot marshal action %T", a)
	}
	return json.Marshal(w)
}

// MarshalList encodes an ordered action list.
func MarshalList(actions []Action) ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(actions))
	for _, a := range actions {
		b, err := Marshal(a)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return json.Marshal(raws)
}
