package action

import "fmt"

// Legal alarm arm modes.
var armModes = map[string]struct{}{
	"away":     {},
	"home":     {},
	"night":    {},
	"vacation": {},
}

// Validate checks a single action's fields.
func Validate(a Action) error {
	switch t := a.(type) {
	case AlarmTrigger, AlarmDisarm:
		return nil
	case AlarmArm:
		if _, ok := armModes[t.Mode]; !ok {
			return fmt.Errorf("alarm_arm: unknown mode %q", t.Mode)
		}
		return nil
	case HACallService:
		if !isDomainService(t.ServiceCall) {
			return fmt.Errorf("ha_call_service: action must be \"domain.service\", got %q", t.ServiceCall)
		}
		return nil
	case ZWaveJSSetValue:
		if t.NodeID <= 0 {
			return fmt.Errorf("zwavejs_set_value: node_id must be positive")
		}
		if t.ValueID.Property == "" {
			return fmt.Errorf("zwavejs_set_value: value_id.property is required")
		}
		return nil
	case Zigbee2MQTTSetValue:
		if t.EntityID == "" {
			return fmt.Errorf("zigbee2mqtt_set_value: entity_id is required")
		}
		return nil
	case Zigbee2MQTTSwitch:
		if t.EntityID == "" {
			return fmt.Errorf("zigbee2mqtt_switch: entity_id is required")
		}
		if t.State != "on" && t.State != "off" {
			return fmt.Errorf("zigbee2mqtt_switch: state must be \"on\" or \"off\", got %q", t.State)
		}
		return nil
	case Zigbee2MQTTLight:
		if t.EntityID == "" {
			return fmt.Errorf("zigbee2mqtt_light: entity_id is required")
		}
		if t.State != "on" && t.State != "off" {
			return fmt.Errorf("zigbee2mqtt_light: state must be \"on\" or \"off\", got %q", t.State)
		}
		if t.Brightness != nil && (*t.Brightness < 0 || *t.Brightness > 255) {
			return fmt.Errorf("zigbee2mqtt_light: brightness must be within 0..255, got %d", *t.Brightness)
		}
		return nil
	case SendNotification:
		if t.ProviderID == "" {
			return fmt.Errorf("send_notification: provider_id is required")
		}
		if t.Message == "" {
			return fmt.Errorf("send_notification: message is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown action %T", a)
	}
}

// ValidateList checks every action and enforces the admin gate: non-admin
// authors may not save rules containing admin-only actions.
func ValidateList(actions []Action, isAdmin bool) error {
	if len(actions) == 0 {
		return fmt.Errorf("action list must not be empty")
	}
	for i, a := range actions {
		if err := Validate(a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if !isAdmin && IsAdminOnly(a.Type()) {
			return fmt.Errorf("action %d: %s requires admin privileges", i, a.Type())
		}
	}
	return nil
}

// isDomainService reports whether s has the "domain.service" shape.
func isDomainService(s string) bool {
	dot := -1
	for i, r := range s {
		if r == '.' {
			if dot != -1 {
				return false
			}
			dot = i
		}
	}
	return dot > 0 && dot < len(s)-1
}
