package action

import (
	"context"
	"fmt"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/gateway"
	"github.com/latchpoint/latchpoint/internal/logger"
)

// Gateways bundles the outbound integrations the executor dispatches to.
// Any field may be nil; handlers then fail with not_configured.
type Gateways struct {
	Alarm         gateway.AlarmService
	HomeAssistant gateway.HomeAssistant
	Zigbee2MQTT   gateway.Zigbee2MQTT
	ZWaveJS       gateway.ZWaveJS
	Notifications gateway.NotificationDispatcher
}

// Result is the audit record for one action-list execution: the alarm
// state transition, per-action outcomes in list order, and accumulated
// error strings.
type Result struct {
	AlarmStateBefore string         `json:"alarm_state_before"`
	AlarmStateAfter  string         `json:"alarm_state_after"`
	Actions          []ActionResult `json:"actions"`
	Errors           []string       `json:"errors"`
	Timestamp        time.Time      `json:"timestamp"`
}

// ActionResult is one action's outcome.
type ActionResult struct {
	Type   string         `json:"type"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// errUnsupportedAction is the fixed error string for unknown action types.
const errUnsupportedAction = "unsupported_action"

// Handler executes one action type. Detail, when non-nil, is attached to
// the per-action audit record.
type Handler func(ctx context.Context, a Action, env *Env) (map[string]any, error)

// Env carries per-execution context into handlers.
type Env struct {
	Rule      *entities.Rule
	Now       time.Time
	ActorUser string
	Gateways  Gateways
}

// Executor runs a rule's ordered action list against the gateways through
// a type-keyed handler registry.
type Executor struct {
	gateways Gateways
	handlers map[string]Handler
	log      logger.Logger
}

// NewExecutor creates an executor with the default handler registry.
func NewExecutor(gateways Gateways, log logger.Logger) *Executor {
	e := &Executor{
		gateways: gateways,
		handlers: make(map[string]Handler),
		log:      log,
	}
	e.Register(TypeAlarmTrigger, handleAlarmTrigger)
	e.Register(TypeAlarmDisarm, handleAlarmDisarm)
	e.Register(TypeAlarmArm, handleAlarmArm)
	e.Register(TypeHACallService, handleHACallService)
	e.Register(TypeZWaveJSSetValue, handleZWaveJSSetValue)
	e.Register(TypeZigbee2MQTTSet, handleZigbee2MQTTSet)
	e.Register(TypeZigbee2MQTTSwitch, handleZigbee2MQTTSwitch)
	e.Register(TypeZigbee2MQTTLight, handleZigbee2MQTTLight)
	e.Register(TypeSendNotification, handleSendNotification)
	return e
}

// Register installs (or replaces) the handler for an action type.
func (e *Executor) Register(actionType string, h Handler) {
	e.handlers[actionType] = h
}

// Execute runs the actions in list order. Per-action errors are recorded
// but never abort the list. Alarm snapshots are taken immediately before
// and after the batch to capture the state transition.
func (e *Executor) Execute(ctx context.Context, rule *entities.Rule, actions []Action, now time.Time, actorUser string) Result {
	result := Result{
		Actions:   make([]ActionResult, 0, len(actions)),
		Errors:    []string{},
		Timestamp: now,
	}
	env := &Env{Rule: rule, Now: now, ActorUser: actorUser, Gateways: e.gateways}

	result.AlarmStateBefore = e.alarmSnapshot(ctx)

	for _, a := range actions {
		ar := ActionResult{Type: a.Type()}
		handler, ok := e.handlers[a.Type()]
		if !ok {
			ar.Error = errUnsupportedAction
			result.Actions = append(result.Actions, ar)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", a.Type(), errUnsupportedAction))
			continue
		}

		detail, err := handler(ctx, a, env)
		if err != nil {
			ar.Error = err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", a.Type(), err))
			e.log.Warn("rule action failed",
				logger.Uint64("rule_id", uint64(rule.ID)),
				logger.String("action", a.Type()),
				logger.Error(err))
		} else {
			ar.OK = true
			ar.Detail = detail
		}
		result.Actions = append(result.Actions, ar)
	}

	result.AlarmStateAfter = e.alarmSnapshot(ctx)
	return result
}

// alarmSnapshot reads the alarm state, coercing failures to "" so action
// execution never depends on the panel being reachable.
func (e *Executor) alarmSnapshot(ctx context.Context) string {
	if e.gateways.Alarm == nil {
		return ""
	}
	snap, err := e.gateways.Alarm.GetCurrentSnapshot(ctx, true)
	if err != nil {
		return ""
	}
	return snap.State
}

func handleAlarmTrigger(ctx context.Context, _ Action, env *Env) (map[string]any, error) {
	if env.Gateways.Alarm == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "alarm.trigger", nil)
	}
	return nil, env.Gateways.Alarm.Trigger(ctx)
}

func handleAlarmDisarm(ctx context.Context, _ Action, env *Env) (map[string]any, error) {
	if env.Gateways.Alarm == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "alarm.disarm", nil)
	}
	return nil, env.Gateways.Alarm.Disarm(ctx)
}

func handleAlarmArm(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	arm := a.(AlarmArm)
	if env.Gateways.Alarm == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "alarm.arm", nil)
	}
	if err := env.Gateways.Alarm.Arm(ctx, arm.Mode); err != nil {
		return nil, err
	}
	return map[string]any{"mode": arm.Mode}, nil
}

func handleHACallService(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	call := a.(HACallService)
	if env.Gateways.HomeAssistant == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "ha.call_service", nil)
	}
	domain, service, ok := splitDomainService(call.ServiceCall)
	if !ok {
		return nil, gateway.NewError(gateway.KindValidation, "ha.call_service",
			fmt.Errorf("invalid action %q", call.ServiceCall))
	}
	if err := env.Gateways.HomeAssistant.CallService(ctx, domain, service, call.Target, call.Data, 0); err != nil {
		return nil, err
	}
	return map[string]any{"action": call.ServiceCall}, nil
}

func handleZWaveJSSetValue(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	set := a.(ZWaveJSSetValue)
	if env.Gateways.ZWaveJS == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "zwavejs.set_value", nil)
	}
	if err := env.Gateways.ZWaveJS.SetValue(ctx, set.NodeID, set.ValueID, set.Value); err != nil {
		return nil, err
	}
	return map[string]any{"node_id": set.NodeID}, nil
}

func handleZigbee2MQTTSet(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	set := a.(Zigbee2MQTTSetValue)
	if env.Gateways.Zigbee2MQTT == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "zigbee2mqtt.set", nil)
	}
	if err := env.Gateways.Zigbee2MQTT.SetEntityValue(ctx, set.EntityID, set.Value); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": set.EntityID}, nil
}

func handleZigbee2MQTTSwitch(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	sw := a.(Zigbee2MQTTSwitch)
	if env.Gateways.Zigbee2MQTT == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "zigbee2mqtt.switch", nil)
	}
	payload := map[string]any{"state": sw.State}
	if err := env.Gateways.Zigbee2MQTT.SetEntityValue(ctx, sw.EntityID, payload); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": sw.EntityID, "state": sw.State}, nil
}

func handleZigbee2MQTTLight(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	light := a.(Zigbee2MQTTLight)
	if env.Gateways.Zigbee2MQTT == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "zigbee2mqtt.light", nil)
	}
	payload := map[string]any{"state": light.State}
	if light.Brightness != nil {
		payload["brightness"] = *light.Brightness
	}
	if err := env.Gateways.Zigbee2MQTT.SetEntityValue(ctx, light.EntityID, payload); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": light.EntityID, "state": light.State}, nil
}

func handleSendNotification(ctx context.Context, a Action, env *Env) (map[string]any, error) {
	notif := a.(SendNotification)
	if env.Gateways.Notifications == nil {
		return nil, gateway.NewError(gateway.KindNotConfigured, "notify.enqueue", nil)
	}
	ruleName := ""
	if env.Rule != nil {
		ruleName = env.Rule.Name
	}
	enq, err := env.Gateways.Notifications.Enqueue(ctx, notif.ProviderID, notif.Message, notif.Title, notif.Data, ruleName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"provider_id": enq.ProviderID, "accepted": enq.Accepted}, nil
}

func splitDomainService(s string) (domain, service string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			if i == 0 || i == len(s)-1 {
				return "", "", false
			}
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
