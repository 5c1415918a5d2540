// Package condition implements the declarative boolean condition tree that
// rule definitions are written in: a sum type of logical operators and
// entity/alarm/time/detection predicates, with an op-keyed JSON codec, a
// pure evaluator, an explain variant, validation, and entity-id extraction.
package condition

import (
	"encoding/json"
	"fmt"
)

// Operator names as they appear in the JSON "op" discriminator.
const (
	OpAll                   = "all"
	OpAny                   = "any"
	OpNot                   = "not"
	OpFor                   = "for"
	OpEntityState           = "entity_state"
	OpAlarmStateIn          = "alarm_state_in"
	OpTimeInRange           = "time_in_range"
	OpFrigatePersonDetected = "frigate_person_detected"
)

// Frigate aggregation policies.
const (
	AggregationMax        = "max"
	AggregationLatest     = "latest"
	AggregationPercentile = "percentile"
)

// Frigate unavailability policies.
const (
	OnUnavailableNoMatch = "treat_as_no_match"
	OnUnavailableMatch   = "treat_as_match"
)

// SystemAlarmStateEntityID is the synthetic entity id that alarm-state
// changes are published under. alarm_state_in nodes contribute it to the
// reverse index so alarm-state rules are re-evaluated on panel transitions.
const SystemAlarmStateEntityID = "alarm_state.current"

// Node is one node of a condition tree.
type Node interface {
	Op() string
}

// All is true when every child is true. Empty children evaluate to false.
type All struct {
	Children []Node
}

// Any is true when at least one child is true. Empty children evaluate to false.
type Any struct {
	Children []Node
}

// Not negates its single child.
type Not struct {
	Child Node
}

// For requires Child to be continuously true for Seconds before the rule
// fires. The evaluator never sees this node; the engine extracts it and
// tracks continuity through the rule's runtime state.
type For struct {
	Seconds int
	Child   Node
}

// EntityState is true iff the snapshot value of EntityID strictly equals
// Equals. A missing entity is treated as unequal.
type EntityState struct {
	EntityID string
	Equals   string
}

// AlarmStateIn is true iff the current alarm state is one of States.
type AlarmStateIn struct {
	States []string
}

// TimeInRange matches a daily time window in the configured timezone.
// The window wraps midnight when End <= Start.
type TimeInRange struct {
	Start string   // "HH:MM"
	End   string   // "HH:MM"
	Days  []string // mon..sun
	TZ    string   // "system" or an IANA zone name
}

// FrigatePersonDetected matches recent person detections from the vision
// system, aggregated by policy against a confidence threshold.
type FrigatePersonDetected struct {
	Cameras          []string
	Zones            []string
	WithinSeconds    int
	MinConfidencePct float64
	Aggregation      string // max (default), latest, percentile
	Percentile       int    // 1..100, required for percentile aggregation
	OnUnavailable    string // treat_as_no_match (default) or treat_as_match
}

func (All) Op() string                   { return OpAll }
func (Any) Op() string                   { return OpAny }
func (Not) Op() string                   { return OpNot }
func (For) Op() string                   { return OpFor }
func (EntityState) Op() string           { return OpEntityState }
func (AlarmStateIn) Op() string          { return OpAlarmStateIn }
func (TimeInRange) Op() string           { return OpTimeInRange }
func (FrigatePersonDetected) Op() string { return OpFrigatePersonDetected }

// wire shapes: the op-keyed JSON document is the single place the dynamic
// dict shape crosses into the typed tree.

type wireNode struct {
	Op string `json:"op"`

	Children []json.RawMessage `json:"children,omitempty"`
	Child    json.RawMessage   `json:"child,omitempty"`
	Seconds  int               `json:"seconds,omitempty"`

	EntityID string `json:"entity_id,omitempty"`
	Equals   string `json:"equals,omitempty"`

	States []string `json:"states,omitempty"`

	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
	Days  []string `json:"days,omitempty"`
	TZ    string   `json:"tz,omitempty"`

	Cameras          []string `json:"cameras,omitempty"`
	Zones            []string `json:"zones,omitempty"`
	WithinSeconds    int      `json:"within_seconds,omitempty"`
	MinConfidencePct *float64 `json:"min_confidence_pct,omitempty"`
	Aggregation      string   `json:"aggregation,omitempty"`
	Percentile       int      `json:"percentile,omitempty"`
	OnUnavailable    string   `json:"on_unavailable,omitempty"`
}

// Unmarshal decodes an op-keyed JSON document into a condition tree.
func Unmarshal(data []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid condition node: %w", err)
	}
	return w.toNode()
}

func (w *wireNode) toNode() (Node, error) {
	switch w.Op {
	case OpAll, OpAny:
		children := make([]Node, 0, len(w.Children))
		for _, raw := range w.Children {
			child, err := Unmarshal(raw)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if w.Op == OpAll {
			return All{Children: children}, nil
		}
		return Any{Children: children}, nil
	case OpNot:
		if len(w.Child) == 0 {
			return nil, fmt.Errorf("not: missing child")
		}
		child, err := Unmarshal(w.Child)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	case OpFor:
		if len(w.Child) == 0 {
			return nil, fmt.Errorf("for: missing child")
		}
		child, err := Unmarshal(w.Child)
		if err != nil {
			return nil, err
		}
		return For{Seconds: w.Seconds, Child: child}, nil
	case OpEntityState:
		return EntityState{EntityID: w.EntityID, Equals: w.Equals}, nil
	case OpAlarmStateIn:
		return AlarmStateIn{States: w.States}, nil
	case OpTimeInRange:
		return TimeInRange{Start: w.Start, End: w.End, Days: w.Days, TZ: w.TZ}, nil
	case OpFrigatePersonDetected:
		n := FrigatePersonDetected{
			Cameras:       w.Cameras,
			Zones:         w.Zones,
			WithinSeconds: w.WithinSeconds,
			Aggregation:   w.Aggregation,
			Percentile:    w.Percentile,
			OnUnavailable: w.OnUnavailable,
		}
		if w.MinConfidencePct != nil {
			n.MinConfidencePct = *w.MinConfidencePct
		}
		if n.Aggregation == "" {
			n.Aggregation = AggregationMax
		}
		if n.OnUnavailable == "" {
			n.OnUnavailable = OnUnavailableNoMatch
		}
		return n, nil
	case "":
		return nil, fmt.Errorf("condition node missing op")
	default:
		return nil, fmt.Errorf("unknown condition op %q", w.Op)
	}
}

// Marshal encodes a condition tree back into its op-keyed JSON form.
func Marshal(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(n Node) (*wireNode, error) {
	switch t := n.(type) {
	case All:
		raws, err := marshalChildren(t.Children)
		if err != nil {
			return nil, err
		}
		return &wireNode{Op: OpAll, Children: raws}, nil
	case Any:
		raws, err := marshalChildren(t.Children)
		if err != nil {
			return nil, err
		}
		return &wireNode{Op: OpAny, Children: raws}, nil
	case Not:
		b, err := Marshal(t.Child)
		if err != nil {
			return nil, err
		}
		return &wireNode{Op: OpNot, Child: b}, nil
	case For:
		b, err := Marshal(t.Child)
		if err != nil {
			return nil, err
		}
		return &wireNode{Op: OpFor, Seconds: t.Seconds, Child: b}, nil
	case EntityState:
		return &wireNode{Op: OpEntityState, EntityID: t.EntityID, Equals: t.Equals}, nil
	case AlarmStateIn:
		return &wireNode{Op: OpAlarmStateIn, States: t.States}, nil
	case TimeInRange:
		return &wireNode{Op: OpTimeInRange, Start: t.Start, End: t.End, Days: t.Days, TZ: t.TZ}, nil
	case FrigatePersonDetected:
		pct := t.MinConfidencePct
		return &wireNode{
			Op:               OpFrigatePersonDetected,
			Cameras:          t.Cameras,
			Zones:            t.Zones,
			WithinSeconds:    t.WithinSeconds,
			MinConfidencePct: &pct,
			Aggregation:      t.Aggregation,
			Percentile:       t.Percentile,
			OnUnavailable:    t.OnUnavailable,
		}, nil
	case nil:
		return nil, fmt.Errorf("cannot marshal nil condition node")
	default:
		return nil, fmt.Errorf("cannot marshal condition node %T", n)
	}
}

func marshalChildren(children []Node) ([]json.RawMessage, error) {
	raws := make([]json.RawMessage, 0, len(children))
	for _, c := range children {
		b, err := Marshal(c)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return raws, nil
}
