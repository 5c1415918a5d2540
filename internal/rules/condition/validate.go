package condition

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks a condition tree for structural and value errors:
// positive for-delays, parseable HH:MM windows, legal weekday strings,
// percentile present when the aggregation needs it, for-operators only at
// the root or directly under logical operators, and at least one
// entity/alarm/detection predicate (a tree of only time windows can never
// be triggered by the entity dispatcher).
func Validate(root Node) error {
	if root == nil {
		return fmt.Errorf("condition tree is empty")
	}
	if err := validateNode(root, true); err != nil {
		return err
	}
	if !hasTriggerPredicate(root) {
		return fmt.Errorf("condition tree needs at least one entity_state, alarm_state_in, or frigate_person_detected predicate")
	}
	return nil
}

// validateNode walks the tree. forAllowed is true at the root and directly
// under logical operators, false everywhere else.
func validateNode(n Node, forAllowed bool) error {
	switch t := n.(type) {
	case All:
		for _, c := range t.Children {
			if err := validateNode(c, true); err != nil {
				return err
			}
		}
		return nil
	case Any:
		for _, c := range t.Children {
			if err := validateNode(c, true); err != nil {
				return err
			}
		}
		return nil
	case Not:
		if t.Child == nil {
			return fmt.Errorf("not: missing child")
		}
		return validateNode(t.Child, true)
	case For:
		if !forAllowed {
			return fmt.Errorf("for: only legal at the root or directly under logical operators")
		}
		if t.Seconds <= 0 {
			return fmt.Errorf("for: seconds must be a positive integer, got %d", t.Seconds)
		}
		if t.Child == nil {
			return fmt.Errorf("for: missing child")
		}
		// Nested for-delays are not supported.
		return validateNode(t.Child, false)
	case EntityState:
		if t.EntityID == "" {
			return fmt.Errorf("entity_state: entity_id is required")
		}
		return nil
	case AlarmStateIn:
		if len(t.States) == 0 {
			return fmt.Errorf("alarm_state_in: states must not be empty")
		}
		return nil
	case TimeInRange:
		if _, err := parseHHMM(t.Start); err != nil {
			return fmt.Errorf("time_in_range: invalid start %q", t.Start)
		}
		if _, err := parseHHMM(t.End); err != nil {
			return fmt.Errorf("time_in_range: invalid end %q", t.End)
		}
		for _, d := range t.Days {
			if _, ok := weekdayNames[strings.ToLower(d)]; !ok {
				return fmt.Errorf("time_in_range: invalid weekday %q", d)
			}
		}
		if t.TZ != "" && t.TZ != "system" {
			if _, err := time.LoadLocation(t.TZ); err != nil {
				return fmt.Errorf("time_in_range: invalid timezone %q", t.TZ)
			}
		}
		return nil
	case FrigatePersonDetected:
		if len(t.Cameras) == 0 {
			return fmt.Errorf("frigate_person_detected: cameras must not be empty")
		}
		if t.WithinSeconds <= 0 {
			return fmt.Errorf("frigate_person_detected: within_seconds must be a positive integer, got %d", t.WithinSeconds)
		}
		if t.MinConfidencePct < 0 || t.MinConfidencePct > 100 {
			return fmt.Errorf("frigate_person_detected: min_confidence_pct must be within 0..100, got %v", t.MinConfidencePct)
		}
		switch t.Aggregation {
		case AggregationMax, AggregationLatest:
		case AggregationPercentile:
			if t.Percentile < 1 || t.Percentile > 100 {
				return fmt.Errorf("frigate_person_detected: percentile must be within 1..100 for percentile aggregation")
			}
		default:
			return fmt.Errorf("frigate_person_detected: unknown aggregation %q", t.Aggregation)
		}
		switch t.OnUnavailable {
		case OnUnavailableMatch, OnUnavailableNoMatch:
		default:
			return fmt.Errorf("frigate_person_detected: unknown on_unavailable %q", t.OnUnavailable)
		}
		return nil
	default:
		return fmt.Errorf("unknown condition node %T", n)
	}
}

// hasTriggerPredicate reports whether the tree contains at least one
// predicate the entity dispatcher can trigger on.
func hasTriggerPredicate(n Node) bool {
	switch t := n.(type) {
	case All:
		for _, c := range t.Children {
			if hasTriggerPredicate(c) {
				return true
			}
		}
	case Any:
		for _, c := range t.Children {
			if hasTriggerPredicate(c) {
				return true
			}
		}
	case Not:
		return hasTriggerPredicate(t.Child)
	case For:
		return hasTriggerPredicate(t.Child)
	case EntityState, AlarmStateIn, FrigatePersonDetected:
		return true
	}
	return false
}
