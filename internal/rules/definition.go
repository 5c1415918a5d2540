// Package rules ties a rule's persisted JSON definition to its typed
// condition tree and action list.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/latchpoint/latchpoint/internal/rules/action"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
)

// Definition is the parsed {when, then} document of a rule.
type Definition struct {
	When condition.Node
	Then []action.Action
}

// wireDefinition is the stored JSON shape.
type wireDefinition struct {
	When json.RawMessage `json:"when"`
	Then json.RawMessage `json:"then"`
}

// ParseDefinition decodes a rule's stored definition JSON.
func ParseDefinition(data string) (*Definition, error) {
	var w wireDefinition
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("invalid rule definition: %w", err)
	}
	if len(w.When) == 0 {
		return nil, fmt.Errorf("rule definition missing \"when\"")
	}
	if len(w.Then) == 0 {
		return nil, fmt.Errorf("rule definition missing \"then\"")
	}

	when, err := condition.Unmarshal(w.When)
	if err != nil {
		return nil, fmt.Errorf("rule definition: %w", err)
	}
	then, err := action.UnmarshalList(w.Then)
	if err != nil {
		return nil, fmt.Errorf("rule definition: %w", err)
	}
	return &Definition{When: when, Then: then}, nil
}

// EncodeDefinition serializes a definition back to its stored JSON form.
func EncodeDefinition(def *Definition) (string, error) {
	when, err := condition.Marshal(def.When)
	if err != nil {
		return "", err
	}
	then, err := action.MarshalList(def.Then)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(wireDefinition{When: when, Then: then})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ValidateDefinition runs the full save-time validation: condition tree
// structure plus action fields and the admin gate.
func ValidateDefinition(def *Definition, isAdmin bool) error {
	if err := condition.Validate(def.When); err != nil {
		return fmt.Errorf("when: %w", err)
	}
	if err := action.ValidateList(def.Then, isAdmin); err != nil {
		return fmt.Errorf("then: %w", err)
	}
	return nil
}
