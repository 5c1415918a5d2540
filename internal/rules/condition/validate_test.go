package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	door := EntityState{EntityID: "binary_sensor.door", Equals: "on"}

	tests := []struct {
		name    string
		node    Node
		wantErr string
	}{
		{"nil tree", nil, "empty"},
		{"plain predicate", door, ""},
		{"for at root", For{Seconds: 30, Child: door}, ""},
		{"for under all", All{Children: []Node{For{Seconds: 30, Child: door}, door}}, ""},
		{"nested for", For{Seconds: 30, Child: For{Seconds: 10, Child: door}}, "only legal"},
		{"for zero seconds", For{Seconds: 0, Child: door}, "positive"},
		{"for negative seconds", For{Seconds: -5, Child: door}, "positive"},
		{"entity_state without id", EntityState{Equals: "on"}, "entity_id is required"},
		{"alarm_state_in empty", AlarmStateIn{}, "must not be empty"},
		{"time window only is untriggerable", TimeInRange{Start: "09:00", End: "17:00"}, "at least one"},
		{
			"time window plus predicate",
			All{Children: []Node{TimeInRange{Start: "09:00", End: "17:00"}, door}},
			"",
		},
		{
			"bad start",
			All{Children: []Node{TimeInRange{Start: "9am", End: "17:00"}, door}},
			"invalid start",
		},
		{
			"bad weekday",
			All{Children: []Node{TimeInRange{Start: "09:00", End: "17:00", Days: []string{"funday"}}, door}},
			"invalid weekday",
		},
		{
			"bad timezone",
			All{Children: []Node{TimeInRange{Start: "09:00", End: "17:00", TZ: "Mars/Olympus"}, door}},
			"invalid timezone",
		},
		{
			"frigate without cameras",
			FrigatePersonDetected{WithinSeconds: 30, Aggregation: AggregationMax, OnUnavailable: OnUnavailableNoMatch},
			"cameras",
		},
		{
			"frigate zero window",
			FrigatePersonDetected{Cameras: []string{"front"}, Aggregation: AggregationMax, OnUnavailable: OnUnavailableNoMatch},
			"within_seconds",
		},
		{
			"frigate confidence out of range",
			FrigatePersonDetected{Cameras: []string{"front"}, WithinSeconds: 30, MinConfidencePct: 101, Aggregation: AggregationMax, OnUnavailable: OnUnavailableNoMatch},
			"min_confidence_pct",
		},
		{
			"percentile aggregation requires percentile",
			FrigatePersonDetected{Cameras: []string{"front"}, WithinSeconds: 30, Aggregation: AggregationPercentile, OnUnavailable: OnUnavailableNoMatch},
			"percentile",
		},
		{
			"percentile aggregation with percentile",
			FrigatePersonDetected{Cameras: []string{"front"}, WithinSeconds: 30, Aggregation: AggregationPercentile, Percentile: 95, OnUnavailable: OnUnavailableNoMatch},
			"",
		},
		{
			"unknown aggregation",
			FrigatePersonDetected{Cameras: []string{"front"}, WithinSeconds: 30, Aggregation: "median", OnUnavailable: OnUnavailableNoMatch},
			"unknown aggregation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.node)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
