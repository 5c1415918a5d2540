package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalConditionTree(t *testing.T) {
	t.Parallel()

	doc := `{
		"op": "all",
		"children": [
			{"op": "entity_state", "entity_id": "binary_sensor.door", "equals": "on"},
			{"op": "not", "child": {"op": "alarm_state_in", "states": ["disarmed"]}},
			{"op": "time_in_range", "start": "22:00", "end": "06:00", "days": ["mon","tue"], "tz": "UTC"}
		]
	}`

	node, err := Unmarshal([]byte(doc))
	require.NoError(t, err)

	root, ok := node.(All)
	require.True(t, ok)
	require.Len(t, root.Children, 3)

	es, ok := root.Children[0].(EntityState)
	require.True(t, ok)
	assert.Equal(t, "binary_sensor.door", es.EntityID)
	assert.Equal(t, "on", es.Equals)

	not, ok := root.Children[1].(Not)
	require.True(t, ok)
	alarm, ok := not.Child.(AlarmStateIn)
	require.True(t, ok)
	assert.Equal(t, []string{"disarmed"}, alarm.States)

	win, ok := root.Children[2].(TimeInRange)
	require.True(t, ok)
	assert.Equal(t, "22:00", win.Start)
	assert.Equal(t, "06:00", win.End)
}

func TestUnmarshalForNode(t *testing.T) {
	t.Parallel()

	doc := `{"op": "for", "seconds": 120, "child": {"op": "entity_state", "entity_id": "sensor.motion", "equals": "on"}}`
	node, err := Unmarshal([]byte(doc))
	require.NoError(t, err)

	f, ok := node.(For)
	require.True(t, ok)
	assert.Equal(t, 120, f.Seconds)
	_, ok = f.Child.(EntityState)
	assert.True(t, ok)
}

func TestUnmarshalFrigateDefaults(t *testing.T) {
	t.Parallel()

	doc := `{"op": "frigate_person_detected", "cameras": ["front"], "within_seconds": 30, "min_confidence_pct": 70}`
	node, err := Unmarshal([]byte(doc))
	require.NoError(t, err)

	f, ok := node.(FrigatePersonDetected)
	require.True(t, ok)
	assert.Equal(t, AggregationMax, f.Aggregation)
	assert.Equal(t, OnUnavailableNoMatch, f.OnUnavailable)
	assert.InDelta(t, 70.0, f.MinConfidencePct, 0.001)
}

func TestUnmarshalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"missing op", `{"children": []}`},
		{"unknown op", `{"op": "sometimes"}`},
		{"not without child", `{"op": "not"}`},
		{"for without child", `{"op": "for", "seconds": 10}`},
		{"bad json", `{`},
		{"bad nested child", `{"op": "all", "children": [{"op": "wat"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Unmarshal([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	tree := Any{Children: []Node{
		For{Seconds: 60, Child: EntityState{EntityID: "sensor.motion", Equals: "on"}},
		FrigatePersonDetected{
			Cameras:          []string{"front", "back"},
			Zones:            []string{"porch"},
			WithinSeconds:    45,
			MinConfidencePct: 80,
			Aggregation:      AggregationPercentile,
			Percentile:       90,
			OnUnavailable:    OnUnavailableMatch,
		},
	}}

	data, err := Marshal(tree)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, tree, decoded)
}

func TestMarshalNilNode(t *testing.T) {
	t.Parallel()

	_, err := Marshal(nil)
	assert.Error(t, err)
}
