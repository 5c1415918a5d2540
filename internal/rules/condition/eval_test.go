package condition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
)

// fakeView is a hand-rolled RepositoryView for evaluator tests.
type fakeView struct {
	alarmState string
	alarmErr   error
	detections []entities.Detection
	available  bool
}

func (f *fakeView) GetAlarmState(context.Context) (string, error) {
	return f.alarmState, f.alarmErr
}

func (f *fakeView) ListFrigateDetections(_ context.Context, label string, cameras []string, since time.Time) ([]entities.Detection, error) {
	cameraSet := make(map[string]struct{}, len(cameras))
	for _, c := range cameras {
		cameraSet[c] = struct{}{}
	}
	var out []entities.Detection
	for _, d := range f.detections {
		if d.Label != label || d.ObservedAt.Before(since) {
			continue
		}
		if len(cameraSet) > 0 {
			if _, ok := cameraSet[d.Camera]; !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeView) FrigateIsAvailable(context.Context, time.Time) bool {
	return f.available
}

func detection(camera string, pct float64, observedAt time.Time, zones string) entities.Detection {
	if zones == "" {
		zones = "[]"
	}
	return entities.Detection{
		Provider:      "frigate",
		Label:         "person",
		Camera:        camera,
		Zones:         zones,
		ConfidencePct: pct,
		ObservedAt:    observedAt,
	}
}

func TestEvalLogicalOperators(t *testing.T) {
	t.Parallel()

	snap := Snapshot{"binary_sensor.door": "on", "binary_sensor.window": "off"}
	door := EntityState{EntityID: "binary_sensor.door", Equals: "on"}
	window := EntityState{EntityID: "binary_sensor.window", Equals: "on"}
	now := time.Now()
	view := &fakeView{}

	tests := []struct {
		name string
		node Node
		want bool
	}{
		{"all true", All{Children: []Node{door}}, true},
		{"all mixed", All{Children: []Node{door, window}}, false},
		{"all empty is false", All{}, false},
		{"any one true", Any{Children: []Node{window, door}}, true},
		{"any all false", Any{Children: []Node{window}}, false},
		{"any empty is false", Any{}, false},
		{"not inverts", Not{Child: window}, true},
		{"missing entity is unequal", EntityState{EntityID: "sensor.ghost", Equals: "on"}, false},
		{"for evaluates child", For{Seconds: 30, Child: door}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Eval(context.Background(), tt.node, snap, now, view))
		})
	}
}

func TestEvalAlarmStateIn(t *testing.T) {
	t.Parallel()

	node := AlarmStateIn{States: []string{"armed_away", "armed_night"}}
	now := time.Now()

	assert.True(t, Eval(context.Background(), node, nil, now, &fakeView{alarmState: "armed_away"}))
	assert.False(t, Eval(context.Background(), node, nil, now, &fakeView{alarmState: "disarmed"}))
	assert.False(t, Eval(context.Background(), node, nil, now, &fakeView{alarmState: ""}))
	assert.False(t, Eval(context.Background(), node, nil, now, &fakeView{alarmErr: assert.AnError}))
}

func TestEvalTimeInRange(t *testing.T) {
	t.Parallel()

	at := func(hour, minute int) time.Time {
		// 2026-03-02 is a Monday.
		return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		node TimeInRange
		now  time.Time
		want bool
	}{
		{"inside plain window", TimeInRange{Start: "09:00", End: "17:00", TZ: "UTC"}, at(12, 0), true},
		{"start inclusive", TimeInRange{Start: "09:00", End: "17:00", TZ: "UTC"}, at(9, 0), true},
		{"end exclusive", TimeInRange{Start: "09:00", End: "17:00", TZ: "UTC"}, at(17, 0), false},
		{"wrapping window late evening", TimeInRange{Start: "22:00", End: "06:00", TZ: "UTC"}, at(23, 30), true},
		{"wrapping window early morning", TimeInRange{Start: "22:00", End: "06:00", TZ: "UTC"}, at(5, 59), true},
		{"wrapping window end exclusive", TimeInRange{Start: "22:00", End: "06:00", TZ: "UTC"}, at(6, 0), false},
		{"wrapping window midday", TimeInRange{Start: "22:00", End: "06:00", TZ: "UTC"}, at(12, 0), false},
		{"equal start end never matches", TimeInRange{Start: "10:00", End: "10:00", TZ: "UTC"}, at(10, 0), false},
		{"weekday included", TimeInRange{Start: "00:00", End: "23:59", Days: []string{"mon"}, TZ: "UTC"}, at(12, 0), true},
		{"weekday excluded", TimeInRange{Start: "00:00", End: "23:59", Days: []string{"sat", "sun"}, TZ: "UTC"}, at(12, 0), false},
		{"invalid timezone is false", TimeInRange{Start: "00:00", End: "23:59", TZ: "Mars/Olympus"}, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := evalTimeInRange(tt.node, tt.now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalFrigateAggregation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	view := &fakeView{
		available: true,
		detections: []entities.Detection{
			detection("front", 10, now.Add(-50*time.Second), ""),
			detection("front", 20, now.Add(-40*time.Second), ""),
			detection("front", 30, now.Add(-30*time.Second), ""),
			detection("front", 40, now.Add(-20*time.Second), ""),
			detection("front", 50, now.Add(-10*time.Second), ""),
		},
	}

	base := FrigatePersonDetected{
		Cameras:       []string{"front"},
		WithinSeconds: 60,
		OnUnavailable: OnUnavailableNoMatch,
	}

	t.Run("max", func(t *testing.T) {
		n := base
		n.Aggregation = AggregationMax
		n.MinConfidencePct = 50
		ok, values, reason := evalFrigate(context.Background(), n, now, view)
		assert.True(t, ok)
		assert.Len(t, values, 5)
		assert.Equal(t, "threshold_met", reason)
	})

	t.Run("latest", func(t *testing.T) {
		n := base
		n.Aggregation = AggregationLatest
		n.MinConfidencePct = 51
		ok, _, reason := evalFrigate(context.Background(), n, now, view)
		assert.False(t, ok)
		assert.Equal(t, "below_threshold", reason)
	})

	t.Run("percentile nearest rank", func(t *testing.T) {
		// p60 of [10 20 30 40 50] ranks k=ceil(0.6*5)=3, value 30.
		n := base
		n.Aggregation = AggregationPercentile
		n.Percentile = 60
		n.MinConfidencePct = 30
		ok, _, _ := evalFrigate(context.Background(), n, now, view)
		assert.True(t, ok)

		n.MinConfidencePct = 31
		ok, _, _ = evalFrigate(context.Background(), n, now, view)
		assert.False(t, ok)
	})

	t.Run("invalid percentile never matches", func(t *testing.T) {
		n := base
		n.Aggregation = AggregationPercentile
		n.Percentile = 0
		ok, _, reason := evalFrigate(context.Background(), n, now, view)
		assert.False(t, ok)
		assert.Equal(t, "invalid_percentile", reason)
	})

	t.Run("window excludes old detections", func(t *testing.T) {
		n := base
		n.Aggregation = AggregationMax
		n.WithinSeconds = 15
		n.MinConfidencePct = 50
		ok, values, _ := evalFrigate(context.Background(), n, now, view)
		assert.True(t, ok)
		assert.Len(t, values, 1)
	})
}

func TestEvalFrigateZonesAndAvailability(t *testing.T) {
	t.Parallel()

	now := time.Now()
	base := FrigatePersonDetected{
		Cameras:          []string{"front"},
		WithinSeconds:    60,
		MinConfidencePct: 10,
		Aggregation:      AggregationMax,
	}

	t.Run("zone filter", func(t *testing.T) {
		view := &fakeView{
			available: true,
			detections: []entities.Detection{
				detection("front", 90, now.Add(-5*time.Second), `["driveway"]`),
			},
		}
		n := base
		n.Zones = []string{"porch"}
		n.OnUnavailable = OnUnavailableNoMatch
		ok, _, reason := evalFrigate(context.Background(), n, now, view)
		assert.False(t, ok)
		assert.Equal(t, "no_detections", reason)

		n.Zones = []string{"driveway"}
		ok, _, _ = evalFrigate(context.Background(), n, now, view)
		assert.True(t, ok)
	})

	t.Run("unavailable treat_as_match", func(t *testing.T) {
		view := &fakeView{available: false}
		n := base
		n.OnUnavailable = OnUnavailableMatch
		ok, _, reason := evalFrigate(context.Background(), n, now, view)
		assert.True(t, ok)
		assert.Equal(t, "unavailable_treated_as_match", reason)
	})

	t.Run("unavailable treat_as_no_match", func(t *testing.T) {
		view := &fakeView{available: false}
		n := base
		n.OnUnavailable = OnUnavailableNoMatch
		ok, _, _ := evalFrigate(context.Background(), n, now, view)
		assert.False(t, ok)
	})

	t.Run("available but empty is no match regardless of policy", func(t *testing.T) {
		view := &fakeView{available: true}
		n := base
		n.OnUnavailable = OnUnavailableMatch
		ok, _, reason := evalFrigate(context.Background(), n, now, view)
		assert.False(t, ok)
		assert.Equal(t, "no_detections", reason)
	})
}

func TestExplainProducesFullTrace(t *testing.T) {
	t.Parallel()

	snap := Snapshot{"a": "on", "b": "off"}
	tree := All{Children: []Node{
		EntityState{EntityID: "a", Equals: "on"},
		EntityState{EntityID: "b", Equals: "on"},
		EntityState{EntityID: "c", Equals: "on"},
	}}

	ok, trace := Explain(context.Background(), tree, snap, time.Now(), &fakeView{})
	require.NotNil(t, trace)
	assert.False(t, ok)
	assert.False(t, trace.OK)
	// No short-circuit: all three children carry verdicts.
	require.Len(t, trace.Children, 3)
	assert.True(t, trace.Children[0].OK)
	assert.False(t, trace.Children[1].OK)
	assert.False(t, trace.Children[2].OK)
	assert.Contains(t, trace.Children[2].Reason, "missing")
}

func TestNearestRank(t *testing.T) {
	t.Parallel()

	values := []float64{10, 20, 30, 40, 50}
	tests := []struct {
		p    int
		want float64
	}{
		{1, 10},
		{20, 10},
		{21, 20},
		{50, 30},
		{60, 30},
		{61, 40},
		{100, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nearestRank(values, tt.p), "p=%d", tt.p)
	}
}
