package condition

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
)

// Snapshot maps entity ids to their last known state. Entities with no
// known state are simply absent.
type Snapshot map[string]string

// RepositoryView is the read-only repository surface the evaluator needs.
// Implementations coerce integration failures to safe defaults so
// evaluation stays deterministic.
type RepositoryView interface {
	// GetAlarmState returns the current alarm state, or "" when unknown.
	GetAlarmState(ctx context.Context) (string, error)
	// ListFrigateDetections returns detections for label observed at or
	// after since, optionally filtered to the given cameras.
	ListFrigateDetections(ctx context.Context, label string, cameras []string, since time.Time) ([]entities.Detection, error)
	// FrigateIsAvailable reports whether the vision integration is live.
	FrigateIsAvailable(ctx context.Context, now time.Time) bool
}

// personLabel is the detection label the frigate_person_detected predicate
// queries for.
const personLabel = "person"

// Eval walks the condition tree and returns whether it currently holds.
// It is pure apart from reads through repo. For nodes are not evaluated
// here; the engine extracts them and evaluates only the child, so a For
// reaching Eval evaluates its child directly.
func Eval(ctx context.Context, n Node, snap Snapshot, now time.Time, repo RepositoryView) bool {
	switch t := n.(type) {
	case All:
		if len(t.Children) == 0 {
			return false
		}
		for _, c := range t.Children {
			if !Eval(ctx, c, snap, now, repo) {
				return false
			}
		}
		return true
	case Any:
		if len(t.Children) == 0 {
			return false
		}
		for _, c := range t.Children {
			if Eval(ctx, c, snap, now, repo) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(ctx, t.Child, snap, now, repo)
	case For:
		return Eval(ctx, t.Child, snap, now, repo)
	case EntityState:
		state, ok := snap[t.EntityID]
		return ok && state == t.Equals
	case AlarmStateIn:
		state, err := repo.GetAlarmState(ctx)
		if err != nil || state == "" {
			return false
		}
		for _, s := range t.States {
			if s == state {
				return true
			}
		}
		return false
	case TimeInRange:
		ok, _ := evalTimeInRange(t, now)
		return ok
	case FrigatePersonDetected:
		ok, _, _ := evalFrigate(ctx, t, now, repo)
		return ok
	default:
		return false
	}
}

// evalTimeInRange reports whether now falls inside the configured window.
// The second return is a reason string for the explain path.
func evalTimeInRange(t TimeInRange, now time.Time) (bool, string) {
	loc, err := resolveLocation(t.TZ)
	if err != nil {
		return false, "invalid_timezone"
	}
	local := now.In(loc)

	if len(t.Days) > 0 && !weekdayIn(local.Weekday(), t.Days) {
		return false, "weekday_excluded"
	}

	start, err := parseHHMM(t.Start)
	if err != nil {
		return false, "invalid_start"
	}
	end, err := parseHHMM(t.End)
	if err != nil {
		return false, "invalid_end"
	}
	if start == end {
		return false, "empty_window"
	}

	minute := local.Hour()*60 + local.Minute()
	if end > start {
		if minute >= start && minute < end {
			return true, "in_window"
		}
		return false, "outside_window"
	}
	// Wraps midnight: [start, 1440) ∪ [0, end).
	if minute >= start || minute < end {
		return true, "in_window"
	}
	return false, "outside_window"
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" || tz == "system" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

func weekdayIn(day time.Weekday, days []string) bool {
	for _, d := range days {
		if wd, ok := weekdayNames[strings.ToLower(d)]; ok && wd == day {
			return true
		}
	}
	return false
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// evalFrigate evaluates the person-detection predicate. Returns the result,
// the aggregated confidence values considered, and a reason string.
func evalFrigate(ctx context.Context, t FrigatePersonDetected, now time.Time, repo RepositoryView) (bool, []float64, string) {
	since := now.Add(-time.Duration(t.WithinSeconds) * time.Second)
	detections, err := repo.ListFrigateDetections(ctx, personLabel, t.Cameras, since)
	if err != nil {
		detections = nil
	}

	candidates := detections
	if len(t.Zones) > 0 {
		filtered := make([]entities.Detection, 0, len(detections))
		for i := range detections {
			if zonesIntersect(detections[i].ZoneList(), t.Zones) {
				filtered = append(filtered, detections[i])
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		if !repo.FrigateIsAvailable(ctx, now) && t.OnUnavailable == OnUnavailableMatch {
			return true, nil, "unavailable_treated_as_match"
		}
		return false, nil, "no_detections"
	}

	values := make([]float64, 0, len(candidates))
	for i := range candidates {
		values = append(values, candidates[i].ConfidencePct)
	}

	var aggregate float64
	switch t.Aggregation {
	case AggregationLatest:
		latest := candidates[0]
		for i := range candidates {
			if candidates[i].ObservedAt.After(latest.ObservedAt) {
				latest = candidates[i]
			}
		}
		aggregate = latest.ConfidencePct
	case AggregationPercentile:
		if t.Percentile < 1 || t.Percentile > 100 {
			return false, values, "invalid_percentile"
		}
		aggregate = nearestRank(values, t.Percentile)
	default: // max
		aggregate = values[0]
		for _, v := range values[1:] {
			if v > aggregate {
				aggregate = v
			}
		}
	}

	if aggregate >= t.MinConfidencePct {
		return true, values, "threshold_met"
	}
	return false, values, "below_threshold"
}

// nearestRank computes the p-th percentile by the nearest-rank method:
// sort ascending, rank k = ceil(p/100*n) clamped to [1,n], return the k-th.
func nearestRank(values []float64, p int) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	k := int(math.Ceil(float64(p) / 100.0 * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return sorted[k-1]
}

func zonesIntersect(a, b []string) bool {
	for _, za := range a {
		for _, zb := range b {
			if za == zb {
				return true
			}
		}
	}
	return false
}
