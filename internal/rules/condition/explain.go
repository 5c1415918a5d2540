package condition

import (
	"context"
	"fmt"
	"time"
)

// Trace records per-node evaluation detail for the simulation and debugging
// endpoints. It mirrors the shape of the condition tree.
type Trace struct {
	Op       string    `json:"op"`
	OK       bool      `json:"ok"`
	Reason   string    `json:"reason,omitempty"`
	Values   []float64 `json:"values,omitempty"`
	Children []*Trace  `json:"children,omitempty"`
}

// Explain evaluates the tree like Eval but additionally produces a parallel
// trace tree. Unlike Eval it does not short-circuit, so every node carries
// a verdict in the trace.
func Explain(ctx context.Context, n Node, snap Snapshot, now time.Time, repo RepositoryView) (bool, *Trace) {
	switch t := n.(type) {
	case All:
		tr := &Trace{Op: OpAll}
		if len(t.Children) == 0 {
			tr.Reason = "no_children"
			return false, tr
		}
		ok := true
		for _, c := range t.Children {
			childOK, childTr := Explain(ctx, c, snap, now, repo)
			tr.Children = append(tr.Children, childTr)
			if !childOK {
				ok = false
			}
		}
		tr.OK = ok
		return ok, tr
	case Any:
		tr := &Trace{Op: OpAny}
		if len(t.Children) == 0 {
			tr.Reason = "no_children"
			return false, tr
		}
		ok := false
		for _, c := range t.Children {
			childOK, childTr := Explain(ctx, c, snap, now, repo)
			tr.Children = append(tr.Children, childTr)
			if childOK {
				ok = true
			}
		}
		tr.OK = ok
		return ok, tr
	case Not:
		childOK, childTr := Explain(ctx, t.Child, snap, now, repo)
		tr := &Trace{Op: OpNot, OK: !childOK, Children: []*Trace{childTr}}
		return tr.OK, tr
	case For:
		childOK, childTr := Explain(ctx, t.Child, snap, now, repo)
		tr := &Trace{
			Op:       OpFor,
			OK:       childOK,
			Reason:   fmt.Sprintf("child_state_only; continuity tracked for %ds", t.Seconds),
			Children: []*Trace{childTr},
		}
		return childOK, tr
	case EntityState:
		state, present := snap[t.EntityID]
		ok := present && state == t.Equals
		reason := fmt.Sprintf("%s=%q want %q", t.EntityID, state, t.Equals)
		if !present {
			reason = fmt.Sprintf("%s missing from snapshot", t.EntityID)
		}
		return ok, &Trace{Op: OpEntityState, OK: ok, Reason: reason}
	case AlarmStateIn:
		state, err := repo.GetAlarmState(ctx)
		if err != nil || state == "" {
			return false, &Trace{Op: OpAlarmStateIn, Reason: "alarm_state_unavailable"}
		}
		ok := false
		for _, s := range t.States {
			if s == state {
				ok = true
				break
			}
		}
		return ok, &Trace{Op: OpAlarmStateIn, OK: ok, Reason: fmt.Sprintf("current=%q", state)}
	case TimeInRange:
		ok, reason := evalTimeInRange(t, now)
		return ok, &Trace{Op: OpTimeInRange, OK: ok, Reason: reason}
	case FrigatePersonDetected:
		ok, values, reason := evalFrigate(ctx, t, now, repo)
		return ok, &Trace{Op: OpFrigatePersonDetected, OK: ok, Reason: reason, Values: values}
	default:
		return false, &Trace{Op: "unknown", Reason: fmt.Sprintf("unsupported node %T", n)}
	}
}
