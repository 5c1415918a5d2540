package condition

import "sort"

// ExtractEntityIDs returns the sorted, de-duplicated set of entity ids the
// tree references. alarm_state_in nodes contribute the synthetic
// SystemAlarmStateEntityID so alarm-state rules land in the reverse index
// explicitly instead of relying on broadcaster conventions.
func ExtractEntityIDs(n Node) []string {
	set := make(map[string]struct{})
	collectEntityIDs(n, set)

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func collectEntityIDs(n Node, set map[string]struct{}) {
	switch t := n.(type) {
	case All:
		for _, c := range t.Children {
			collectEntityIDs(c, set)
		}
	case Any:
		for _, c := range t.Children {
			collectEntityIDs(c, set)
		}
	case Not:
		collectEntityIDs(t.Child, set)
	case For:
		collectEntityIDs(t.Child, set)
	case EntityState:
		if t.EntityID != "" {
			set[t.EntityID] = struct{}{}
		}
	case AlarmStateIn:
		set[SystemAlarmStateEntityID] = struct{}{}
	}
	// time_in_range and frigate_person_detected reference no entities.
}

// ExtractForDelay returns the root for-operator's delay and child when the
// tree's root is a For node. ok is false otherwise.
func ExtractForDelay(n Node) (seconds int, child Node, ok bool) {
	f, isFor := n.(For)
	if !isFor {
		return 0, nil, false
	}
	return f.Seconds, f.Child, true
}
