// Package testutil provides shared test doubles, most notably an in-memory
// RuleRepository used by the engine, dispatcher, alarm, and API tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
)

// MemRepo is an in-memory RuleRepository. It is not a faithful transactional
// store: Transaction just runs fn against the same state, which is adequate
// for single-goroutine test scenarios.
type MemRepo struct {
	mu sync.Mutex

	Rules      map[uint]*entities.Rule
	Refs       []entities.RuleEntityRef
	States     map[string]string
	Runtimes   map[uint]*entities.RuleRuntimeState
	ActionLogs []entities.RuleActionLog
	Alarm      string
	Detections []entities.Detection

	FrigateAvailable bool
	FrigateLastSeen  time.Time

	nextRuleID uint
	// Err, when set, is returned by every fallible method. Lets tests force
	// failure paths.
	Err error
}

// NewMemRepo creates an empty in-memory repository.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		Rules:    make(map[uint]*entities.Rule),
		States:   make(map[string]string),
		Runtimes: make(map[uint]*entities.RuleRuntimeState),
	}
}

var _ repository.RuleRepository = (*MemRepo)(nil)

// AddRule inserts a rule with its entity refs and returns its id.
func (m *MemRepo) AddRule(rule entities.Rule, entityIDs ...string) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == 0 {
		m.nextRuleID++
		rule.ID = m.nextRuleID
	} else if rule.ID > m.nextRuleID {
		m.nextRuleID = rule.ID
	}
	m.Rules[rule.ID] = &rule
	for _, id := range entityIDs {
		m.Refs = append(m.Refs, entities.RuleEntityRef{RuleID: rule.ID, EntityID: id})
	}
	return rule.ID
}

// SetState sets one entity state.
func (m *MemRepo) SetState(entityID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States[entityID] = state
}

func sortRules(rules []entities.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func (m *MemRepo) ListRules(context.Context) ([]entities.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]entities.Rule, 0, len(m.Rules))
	for _, r := range m.Rules {
		out = append(out, *r)
	}
	sortRules(out)
	return out, nil
}

func (m *MemRepo) ListEnabledRules(context.Context) ([]entities.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []entities.Rule
	for _, r := range m.Rules {
		if r.Enabled {
			out = append(out, *r)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *MemRepo) GetRulesByIDs(_ context.Context, ids []uint) ([]entities.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []entities.Rule
	for _, id := range ids {
		if r, ok := m.Rules[id]; ok && r.Enabled {
			out = append(out, *r)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *MemRepo) GetRule(_ context.Context, id uint) (*entities.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	r, ok := m.Rules[id]
	if !ok {
		return nil, repository.ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemRepo) SaveRule(_ context.Context, rule *entities.Rule, entityIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if rule.ID == 0 {
		m.nextRuleID++
		rule.ID = m.nextRuleID
	}
	cp := *rule
	m.Rules[rule.ID] = &cp

	kept := m.Refs[:0]
	for _, ref := range m.Refs {
		if ref.RuleID != rule.ID {
			kept = append(kept, ref)
		}
	}
	m.Refs = kept
	for _, id := range entityIDs {
		m.Refs = append(m.Refs, entities.RuleEntityRef{RuleID: rule.ID, EntityID: id})
	}
	return nil
}

func (m *MemRepo) DeleteRule(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.Rules[id]; !ok {
		return repository.ErrRuleNotFound
	}
	delete(m.Rules, id)
	delete(m.Runtimes, id)
	kept := m.Refs[:0]
	for _, ref := range m.Refs {
		if ref.RuleID != id {
			kept = append(kept, ref)
		}
	}
	m.Refs = kept
	return nil
}

func (m *MemRepo) AllEntityRefs(context.Context) ([]entities.RuleEntityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]entities.RuleEntityRef(nil), m.Refs...), nil
}

func (m *MemRepo) EntityRefsForRules(_ context.Context, ruleIDs []uint) ([]entities.RuleEntityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	want := make(map[uint]struct{}, len(ruleIDs))
	for _, id := range ruleIDs {
		want[id] = struct{}{}
	}
	var out []entities.RuleEntityRef
	for _, ref := range m.Refs {
		if _, ok := want[ref.RuleID]; ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (m *MemRepo) RulesForEntityIDs(_ context.Context, entityIDs []string) ([]entities.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	hit := make(map[uint]struct{})
	for _, ref := range m.Refs {
		if _, ok := want[ref.EntityID]; ok {
			hit[ref.RuleID] = struct{}{}
		}
	}
	var out []entities.Rule
	for id := range hit {
		if r, ok := m.Rules[id]; ok && r.Enabled {
			out = append(out, *r)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *MemRepo) EntityStateMap(_ context.Context, entityIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(map[string]string)
	if len(entityIDs) == 0 {
		for k, v := range m.States {
			out[k] = v
		}
		return out, nil
	}
	for _, id := range entityIDs {
		if v, ok := m.States[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (m *MemRepo) UpsertEntityState(_ context.Context, entityID, _ string, state *string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if state == nil {
		delete(m.States, entityID)
		return nil
	}
	m.States[entityID] = *state
	return nil
}

func (m *MemRepo) EnsureRuntime(_ context.Context, ruleID uint) (*entities.RuleRuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if rt, ok := m.Runtimes[ruleID]; ok {
		return rt, nil
	}
	rt := &entities.RuleRuntimeState{RuleID: ruleID, NodeID: "when", Status: entities.RuntimeStatusOK}
	m.Runtimes[ruleID] = rt
	return rt, nil
}

func (m *MemRepo) GetRuntime(_ context.Context, ruleID uint) (*entities.RuleRuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	rt, ok := m.Runtimes[ruleID]
	if !ok {
		return nil, nil
	}
	return rt, nil
}

func (m *MemRepo) DueRuntimes(_ context.Context, now time.Time) ([]entities.RuleRuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var due []entities.RuleRuntimeState
	for _, rt := range m.Runtimes {
		if rt.ScheduledFor != nil && !rt.ScheduledFor.After(now) {
			due = append(due, *rt)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(*due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(*due[j].ScheduledFor)
		}
		return due[i].RuleID < due[j].RuleID
	})
	return due, nil
}

func (m *MemRepo) UpdateRuntimeFields(_ context.Context, ruleID uint, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	rt, ok := m.Runtimes[ruleID]
	if !ok {
		rt = &entities.RuleRuntimeState{RuleID: ruleID, NodeID: "when", Status: entities.RuntimeStatusOK}
		m.Runtimes[ruleID] = rt
	}
	for k, v := range fields {
		switch k {
		case "scheduled_for":
			rt.ScheduledFor = toTimePtr(v)
		case "became_true_at":
			rt.BecameTrueAt = toTimePtr(v)
		case "last_fired_at":
			rt.LastFiredAt = toTimePtr(v)
		case "consecutive_failures":
			rt.ConsecutiveFailures = v.(int)
		case "last_failure_at":
			rt.LastFailureAt = toTimePtr(v)
		case "last_error":
			rt.LastError = v.(string)
		case "next_allowed_at":
			rt.NextAllowedAt = toTimePtr(v)
		case "error_suspended":
			rt.ErrorSuspended = v.(bool)
		case "status":
			rt.Status = v.(string)
		}
	}
	return nil
}

func toTimePtr(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func (m *MemRepo) ListSuspendedRuntimes(context.Context) ([]entities.RuleRuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []entities.RuleRuntimeState
	for _, rt := range m.Runtimes {
		if rt.ErrorSuspended {
			out = append(out, *rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (m *MemRepo) SaveActionLog(_ context.Context, log *entities.RuleActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	log.ID = uint(len(m.ActionLogs) + 1)
	m.ActionLogs = append(m.ActionLogs, *log)
	return nil
}

func (m *MemRepo) ListActionLogs(_ context.Context, filter repository.ActionLogFilter) ([]entities.RuleActionLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, 0, m.Err
	}
	var out []entities.RuleActionLog
	for _, l := range m.ActionLogs {
		if filter.RuleID > 0 && l.RuleID != filter.RuleID {
			continue
		}
		out = append(out, l)
	}
	total := int64(len(out))
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (m *MemRepo) GetAlarmState(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Alarm, nil
}

func (m *MemRepo) SetAlarmState(_ context.Context, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Alarm = state
	return nil
}

func (m *MemRepo) ListFrigateDetections(_ context.Context, label string, cameras []string, since time.Time) ([]entities.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	cameraSet := make(map[string]struct{}, len(cameras))
	for _, c := range cameras {
		cameraSet[c] = struct{}{}
	}
	var out []entities.Detection
	for _, d := range m.Detections {
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
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func (m *MemRepo) FrigateIsAvailable(context.Context, time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FrigateAvailable
}

func (m *MemRepo) RecordFrigateHeartbeat(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.FrigateAvailable = true
	m.FrigateLastSeen = at
	return nil
}

func (m *MemRepo) InsertDetection(_ context.Context, d *entities.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	d.ID = uint(len(m.Detections) + 1)
	m.Detections = append(m.Detections, *d)
	return nil
}

func (m *MemRepo) Transaction(_ context.Context, fn func(repository.RuleRepository) error) error {
	if m.Err != nil {
		return m.Err
	}
	return fn(m)
}
