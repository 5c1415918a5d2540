// Package alarm implements the alarm panel service on top of the
// repository's single-row state record. State changes publish the synthetic
// alarm entity so rules with alarm_state_in conditions re-evaluate.
package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/gateway"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules/condition"
)

// Panel states.
const (
	StateDisarmed  = "disarmed"
	StateArming    = "arming"
	StateTriggered = "triggered"
)

// ArmedState returns the state string for an armed mode, e.g. "armed_away".
func ArmedState(mode string) string {
	return "armed_" + mode
}

// Notifier receives entity-change notifications. Satisfied by the
// dispatcher.
type Notifier interface {
	NotifyEntitiesChanged(ctx context.Context, source string, entityIDs []string)
}

// Service is the repository-backed alarm panel. Arming timers live in
// memory; the persisted state is authoritative across restarts (a restart
// mid-exit-delay lands back in "arming" until re-armed or disarmed).
type Service struct {
	repo      repository.RuleRepository
	notifier  Notifier
	exitDelay time.Duration
	log       logger.Logger

	mu        sync.Mutex
	armTarget string
	armAt     time.Time
}

// NewService creates the panel service. notifier may be nil during startup
// wiring; attach the dispatcher with SetNotifier before serving traffic.
func NewService(repo repository.RuleRepository, exitDelay time.Duration, log logger.Logger) *Service {
	return &Service{repo: repo, exitDelay: exitDelay, log: log}
}

// SetNotifier attaches the dispatcher once it exists. Breaks the
// construction cycle: the dispatcher's executor needs the alarm service,
// and the alarm service notifies the dispatcher.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// GetCurrentSnapshot returns the panel state, optionally advancing a
// pending exit-delay timer first.
func (s *Service) GetCurrentSnapshot(ctx context.Context, processTimers bool) (gateway.AlarmSnapshot, error) {
	if processTimers {
		if err := s.processTimers(ctx); err != nil {
			return gateway.AlarmSnapshot{}, err
		}
	}
	state, err := s.repo.GetAlarmState(ctx)
	if err != nil {
		return gateway.AlarmSnapshot{}, fmt.Errorf("failed to read alarm state: %w", err)
	}
	if state == "" {
		state = StateDisarmed
	}
	return gateway.AlarmSnapshot{State: state, ChangedAt: time.Now()}, nil
}

// Arm starts the exit delay, or arms immediately when no delay is
// configured.
func (s *Service) Arm(ctx context.Context, mode string) error {
	if s.exitDelay <= 0 {
		return s.transition(ctx, ArmedState(mode))
	}

	s.mu.Lock()
	s.armTarget = mode
	s.armAt = time.Now().Add(s.exitDelay)
	s.mu.Unlock()
	return s.transition(ctx, StateArming)
}

// Disarm returns the panel to disarmed and cancels any pending timer.
func (s *Service) Disarm(ctx context.Context) error {
	s.clearTimer()
	return s.transition(ctx, StateDisarmed)
}

// Trigger sounds the alarm immediately.
func (s *Service) Trigger(ctx context.Context) error {
	s.clearTimer()
	return s.transition(ctx, StateTriggered)
}

// CancelArming aborts a pending exit delay. A no-op in any other state.
func (s *Service) CancelArming(ctx context.Context) error {
	state, err := s.repo.GetAlarmState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read alarm state: %w", err)
	}
	if state != StateArming {
		return nil
	}
	s.clearTimer()
	return s.transition(ctx, StateDisarmed)
}

func (s *Service) clearTimer() {
	s.mu.Lock()
	s.armTarget = ""
	s.armAt = time.Time{}
	s.mu.Unlock()
}

// processTimers completes the exit delay when it has elapsed.
func (s *Service) processTimers(ctx context.Context) error {
	s.mu.Lock()
	target, at := s.armTarget, s.armAt
	s.mu.Unlock()
	if target == "" || time.Now().Before(at) {
		return nil
	}

	state, err := s.repo.GetAlarmState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read alarm state: %w", err)
	}
	if state != StateArming {
		// Disarmed or triggered while the timer ran; drop it.
		s.clearTimer()
		return nil
	}

	s.clearTimer()
	return s.transition(ctx, ArmedState(target))
}

// transition persists the new state, mirrors it into the synthetic alarm
// entity, and notifies the dispatcher. No-ops when the state is unchanged.
func (s *Service) transition(ctx context.Context, next string) error {
	current, err := s.repo.GetAlarmState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read alarm state: %w", err)
	}
	if current == next {
		return nil
	}
	if err := s.repo.SetAlarmState(ctx, next); err != nil {
		return err
	}

	now := time.Now()
	stateCopy := next
	if err := s.repo.UpsertEntityState(ctx, condition.SystemAlarmStateEntityID, entities.SourceAlarmState, &stateCopy, now); err != nil {
		s.log.Warn("failed to mirror alarm state entity", logger.Error(err))
	}

	s.log.Info("alarm state changed",
		logger.String("from", current),
		logger.String("to", next))

	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		notifier.NotifyEntitiesChanged(ctx, entities.SourceAlarmState, []string{condition.SystemAlarmStateEntityID})
	}
	return nil
}
