package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/logger"
)

const (
	// reverseIndexTTL bounds how stale a cached index may get even without
	// an explicit invalidation.
	reverseIndexTTL = 60 * time.Second
	// indexVersionKey holds the shared version token. Any process that
	// mutates rules bumps it, so every process's cache converges.
	indexVersionKey = "rule_index_version"
	// indexVersionTTL keeps the token alive well past the cache TTL.
	indexVersionTTL = 24 * time.Hour
)

// ReverseIndex caches the entity_id -> rule_ids mapping built from the
// RuleEntityRef rows. It refreshes on TTL expiry and whenever the shared
// version token in the KV store no longer matches the one it was built
// against.
type ReverseIndex struct {
	repo repository.RuleRepository
	kv   kvstore.Store
	log  logger.Logger

	mu      sync.Mutex
	index   map[string][]uint
	builtAt time.Time
	version string
}

// NewReverseIndex creates an empty index; the first Lookup builds it.
func NewReverseIndex(repo repository.RuleRepository, kv kvstore.Store, log logger.Logger) *ReverseIndex {
	return &ReverseIndex{repo: repo, kv: kv, log: log}
}

// Lookup returns the ids of rules referencing any of entityIDs, deduplicated
// and in ascending order of first appearance. The index is rebuilt first if
// stale.
func (ri *ReverseIndex) Lookup(ctx context.Context, entityIDs []string) ([]uint, error) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	if err := ri.ensureFreshLocked(ctx); err != nil {
		return nil, err
	}

	seen := make(map[uint]struct{})
	var ruleIDs []uint
	for _, id := range entityIDs {
		for _, ruleID := range ri.index[id] {
			if _, dup := seen[ruleID]; dup {
				continue
			}
			seen[ruleID] = struct{}{}
			ruleIDs = append(ruleIDs, ruleID)
		}
	}
	return ruleIDs, nil
}

// Invalidate bumps the shared version token so every process rebuilds on its
// next lookup. Called after any rule create, update, or delete.
func (ri *ReverseIndex) Invalidate(ctx context.Context) {
	token := uuid.NewString()
	if err := ri.kv.SetWithTTL(ctx, indexVersionKey, token, indexVersionTTL); err != nil {
		ri.log.Warn("failed to bump rule index version", logger.Error(err))
	}
	ri.mu.Lock()
	ri.index = nil
	ri.mu.Unlock()
}

// ensureFreshLocked rebuilds the index when missing, expired, or built
// against an outdated version token. Callers hold ri.mu.
func (ri *ReverseIndex) ensureFreshLocked(ctx context.Context) error {
	token, ok, err := ri.kv.Get(ctx, indexVersionKey)
	if err != nil {
		// KV trouble must not stop dispatching; fall back to the TTL alone.
		ri.log.Warn("failed to read rule index version", logger.Error(err))
		token, ok = ri.version, ri.version != ""
	}
	if !ok {
		token = uuid.NewString()
		if err := ri.kv.SetWithTTL(ctx, indexVersionKey, token, indexVersionTTL); err != nil {
			ri.log.Warn("failed to seed rule index version", logger.Error(err))
		}
	}

	fresh := ri.index != nil &&
		token == ri.version &&
		nowFunc().Sub(ri.builtAt) < reverseIndexTTL
	if fresh {
		return nil
	}

	refs, err := ri.repo.AllEntityRefs(ctx)
	if err != nil {
		return err
	}
	index := make(map[string][]uint, len(refs))
	for _, ref := range refs {
		index[ref.EntityID] = append(index[ref.EntityID], ref.RuleID)
	}
	ri.index = index
	ri.builtAt = nowFunc()
	ri.version = token
	return nil
}
