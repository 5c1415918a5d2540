package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchpoint/latchpoint/internal/datastore/entities"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/testutil"
)

func refRepo(refs ...entities.RuleEntityRef) *testutil.MemRepo {
	repo := testutil.NewMemRepo()
	repo.Refs = refs
	return repo
}

func TestLookupOrderAndDedupe(t *testing.T) {
	t.Parallel()

	repo := refRepo(
		entities.RuleEntityRef{RuleID: 2, EntityID: "e1"},
		entities.RuleEntityRef{RuleID: 1, EntityID: "e1"},
		entities.RuleEntityRef{RuleID: 1, EntityID: "e2"},
		entities.RuleEntityRef{RuleID: 3, EntityID: "e2"},
	)
	ri := NewReverseIndex(repo, kvstore.NewMemoryStore(), testLog())

	ids, err := ri.Lookup(context.Background(), []string{"e1", "e2"})
	require.NoError(t, err)
	assert.Equal(t, []uint{2, 1, 3}, ids)

	ids, err = ri.Lookup(context.Background(), []string{"e2"})
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 3}, ids)

	ids, err = ri.Lookup(context.Background(), []string{"unknown"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLookupServesCachedIndex(t *testing.T) {
	t.Parallel()

	repo := refRepo(entities.RuleEntityRef{RuleID: 1, EntityID: "e1"})
	ri := NewReverseIndex(repo, kvstore.NewMemoryStore(), testLog())

	_, err := ri.Lookup(context.Background(), []string{"e1"})
	require.NoError(t, err)

	// A ref added behind the cache's back stays invisible until a rebuild.
	repo.Refs = append(repo.Refs, entities.RuleEntityRef{RuleID: 4, EntityID: "e3"})
	ids, err := ri.Lookup(context.Background(), []string{"e3"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	t.Parallel()

	repo := refRepo(entities.RuleEntityRef{RuleID: 1, EntityID: "e1"})
	ri := NewReverseIndex(repo, kvstore.NewMemoryStore(), testLog())

	_, err := ri.Lookup(context.Background(), []string{"e1"})
	require.NoError(t, err)

	repo.Refs = append(repo.Refs, entities.RuleEntityRef{RuleID: 4, EntityID: "e3"})
	ri.Invalidate(context.Background())

	ids, err := ri.Lookup(context.Background(), []string{"e3"})
	require.NoError(t, err)
	assert.Equal(t, []uint{4}, ids)
}

func TestVersionTokenSharedAcrossInstances(t *testing.T) {
	t.Parallel()

	repo := refRepo(entities.RuleEntityRef{RuleID: 1, EntityID: "e1"})
	kv := kvstore.NewMemoryStore()
	reader := NewReverseIndex(repo, kv, testLog())
	writer := NewReverseIndex(repo, kv, testLog())

	_, err := reader.Lookup(context.Background(), []string{"e1"})
	require.NoError(t, err)

	// Another process mutates the rules and bumps the shared token; the
	// reader's next lookup rebuilds even though its own TTL has not expired.
	repo.Refs = append(repo.Refs, entities.RuleEntityRef{RuleID: 4, EntityID: "e3"})
	writer.Invalidate(context.Background())

	ids, err := reader.Lookup(context.Background(), []string{"e3"})
	require.NoError(t, err)
	assert.Equal(t, []uint{4}, ids)
}

func TestTTLExpiryRebuilds(t *testing.T) {
	orig := nowFunc
	defer func() { nowFunc = orig }()

	repo := refRepo(entities.RuleEntityRef{RuleID: 1, EntityID: "e1"})
	ri := NewReverseIndex(repo, kvstore.NewMemoryStore(), testLog())

	base := time.Now()
	nowFunc = func() time.Time { return base }
	_, err := ri.Lookup(context.Background(), []string{"e1"})
	require.NoError(t, err)

	repo.Refs = append(repo.Refs, entities.RuleEntityRef{RuleID: 4, EntityID: "e3"})

	nowFunc = func() time.Time { return base.Add(reverseIndexTTL - time.Second) }
	ids, err := ri.Lookup(context.Background(), []string{"e3"})
	require.NoError(t, err)
	assert.Empty(t, ids, "cache still fresh")

	nowFunc = func() time.Time { return base.Add(reverseIndexTTL + time.Second) }
	ids, err = ri.Lookup(context.Background(), []string{"e3"})
	require.NoError(t, err)
	assert.Equal(t, []uint{4}, ids)
}

func TestLookupPropagatesRepoError(t *testing.T) {
	t.Parallel()

	repo := refRepo(entities.RuleEntityRef{RuleID: 1, EntityID: "e1"})
	repo.Err = assert.AnError
	ri := NewReverseIndex(repo, kvstore.NewMemoryStore(), testLog())

	_, err := ri.Lookup(context.Background(), []string{"e1"})
	assert.ErrorIs(t, err, assert.AnError)
}
