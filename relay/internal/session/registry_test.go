package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"verdict-relay/relay/internal/store"
	"verdict-relay/relay/internal/store/memstore"
)

type failingStore struct{}

func (failingStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return store.ErrUnavailable
}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, store.ErrUnavailable
}

func newTestRegistry() (*Registry, *memstore.MemStore, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mem := memstore.New(24*time.Hour)
	mem.SetClock(func() time.Time { return now })
	r := NewRegistry(mem, time.Hour, zap.NewNop())
	r.now = func() time.Time { return now }
	return r, mem, &now
}

func TestIssueThenResolve(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	sess, err := r.Issue(ctx, "42")
	require.NoError(t, err)

	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err, "session id should be a UUID")
	assert.Equal(t, time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), sess.ExpiresAt)

	owner, found, err := r.ResolveOwner(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, "42", owner)
}

func TestIssueUniqueIDs(t *testing.T) {
	r, _, _ := newTestRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess, err := r.Issue(context.Background(), "42")
		require.NoError(t, err)
		require.False(t, seen[sess.ID], "duplicate id %s", sess.ID)
		seen[sess.ID] = true
	}
}

func TestResolveUnknownAndMalformed(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	_, found, err := r.ResolveOwner(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = r.ResolveOwner(ctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolveAfterExpiry(t *testing.T) {
	r, _, now := newTestRegistry()
	ctx := context.Background()

	sess, err := r.Issue(ctx, "42")
	require.NoError(t, err)

	*now = now.Add(time.Hour + time.Second)

	_, found, err := r.ResolveOwner(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, r.Authorize(ctx, sess.ID, "42"), ErrNotFound)
}

func TestAuthorize(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	sess, err := r.Issue(ctx, "42")
	require.NoError(t, err)

	assert.NoError(t, r.Authorize(ctx, sess.ID, "42"))
	assert.ErrorIs(t, r.Authorize(ctx, sess.ID, "7"), ErrUnauthorized)
	assert.ErrorIs(t, r.Authorize(ctx, uuid.NewString(), "42"), ErrNotFound)
}

func TestStoreUnavailable(t *testing.T) {
	r := NewRegistry(failingStore{}, time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := r.Issue(ctx, "42")
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	_, _, err = r.ResolveOwner(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	err = r.Authorize(ctx, uuid.NewString(), "42")
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}
