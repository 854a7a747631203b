package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verdict-relay/relay/internal/identity"
	"verdict-relay/relay/internal/store"
)

const DefaultTTL = time.Hour

var (
	// ErrNotFound: the id was never issued or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrUnauthorized: the session exists but belongs to someone else.
	ErrUnauthorized = errors.New("session not owned by caller")
)

type Session struct {
	ID        string
	OwnerID   identity.UserID
	ExpiresAt time.Time
}

// Registry issues short-lived session ids bound to a user and answers who
// owns a given id. Expiry in the store is the only way a session goes away.
type Registry struct {
	store store.Store
	ttl   time.Duration
	log   *zap.Logger
	newID func() string
	now   func() time.Time
}

func NewRegistry(s store.Store, ttl time.Duration, log *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store: s,
		ttl:   ttl,
		log:   log,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func (r *Registry) Issue(ctx context.Context, owner identity.UserID) (Session, error) {
	sess := Session{
		ID:        r.newID(),
		OwnerID:   owner,
		ExpiresAt: r.now().Add(r.ttl),
	}
	if err := r.store.SetWithTTL(ctx, sess.ID, string(owner), r.ttl); err != nil {
		return Session{}, fmt.Errorf("failed to issue session: %w", err)
	}
	r.log.Debug("session issued", zap.String("client_id", sess.ID), zap.String("owner", string(owner)))
	return sess, nil
}

// ResolveOwner looks up who a session id was issued to. found is false for
// ids that were never issued, have expired, or are not session ids at all.
func (r *Registry) ResolveOwner(ctx context.Context, id string) (identity.UserID, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", false, nil
	}
	owner, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve session owner: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return identity.UserID(owner), true, nil
}

// Authorize checks that caller owns id, returning ErrNotFound or
// ErrUnauthorized otherwise. Store failures pass through.
func (r *Registry) Authorize(ctx context.Context, id string, caller identity.UserID) error {
	owner, found, err := r.ResolveOwner(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if owner != caller {
		return ErrUnauthorized
	}
	return nil
}
