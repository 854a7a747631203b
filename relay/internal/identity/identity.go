// Package identity resolves a caller's bearer credential to a user id by
// delegating to an external identity service.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrUnauthenticated means the credential was missing or rejected.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnavailable means the identity service could not be asked.
	ErrUnavailable = errors.New("identity service unavailable")
)

type UserID string

// Verifier is the single "whoami" call the relay needs.
type Verifier interface {
	WhoAmI(ctx context.Context, credential string) (UserID, error)
}
