package attendance

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("attendance: not found")
	ErrConflict     = errors.New("attendance: concurrent modification")
	ErrInvalidInput = errors.New("attendance: invalid input")
)

// Kind classifies every failure a caller can observe from the token service.
type Kind string

const (
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindTokenNotPending Kind = "token_not_pending"
	KindTokenExpired    Kind = "token_expired"
	KindPrecondition    Kind = "precondition"
)

type kinded interface {
	Kind() Kind
}

// KindOf returns the failure kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return "", false
}

// AuthorizationError means the actor has no rights over the subject.
type AuthorizationError struct {
	Actor   string
	Subject string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s may not act for %s: %s", e.Actor, e.Subject, e.Reason)
	}
	return fmt.Sprintf("%s may not act for %s", e.Actor, e.Subject)
}

func (e *AuthorizationError) Kind() Kind { return KindAuthorization }

// NotFoundError reports an unknown token, entry or user.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TokenNotPendingError is returned when a token was already resolved.
type TokenNotPendingError struct {
	Status Status
}

func (e *TokenNotPendingError) Error() string {
	return fmt.Sprintf("token is not pending (status %s)", e.Status)
}

func (e *TokenNotPendingError) Kind() Kind { return KindTokenNotPending }

// TokenExpiredError is returned when a redemption detects an elapsed TTL.
type TokenExpiredError struct {
	ExpiresAt time.Time
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("token expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *TokenExpiredError) Kind() Kind { return KindTokenExpired }

// PreconditionError means the subject's clock state does not allow the action.
type PreconditionError struct {
	Subject     string
	Action      Action
	OpenEntries int
	Reason      string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s (subject %s, open entries %d)", e.Action, e.Reason, e.Subject, e.OpenEntries)
}

func (e *PreconditionError) Kind() Kind { return KindPrecondition }
