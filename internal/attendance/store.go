package attendance

import (
	"context"
	"time"
)

// Store persists tokens and time entries. Implementations must run the
// function passed to Atomically with exclusive access to every record it
// touches, committing only when it returns nil.
type Store interface {
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	Token(ctx context.Context, id string) (Token, error)
	Entries(ctx context.Context, subject string, limit int) ([]TimeEntry, error)
	// PendingEntries lists closed entries awaiting approval for the given subjects.
	PendingEntries(ctx context.Context, subjects []string) ([]TimeEntry, error)
	// ApprovedEntries lists approved closed entries with InTime in [from, to).
	ApprovedEntries(ctx context.Context, subject string, from, to time.Time) ([]TimeEntry, error)
}

// Tx is the mutation surface available inside Store.Atomically.
type Tx interface {
	InsertToken(ctx context.Context, tok Token) error
	// ExpirePending moves every pending token of the pair to expired and
	// returns them in their new state, ordered by id.
	ExpirePending(ctx context.Context, subject string, action Action, at time.Time) ([]Token, error)
	// TokenForUpdate loads a token and locks it until the transaction ends.
	TokenForUpdate(ctx context.Context, id string) (Token, error)
	// ResolveToken moves a pending token to a terminal status. It returns
	// ErrConflict if the token is no longer pending.
	ResolveToken(ctx context.Context, id string, to Status, at time.Time) error

	OpenEntries(ctx context.Context, subject string) ([]TimeEntry, error)
	InsertEntry(ctx context.Context, e TimeEntry) error
	// CloseEntry sets the check-out time and resets approval to pending.
	CloseEntry(ctx context.Context, id string, out time.Time) error
	EntryForUpdate(ctx context.Context, id string) (TimeEntry, error)
	ResolveEntry(ctx context.Context, id string, decision ApprovalStatus, by string, at time.Time, notes string) error
}
