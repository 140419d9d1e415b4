package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Atomically
// holds a single store-wide lock and rolls back through an undo log.
type InMemory struct {
	mu      sync.RWMutex
	tokens  map[string]*Token
	entries map[string]*TimeEntry
	order   []string // entry ids in insertion order
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		tokens:  make(map[string]*Token),
		entries: make(map[string]*TimeEntry),
	}
}

func (s *InMemory) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *InMemory) Token(ctx context.Context, id string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return copyToken(*tok), nil
}

func (s *InMemory) Entries(ctx context.Context, subject string, limit int) ([]TimeEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []TimeEntry
	for _, e := range s.entries {
		if e.Subject == subject {
			res = append(res, copyEntry(*e))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].InTime.After(res[j].InTime) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) PendingEntries(ctx context.Context, subjects []string) ([]TimeEntry, error) {
	want := make(map[string]struct{}, len(subjects))
	for _, sub := range subjects {
		want[sub] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []TimeEntry
	for _, e := range s.entries {
		if _, ok := want[e.Subject]; !ok {
			continue
		}
		if e.Open() || e.ApprovalStatus != ApprovalPending {
			continue
		}
		res = append(res, copyEntry(*e))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].InTime.After(res[j].InTime) })
	return res, nil
}

func (s *InMemory) ApprovedEntries(ctx context.Context, subject string, from, to time.Time) ([]TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []TimeEntry
	for _, e := range s.entries {
		if e.Subject != subject || e.Open() || e.ApprovalStatus != ApprovalApproved {
			continue
		}
		if e.InTime.Before(from) || !e.InTime.Before(to) {
			continue
		}
		res = append(res, copyEntry(*e))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].InTime.Before(res[j].InTime) })
	return res, nil
}

type memTx struct {
	s    *InMemory
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) InsertToken(ctx context.Context, tok Token) error {
	if _, exists := tx.s.tokens[tok.ID]; exists {
		return ErrConflict
	}
	t := copyToken(tok)
	tx.s.tokens[tok.ID] = &t
	tx.undo = append(tx.undo, func() { delete(tx.s.tokens, tok.ID) })
	return nil
}

func (tx *memTx) ExpirePending(ctx context.Context, subject string, action Action, at time.Time) ([]Token, error) {
	var expired []Token
	for id, tok := range tx.s.tokens {
		if tok.Subject != subject || tok.Action != action || tok.Status != StatusPending {
			continue
		}
		if err := tx.ResolveToken(ctx, id, StatusExpired, at); err != nil {
			return nil, err
		}
		expired = append(expired, copyToken(*tx.s.tokens[id]))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (tx *memTx) TokenForUpdate(ctx context.Context, id string) (Token, error) {
	tok, ok := tx.s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return copyToken(*tok), nil
}

func (tx *memTx) ResolveToken(ctx context.Context, id string, to Status, at time.Time) error {
	tok, ok := tx.s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if tok.Status != StatusPending {
		return ErrConflict
	}
	prev := copyToken(*tok)
	resolved := at
	tok.Status = to
	tok.ResolvedAt = &resolved
	tx.undo = append(tx.undo, func() { *tx.s.tokens[id] = prev })
	return nil
}

func (tx *memTx) OpenEntries(ctx context.Context, subject string) ([]TimeEntry, error) {
	var res []TimeEntry
	for _, id := range tx.s.order {
		e := tx.s.entries[id]
		if e.Subject == subject && e.Open() {
			res = append(res, copyEntry(*e))
		}
	}
	return res, nil
}

func (tx *memTx) InsertEntry(ctx context.Context, e TimeEntry) error {
	if _, exists := tx.s.entries[e.ID]; exists {
		return ErrConflict
	}
	c := copyEntry(e)
	tx.s.entries[e.ID] = &c
	tx.s.order = append(tx.s.order, e.ID)
	tx.undo = append(tx.undo, func() {
		delete(tx.s.entries, e.ID)
		tx.s.order = tx.s.order[:len(tx.s.order)-1]
	})
	return nil
}

func (tx *memTx) CloseEntry(ctx context.Context, id string, out time.Time) error {
	e, ok := tx.s.entries[id]
	if !ok {
		return ErrNotFound
	}
	prev := copyEntry(*e)
	closed := out
	e.OutTime = &closed
	e.ApprovalStatus = ApprovalPending
	tx.undo = append(tx.undo, func() { *tx.s.entries[id] = prev })
	return nil
}

func (tx *memTx) EntryForUpdate(ctx context.Context, id string) (TimeEntry, error) {
	e, ok := tx.s.entries[id]
	if !ok {
		return TimeEntry{}, ErrNotFound
	}
	return copyEntry(*e), nil
}

func (tx *memTx) ResolveEntry(ctx context.Context, id string, decision ApprovalStatus, by string, at time.Time, notes string) error {
	e, ok := tx.s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.ApprovalStatus != ApprovalPending {
		return ErrConflict
	}
	prev := copyEntry(*e)
	approvedAt := at
	e.ApprovalStatus = decision
	e.ApprovedBy = by
	e.ApprovedAt = &approvedAt
	e.Notes = notes
	tx.undo = append(tx.undo, func() { *tx.s.entries[id] = prev })
	return nil
}

func copyToken(t Token) Token {
	if t.ResolvedAt != nil {
		r := *t.ResolvedAt
		t.ResolvedAt = &r
	}
	return t
}

func copyEntry(e TimeEntry) TimeEntry {
	if e.OutTime != nil {
		o := *e.OutTime
		e.OutTime = &o
	}
	if e.ApprovedAt != nil {
		a := *e.ApprovedAt
		e.ApprovedAt = &a
	}
	return e
}
