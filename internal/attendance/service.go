package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qrattend.org/internal/ids"
	"qrattend.org/internal/obs"
)

const issueAttempts = 3

// Authorizer answers hierarchy questions. It is backed by the user directory.
type Authorizer interface {
	// CanIssue returns an *AuthorizationError or *NotFoundError when issuer
	// may not create tokens for subject.
	CanIssue(ctx context.Context, issuer, subject string) error
	// CanApprove reports whether approver may view and resolve subject's entries.
	CanApprove(ctx context.Context, approver, subject string) error
	// Subordinates lists the members whose entries approver may resolve.
	Subordinates(ctx context.Context, approver string) ([]string, error)
	// CanSelfRecord reports whether user may check in and out without a token.
	CanSelfRecord(ctx context.Context, user string) error
}

// Service implements the token lifecycle and the approval sub-flow.
type Service struct {
	store  Store
	authz  Authorizer
	notify Notifier
	now    func() time.Time
	newID  func() (string, error)
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithNotifier installs the post-commit event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notify = n
		}
	}
}

// WithTokenGenerator overrides token id generation.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService wires a Service.
func NewService(store Store, authz Authorizer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("attendance: store is required")
	}
	if authz == nil {
		return nil, errors.New("attendance: authorizer is required")
	}
	s := &Service{
		store:  store,
		authz:  authz,
		notify: nopNotifier{},
		now:    time.Now,
		newID:  NewTokenID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates a pending token for (subject, action) after expiring any
// pending token for the same pair.
func (s *Service) Issue(ctx context.Context, issuer, subject string, action Action) (Issued, error) {
	issuer = strings.TrimSpace(issuer)
	subject = strings.TrimSpace(subject)
	if issuer == "" || subject == "" {
		return Issued{}, fmt.Errorf("%w: issuer and subject are required", ErrInvalidInput)
	}
	if action != ActionCheckIn && action != ActionCheckOut {
		return Issued{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	if err := s.authz.CanIssue(ctx, issuer, subject); err != nil {
		return Issued{}, err
	}

	var (
		out        Issued
		superseded []Token
		err        error
	)
	for attempt := 0; attempt < issueAttempts; attempt++ {
		out, superseded, err = s.issueOnce(ctx, issuer, subject, action)
		if !errors.Is(err, ErrConflict) {
			break
		}
	}
	if err != nil {
		return Issued{}, err
	}

	obs.RecordTokenIssued(string(action), len(superseded))
	for _, old := range superseded {
		s.notify.Notify(ctx, Event{
			Type:    EventTokenSuperseded,
			Token:   old.ID,
			Issuer:  old.Issuer,
			Subject: subject,
			Action:  action,
			Status:  string(StatusExpired),
			At:      out.Token.CreatedAt,
		})
	}
	s.notify.Notify(ctx, Event{
		Type:    EventTokenIssued,
		Token:   out.Token.ID,
		Issuer:  issuer,
		Subject: subject,
		Action:  action,
		Status:  string(StatusPending),
		At:      out.Token.CreatedAt,
	})
	return out, nil
}

func (s *Service) issueOnce(ctx context.Context, issuer, subject string, action Action) (Issued, []Token, error) {
	id, err := s.newID()
	if err != nil {
		return Issued{}, nil, err
	}
	now := s.now().UTC()
	tok := Token{
		ID:        id,
		Issuer:    issuer,
		Subject:   subject,
		Action:    action,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(TokenTTL),
	}
	var superseded []Token
	err = s.store.Atomically(ctx, func(tx Tx) error {
		expired, err := tx.ExpirePending(ctx, subject, action, now)
		if err != nil {
			return err
		}
		superseded = expired
		return tx.InsertToken(ctx, tok)
	})
	if err != nil {
		return Issued{}, nil, err
	}
	out := Issued{Token: tok}
	for _, old := range superseded {
		out.Superseded = append(out.Superseded, old.ID)
	}
	return out, superseded, nil
}

// Redeem consumes a pending token and applies its time entry side effect.
// Failures that resolve the token (expiry, precondition) are committed
// before the error is returned.
func (s *Service) Redeem(ctx context.Context, id string, rc RedeemContext) (Redemption, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Redemption{}, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	if !ValidTokenID(id) {
		obs.RecordRedemption("not_found")
		return Redemption{}, &NotFoundError{Resource: "token", ID: id}
	}

	var (
		outcome error
		result  Redemption
		tok     Token
	)
	now := s.now().UTC()
	err := s.store.Atomically(ctx, func(tx Tx) error {
		outcome = nil
		var err error
		tok, err = tx.TokenForUpdate(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Resource: "token", ID: id}
		}
		if err != nil {
			return err
		}
		if member := strings.TrimSpace(rc.Member); member != "" && member != tok.Subject {
			return &AuthorizationError{Actor: member, Subject: tok.Subject, Reason: "token was issued for another member"}
		}
		if tok.TimedOut() {
			return &TokenExpiredError{ExpiresAt: tok.ExpiresAt}
		}
		if tok.Status != StatusPending {
			return &TokenNotPendingError{Status: tok.Status}
		}
		if tok.ExpiredAt(now) {
			if err := tx.ResolveToken(ctx, id, StatusExpired, now); err != nil {
				return err
			}
			tok.Status = StatusExpired
			outcome = &TokenExpiredError{ExpiresAt: tok.ExpiresAt}
			return nil
		}

		open, err := tx.OpenEntries(ctx, tok.Subject)
		if err != nil {
			return err
		}
		if perr := checkPrecondition(tok.Subject, tok.Action, open); perr != nil {
			if err := tx.ResolveToken(ctx, id, StatusFailed, now); err != nil {
				return err
			}
			tok.Status = StatusFailed
			outcome = perr
			return nil
		}

		if err := tx.ResolveToken(ctx, id, StatusUsed, now); err != nil {
			return err
		}
		tok.Status = StatusUsed
		entryID, err := applyAction(ctx, tx, tok, open, now)
		if err != nil {
			return err
		}
		result = Redemption{
			Token:      tok.ID,
			Action:     tok.Action,
			Subject:    tok.Subject,
			Issuer:     tok.Issuer,
			EntryID:    entryID,
			ResolvedAt: now,
		}
		return nil
	})
	if err != nil {
		obs.RecordRedemption(outcomeLabel(err))
		return Redemption{}, err
	}
	if outcome != nil {
		obs.RecordRedemption(outcomeLabel(outcome))
		s.notifyResolved(ctx, tok, "", now)
		return Redemption{}, outcome
	}
	obs.RecordRedemption("used")
	s.notifyResolved(ctx, tok, result.EntryID, now)
	return result, nil
}

func checkPrecondition(subject string, action Action, open []TimeEntry) error {
	switch action {
	case ActionCheckIn:
		if len(open) != 0 {
			return &PreconditionError{Subject: subject, Action: action, OpenEntries: len(open), Reason: "member already has an open time entry"}
		}
	case ActionCheckOut:
		if len(open) == 0 {
			return &PreconditionError{Subject: subject, Action: action, Reason: "no open time entry found"}
		}
		if len(open) > 1 {
			return &PreconditionError{Subject: subject, Action: action, OpenEntries: len(open), Reason: "more than one open time entry"}
		}
	}
	return nil
}

func applyAction(ctx context.Context, tx Tx, tok Token, open []TimeEntry, now time.Time) (string, error) {
	switch tok.Action {
	case ActionCheckIn:
		entry := TimeEntry{
			ID:             ids.NewAt(now),
			Subject:        tok.Subject,
			InTime:         now,
			ApprovalStatus: ApprovalPending,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return "", err
		}
		return entry.ID, nil
	case ActionCheckOut:
		if err := tx.CloseEntry(ctx, open[0].ID, now); err != nil {
			return "", err
		}
		return open[0].ID, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, tok.Action)
}

func (s *Service) notifyResolved(ctx context.Context, tok Token, entryID string, at time.Time) {
	s.notify.Notify(ctx, Event{
		Type:    EventTokenResolved,
		Token:   tok.ID,
		Issuer:  tok.Issuer,
		Subject: tok.Subject,
		Action:  tok.Action,
		Status:  string(tok.Status),
		EntryID: entryID,
		At:      at,
	})
}

// Status reads a token, expiring it first if its TTL has elapsed.
func (s *Service) Status(ctx context.Context, id string) (Token, error) {
	id = strings.TrimSpace(id)
	if !ValidTokenID(id) {
		return Token{}, &NotFoundError{Resource: "token", ID: id}
	}
	tok, err := s.store.Token(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Token{}, &NotFoundError{Resource: "token", ID: id}
	}
	if err != nil {
		return Token{}, err
	}
	now := s.now().UTC()
	if tok.Status != StatusPending || !tok.ExpiredAt(now) {
		return tok, nil
	}

	expired := false
	err = s.store.Atomically(ctx, func(tx Tx) error {
		expired = false
		cur, err := tx.TokenForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusPending && cur.ExpiredAt(now) {
			if err := tx.ResolveToken(ctx, id, StatusExpired, now); err != nil {
				return err
			}
			resolved := now
			cur.Status = StatusExpired
			cur.ResolvedAt = &resolved
			expired = true
		}
		tok = cur
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	if expired {
		s.notifyResolved(ctx, tok, "", now)
	}
	return tok, nil
}

// StatusAs is Status restricted to the issuer or anyone allowed to issue
// for the token's subject.
func (s *Service) StatusAs(ctx context.Context, viewer, id string) (Token, error) {
	tok, err := s.Status(ctx, id)
	if err != nil {
		return Token{}, err
	}
	if viewer == tok.Issuer {
		return tok, nil
	}
	if err := s.authz.CanIssue(ctx, viewer, tok.Subject); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Now exposes the service clock so transports report consistent TTLs.
func (s *Service) Now() time.Time { return s.now().UTC() }

// PendingApprovals lists closed entries awaiting approver's decision.
func (s *Service) PendingApprovals(ctx context.Context, approver string) ([]TimeEntry, error) {
	subjects, err := s.authz.Subordinates(ctx, approver)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return []TimeEntry{}, nil
	}
	entries, err := s.store.PendingEntries(ctx, subjects)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []TimeEntry{}
	}
	return entries, nil
}

// ResolveApproval moves a pending, closed entry to Approved or Rejected.
func (s *Service) ResolveApproval(ctx context.Context, approver, entryID string, decision ApprovalStatus, notes string) (TimeEntry, error) {
	if decision != ApprovalApproved && decision != ApprovalRejected {
		return TimeEntry{}, fmt.Errorf("%w: decision must be Approved or Rejected", ErrInvalidInput)
	}
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return TimeEntry{}, fmt.Errorf("%w: entry id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	var entry TimeEntry
	err := s.store.Atomically(ctx, func(tx Tx) error {
		e, err := tx.EntryForUpdate(ctx, entryID)
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Resource: "entry", ID: entryID}
		}
		if err != nil {
			return err
		}
		if err := s.authz.CanApprove(ctx, approver, e.Subject); err != nil {
			return err
		}
		if e.Open() {
			return &PreconditionError{Subject: e.Subject, Action: ActionCheckOut, OpenEntries: 1, Reason: "entry has not been checked out"}
		}
		if e.ApprovalStatus != ApprovalPending {
			return &PreconditionError{Subject: e.Subject, Reason: "entry already " + strings.ToLower(string(e.ApprovalStatus))}
		}
		if err := tx.ResolveEntry(ctx, entryID, decision, approver, now, strings.TrimSpace(notes)); err != nil {
			return err
		}
		entry, err = tx.EntryForUpdate(ctx, entryID)
		return err
	})
	if err != nil {
		return TimeEntry{}, err
	}
	obs.RecordApproval(string(decision))
	s.notify.Notify(ctx, Event{
		Type:    EventEntryResolved,
		Subject: entry.Subject,
		Status:  string(entry.ApprovalStatus),
		EntryID: entry.ID,
		At:      now,
	})
	return entry, nil
}

// Entries lists a subject's entries, newest first. Viewers may read their
// own entries or those of their subordinates.
func (s *Service) Entries(ctx context.Context, viewer, subject string, limit int) ([]TimeEntry, error) {
	if viewer != subject {
		if err := s.authz.CanApprove(ctx, viewer, subject); err != nil {
			return nil, err
		}
	}
	entries, err := s.store.Entries(ctx, subject, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []TimeEntry{}
	}
	return entries, nil
}

func outcomeLabel(err error) string {
	kind, ok := KindOf(err)
	if !ok {
		return "error"
	}
	switch kind {
	case KindTokenExpired:
		return "expired"
	case KindPrecondition:
		return "failed"
	}
	return string(kind)
}
