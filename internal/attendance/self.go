package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qrattend.org/internal/ids"
	"qrattend.org/internal/obs"
)

// SelfCheckIn opens an entry for a lead or manager recording their own
// attendance. The entry is approved by its owner immediately.
func (s *Service) SelfCheckIn(ctx context.Context, user string) (TimeEntry, error) {
	return s.selfRecord(ctx, user, ActionCheckIn)
}

// SelfCheckOut closes the caller's open entry and keeps it approved.
func (s *Service) SelfCheckOut(ctx context.Context, user string) (TimeEntry, error) {
	return s.selfRecord(ctx, user, ActionCheckOut)
}

func (s *Service) selfRecord(ctx context.Context, user string, action Action) (TimeEntry, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return TimeEntry{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if err := s.authz.CanSelfRecord(ctx, user); err != nil {
		return TimeEntry{}, err
	}

	now := s.now().UTC()
	var entry TimeEntry
	err := s.store.Atomically(ctx, func(tx Tx) error {
		open, err := tx.OpenEntries(ctx, user)
		if err != nil {
			return err
		}
		if err := checkPrecondition(user, action, open); err != nil {
			return err
		}
		var id string
		switch action {
		case ActionCheckIn:
			id = ids.NewAt(now)
			if err := tx.InsertEntry(ctx, TimeEntry{ID: id, Subject: user, InTime: now, ApprovalStatus: ApprovalPending}); err != nil {
				return err
			}
		case ActionCheckOut:
			id = open[0].ID
			if err := tx.CloseEntry(ctx, id, now); err != nil {
				return err
			}
		}
		if err := tx.ResolveEntry(ctx, id, ApprovalApproved, user, now, ""); err != nil {
			return err
		}
		entry, err = tx.EntryForUpdate(ctx, id)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return TimeEntry{}, &PreconditionError{Subject: user, Action: action, Reason: "entry changed concurrently"}
	}
	if err != nil {
		return TimeEntry{}, err
	}
	obs.RecordApproval(string(ApprovalApproved))
	s.notify.Notify(ctx, Event{
		Type:    EventEntryRecorded,
		Subject: user,
		Action:  action,
		Status:  string(entry.ApprovalStatus),
		EntryID: entry.ID,
		At:      now,
	})
	return entry, nil
}
