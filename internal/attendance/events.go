package attendance

import (
	"context"
	"time"
)

// EventType names a token or entry lifecycle transition.
type EventType string

const (
	EventTokenIssued     EventType = "attendance.token.issued"
	EventTokenSuperseded EventType = "attendance.token.superseded"
	EventTokenResolved   EventType = "attendance.token.resolved"
	EventEntryResolved   EventType = "attendance.entry.resolved"
	EventEntryRecorded   EventType = "attendance.entry.recorded"
)

// Event is published after a committed state change.
type Event struct {
	Type    EventType `json:"type"`
	Token   string    `json:"token,omitempty"`
	Issuer  string    `json:"issuer,omitempty"`
	Subject string    `json:"subject"`
	Action  Action    `json:"action,omitempty"`
	Status  string    `json:"status"`
	EntryID string    `json:"entry_id,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier receives events after commit. Notify must not block for long;
// delivery failures are the notifier's concern.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) { f(ctx, evt) }

// Notifiers fans an event out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, evt Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}
