package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"qrattend.org/internal/attendance"
)

type published struct {
	key string
	msg amqp.Publishing
}

type fakeChannel struct {
	mu     sync.Mutex
	msgs   []published
	fail   bool
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("channel closed")
	}
	f.msgs = append(f.msgs, published{key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestPublisherDeliversInOrder(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "qrattend.events", 8)
	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	p.Notify(context.Background(), attendance.Event{Type: attendance.EventTokenIssued, Token: "t1", Subject: "w1", Status: "pending", At: at})
	p.Notify(context.Background(), attendance.Event{Type: attendance.EventTokenResolved, Token: "t1", Subject: "w1", Status: "used", EntryID: "e1", At: at})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if !ch.closed {
		t.Fatal("expected channel closed")
	}
	if len(ch.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(ch.msgs))
	}
	first, second := ch.msgs[0], ch.msgs[1]
	if first.key != "qrattend.events" || first.msg.Type != string(attendance.EventTokenIssued) {
		t.Fatalf("unexpected first message: %+v", first)
	}
	if second.msg.DeliveryMode != amqp.Persistent || second.msg.ContentType != "application/json" {
		t.Fatalf("expected persistent json message, got %+v", second.msg)
	}
	var evt attendance.Event
	if err := json.Unmarshal(second.msg.Body, &evt); err != nil {
		t.Fatalf("body: %v", err)
	}
	if evt.Status != "used" || evt.EntryID != "e1" {
		t.Fatalf("unexpected body: %+v", evt)
	}
}

func TestPublisherSurvivesBrokerErrors(t *testing.T) {
	ch := &fakeChannel{fail: true}
	p := newPublisher(ch, "q", 1)
	p.Notify(context.Background(), attendance.Event{Type: attendance.EventTokenIssued, Token: "t1"})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(ch.msgs) != 0 {
		t.Fatalf("nothing should be recorded, got %d", len(ch.msgs))
	}
}

func TestBuildMessageIDs(t *testing.T) {
	msg, err := buildMessage(attendance.Event{Type: attendance.EventEntryResolved, EntryID: "e1", Status: "Approved"})
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}
	if msg.MessageId != "attendance.entry.resolved:e1:Approved" {
		t.Fatalf("unexpected message id %q", msg.MessageId)
	}
}

func TestDialValidatesArguments(t *testing.T) {
	if _, err := Dial("", "q", 0); err == nil {
		t.Fatal("expected error without url")
	}
}
