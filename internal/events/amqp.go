// Package events publishes attendance events to RabbitMQ so downstream
// consumers (payroll exports, notifications) see every committed transition.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/obs"
)

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements attendance.Notifier. Notify only enqueues; a single
// goroutine publishes in order. Events are dropped (and logged) when the
// queue is full so the request path never waits for the broker.
type Publisher struct {
	queue string
	ch    channel
	conn  *amqp.Connection

	events chan attendance.Event
	done   chan struct{}
	once   sync.Once
}

var _ attendance.Notifier = (*Publisher)(nil)

// Dial connects to the broker at url and declares queue as durable.
func Dial(url, queue string, buffer int) (*Publisher, error) {
	if url == "" || queue == "" {
		return nil, errors.New("events: url and queue are required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: channel open: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: queue declare: %w", err)
	}
	p := newPublisher(ch, queue, buffer)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, queue string, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		queue:  queue,
		ch:     ch,
		events: make(chan attendance.Event, buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Notify enqueues evt for publishing.
func (p *Publisher) Notify(_ context.Context, evt attendance.Event) {
	select {
	case p.events <- evt:
	default:
		obs.Warn("event_dropped", map[string]any{
			"type":  string(evt.Type),
			"token": evt.Token,
			"queue": p.queue,
		})
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for evt := range p.events {
		msg, err := buildMessage(evt)
		if err != nil {
			obs.Error("event_marshal_failed", map[string]any{"type": string(evt.Type), "error": err.Error()})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = p.ch.PublishWithContext(ctx,
			"",      // default exchange
			p.queue, // routing key = queue name
			false,   // mandatory
			false,   // immediate
			msg,
		)
		cancel()
		if err != nil {
			obs.Error("event_publish_failed", map[string]any{
				"type":  string(evt.Type),
				"token": evt.Token,
				"error": err.Error(),
			})
		}
	}
}

// Close flushes queued events and closes the broker connection.
// Notify must not be called after Close.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.events)
		<-p.done
		err = p.ch.Close()
		if p.conn != nil {
			if cerr := p.conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func buildMessage(evt attendance.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, err
	}
	id := evt.Token
	if id == "" {
		id = evt.EntryID
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    evt.At.UTC(),
		Type:         string(evt.Type),
		MessageId:    string(evt.Type) + ":" + id + ":" + evt.Status,
		AppId:        "qrattend",
		Body:         body,
	}, nil
}
