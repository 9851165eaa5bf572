// Package notification dispatches member/employer-facing billing events.
// Dispatch is best-effort and fire-and-forget: a failure to construct or send
// a notification is logged and swallowed, and must never roll back or corrupt
// a ledger transaction.
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one outbound notification event.
type Event struct {
	ID                string            `json:"id"`
	UserID            int64             `json:"user_id"`
	UserIDType        string            `json:"user_id_type"`
	UserType          string            `json:"user_type"`
	EventSourceSystem string            `json:"event_source_system"`
	EventName         string            `json:"event_name"`
	EventProperties   map[string]string `json:"event_properties,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Sender delivers events to the downstream notification system.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Dispatcher queues events for asynchronous delivery.
type Dispatcher struct {
	sender Sender
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher over the given sender.
func NewDispatcher(sender Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: logger}
}

// Dispatch sends an event, recovering from panics and logging any failure.
// It never returns an error: notification failure is not a ledger failure.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("event_name", ev.EventName).
				Msg("panic while dispatching notification")
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := d.sender.Send(ctx, ev); err != nil {
		d.logger.Error().
			Err(err).
			Str("event_id", ev.ID).
			Str("event_name", ev.EventName).
			Int64("user_id", ev.UserID).
			Msg("notification dispatch failed")
		return
	}
	d.logger.Debug().
		Str("event_id", ev.ID).
		Str("event_name", ev.EventName).
		Msg("notification dispatched")
}

// ---------------------------------------------------------------------------
// In-memory sender
// ---------------------------------------------------------------------------

// InMemorySender records events for tests and development.
type InMemorySender struct {
	mu     sync.Mutex
	events []Event
	// FailWith, when set, makes every Send return this error.
	FailWith error
	// PanicOnSend, when true, makes Send panic.
	PanicOnSend bool
}

// NewInMemorySender returns an empty InMemorySender.
func NewInMemorySender() *InMemorySender { return &InMemorySender{} }

// Send records the event or fails per configuration.
func (s *InMemorySender) Send(_ context.Context, ev Event) error {
	if s.PanicOnSend {
		panic(fmt.Sprintf("sender exploded on %s", ev.EventName))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of all recorded events.
func (s *InMemorySender) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ---------------------------------------------------------------------------
// Log sender
// ---------------------------------------------------------------------------

// LogSender writes events to the structured log. Used where no downstream
// notification system is configured.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender returns a sender that logs each event.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

// Send logs the event at info level.
func (s *LogSender) Send(_ context.Context, ev Event) error {
	s.logger.Info().
		Str("event_id", ev.ID).
		Str("event_name", ev.EventName).
		Int64("user_id", ev.UserID).
		Str("user_type", ev.UserType).
		Interface("properties", ev.EventProperties).
		Msg("notification event")
	return nil
}
