// Package audit defines the structured events the custody core emits.
//
// Emission is fire-and-forget: losing an event must never block or fail a
// token operation, so the service swallows emitter errors and the async
// emitter drops events rather than apply backpressure.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/okonek/tokenvault/internal/platform/id"
)

// EventType names one auditable custody action.
type EventType string

// Event types emitted by the custody core.
const (
	EventTokenIssued    EventType = "token_issued"
	EventTokenRefreshed EventType = "token_refreshed"
	EventRefreshFailed  EventType = "refresh_failed"
)

// Event is one structured audit record. Detail carries diagnostic context
// (error codes, key ids) and never decrypted token material.
type Event struct {
	ID       string
	Type     EventType
	UserID   string
	Provider string
	At       time.Time
	Detail   map[string]string
}

// Emitter receives custody audit events. Implementations must not retain
// the Detail map past the call.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// NewEventID returns a random event id.
func NewEventID() (string, error) {
	return id.NewID()
}

// LogEmitter writes events to the standard logger. Useful as a default sink
// when no audit pipeline is wired.
type LogEmitter struct{}

// Emit logs one event.
func (LogEmitter) Emit(_ context.Context, event Event) error {
	log.Printf("audit %s user=%s provider=%s id=%s", event.Type, event.UserID, event.Provider, event.ID)
	return nil
}
