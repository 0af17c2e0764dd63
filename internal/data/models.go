package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("record not found")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Account is the unit of dispatch. Owned by the configuration store;
// the coordinator reads it but never mutates it.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Number       string    `json:"number"`
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`       // lower = more urgent
	AllowDismiss bool      `json:"allow_dismiss"`
	EyesOnCount  int       `json:"eyes_on_count"` // required simultaneous reviewers
	Timezone     string    `json:"timezone"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventStatus values mirror the persisted lifecycle of a raw event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventOnHold    EventStatus = "on_hold"
	EventEscalated EventStatus = "escalated"
	EventResolved  EventStatus = "resolved"
	EventDismissed EventStatus = "dismissed"
)

// MediaType of an event's attached media.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaCall  MediaType = "call"
	MediaAlert MediaType = "alert"
)

// Event is a single unit of review under an account.
type Event struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      uuid.UUID   `json:"account_id"`
	CameraID       uuid.UUID   `json:"camera_id"`
	Timestamp      time.Time   `json:"timestamp"`
	MediaType      MediaType   `json:"media_type"`
	MediaPaths     []string    `json:"media_paths"`
	Status         EventStatus `json:"status"`
	EyesOnUsers    []uuid.UUID `json:"eyes_on_users"`
	EyesOnRequired int         `json:"eyes_on_required"`
}

// EyesOnCurrent is the count of distinct reviewers so far.
func (e *Event) EyesOnCurrent() int { return len(e.EyesOnUsers) }

// Escalation marks a single event as requiring elevated handling.
type Escalation struct {
	ID          uuid.UUID `json:"id"`
	EventID     uuid.UUID `json:"event_id"`
	EscalatedBy uuid.UUID `json:"escalated_by"`
	EscalatedAt time.Time `json:"escalated_at"`
	Notes       string    `json:"notes,omitempty"`
}

// QueueItem is one row of the pending queue: an account with at least one
// pending event, carrying the fields the dispatcher orders by.
type QueueItem struct {
	AccountID     uuid.UUID `json:"account_id"`
	Priority      int       `json:"priority"`
	OldestEventAt time.Time `json:"oldest_event_at"`
	PendingCount  int       `json:"pending_count"`
}

// Operator is the slice of a user record the coordinator needs.
// Authentication and user CRUD live elsewhere.
type Operator struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Role     string    `json:"role"` // operator, supervisor, admin
}

// DashboardItem is one account group on the monitoring dashboard.
type DashboardItem struct {
	Account      Account    `json:"account"`
	State        string     `json:"state"` // pending, claimed, held
	ClaimedBy    *uuid.UUID `json:"claimed_by,omitempty"`
	HeldBy       *uuid.UUID `json:"held_by,omitempty"`
	HoldNotes    string     `json:"hold_notes,omitempty"`
	PendingCount int        `json:"pending_count"`
	Events       []*Event   `json:"events,omitempty"`
}
