package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-dispatch/internal/data"
)

// Action vocabulary for the dispatch audit trail.
const (
	ActionEventReceived   = "event_received"
	ActionEventClaimed    = "event_claimed"
	ActionClaimReleased   = "claim_released"
	ActionClaimReverted   = "claim_reverted"
	ActionClaimExpired    = "claim_expired"
	ActionEventHeld       = "event_held"
	ActionEventUnheld     = "event_unheld"
	ActionEventEscalated  = "event_escalated"
	ActionAlarmResolved   = "alarm_resolved"
	ActionEventsDismissed = "events_dismissed"
	// A gate override is its own action, distinct from the dismissal it
	// authorizes, so policy exceptions stay visible to review.
	ActionDismissOverride = "dismiss_override"
)

// Entry is one append-only audit record.
type Entry struct {
	ID         uuid.UUID      `json:"id"`
	Action     string         `json:"action"`
	AccountID  uuid.UUID      `json:"account_id,omitempty"`
	EventID    uuid.UUID      `json:"event_id,omitempty"`
	OperatorID uuid.UUID      `json:"operator_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Auditor is the narrow write interface components depend on.
type Auditor interface {
	Write(ctx context.Context, e Entry)
}

// Service persists entries to Postgres. Writes are best-effort: a failed
// audit insert is logged, never allowed to fail the action it describes.
type Service struct {
	DB data.DBTX
}

func NewService(db data.DBTX) *Service {
	return &Service{DB: db}
}

func (s *Service) Write(ctx context.Context, e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details []byte
	if e.Details != nil {
		details, _ = json.Marshal(e.Details)
	}

	query := `
		INSERT INTO dispatch_audit_log (id, action, account_id, event_id, operator_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.DB.ExecContext(ctx, query,
		e.ID, e.Action, nullableID(e.AccountID), nullableID(e.EventID),
		nullableID(e.OperatorID), details, e.CreatedAt,
	)
	if err != nil {
		log.Printf("[Audit] write failed for %s: %v", e.Action, err)
	}
}

func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// Nop discards entries; used in tests.
type Nop struct{}

func (Nop) Write(ctx context.Context, e Entry) {}
