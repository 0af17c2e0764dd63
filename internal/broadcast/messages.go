package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the message type on the realtime channel.
type Kind string

const (
	KindClaimCreated    Kind = "claim_created"
	KindClaimReleased   Kind = "claim_released"
	KindClaimReverted   Kind = "claim_reverted"
	KindHoldPlaced      Kind = "hold_placed"
	KindHoldRemoved     Kind = "hold_removed"
	KindEscalation      Kind = "escalation_created"
	KindEventReceived   Kind = "event_received"
	KindReceivingStatus Kind = "receiving_status_changed"
	KindAccountAssigned Kind = "account_assigned" // targeted to one operator
)

// Message is a typed fan-out notification. Per-account claim-state messages
// carry the ledger's sequence number so clients can drop out-of-order
// duplicates; no ordering is promised across kinds.
type Message struct {
	Kind       Kind           `json:"kind"`
	AccountID  uuid.UUID      `json:"account_id,omitempty"`
	EventID    uuid.UUID      `json:"event_id,omitempty"`
	OperatorID uuid.UUID      `json:"operator_id,omitempty"`
	Seq        uint64         `json:"seq,omitempty"`
	At         time.Time      `json:"at"`
	Payload    map[string]any `json:"payload,omitempty"`

	// Target routes the message to a single operator instead of everyone.
	Target uuid.UUID `json:"target,omitempty"`
}

// Broadcaster is what the coordinator components publish through.
type Broadcaster interface {
	Publish(msg Message)
}
