package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// StateKind discriminates AccountState. An account is in exactly one of
// these at any time; claimed-and-held cannot be represented.
type StateKind string

const (
	StatePending StateKind = "pending"
	StateClaimed StateKind = "claimed"
	StateHeld    StateKind = "held"
)

// Claim is exclusive ownership of an account's active review session.
type Claim struct {
	AccountID uuid.UUID `json:"account_id"`
	Operator  uuid.UUID `json:"operator_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"` // refreshed by Touch; janitor releases past it
	Seq       uint64    `json:"seq"`        // per-account claim-state sequence
}

// HoldRecord parks a claimed account out of the active pool without
// resolving it. Queue position is preserved.
type HoldRecord struct {
	AccountID uuid.UUID `json:"account_id"`
	HeldBy    uuid.UUID `json:"held_by"`
	HeldAt    time.Time `json:"held_at"`
	Notes     string    `json:"notes,omitempty"`
}

// AccountState is the tagged dispatch state of one account. Exactly one of
// Claim/Hold is set, matching Kind.
type AccountState struct {
	Kind  StateKind   `json:"kind"`
	Claim *Claim      `json:"claim,omitempty"`
	Hold  *HoldRecord `json:"hold,omitempty"`
}

// Pending reports whether the account is eligible for claim/auto-assign.
func (s AccountState) Pending() bool { return s.Kind == StatePending }
