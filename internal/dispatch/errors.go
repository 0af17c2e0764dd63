package dispatch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound covers lookups of accounts/events unknown to the store.
	ErrNotFound = errors.New("not found")
)

// ConflictError is returned when a claim loses the race: the account is
// already claimed (by anyone, including the caller) or parked on hold.
// It is an expected business outcome, not a failure.
type ConflictError struct {
	AccountID uuid.UUID
	ClaimedBy uuid.UUID // zero when the conflict is a hold
	Held      bool
}

func (e *ConflictError) Error() string {
	if e.Held {
		return fmt.Sprintf("account %s is on hold", e.AccountID)
	}
	return fmt.Sprintf("account %s already claimed by %s", e.AccountID, e.ClaimedBy)
}

// NotOwnerError means the caller's local state is stale: it tried to act on
// a claim it does not hold.
type NotOwnerError struct {
	AccountID uuid.UUID
	Operator  uuid.UUID
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("operator %s does not hold the claim on account %s", e.Operator, e.AccountID)
}

// InvalidStateError marks an illegal transition, e.g. unholding an account
// that is not held.
type InvalidStateError struct {
	AccountID uuid.UUID
	Op        string
	Reason    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s on account %s: %s", e.Op, e.AccountID, e.Reason)
}

// GateBlockedError carries the eyes-on shortfall so the UI can explain the
// block and offer an override where the role permits one.
type GateBlockedError struct {
	AccountID uuid.UUID
	EventID   uuid.UUID
	Required  int
	Current   int
}

func (e *GateBlockedError) Error() string {
	return fmt.Sprintf("event %s needs %d reviewers, has %d", e.EventID, e.Required, e.Current)
}
