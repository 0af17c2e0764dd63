package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-dispatch/internal/audit"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
	"github.com/technosupport/ts-dispatch/internal/receiving"
)

// ValidResolutions is the closed set of resolve reason codes.
var ValidResolutions = map[string]bool{
	"Video Dispatched":  true,
	"Video False":       true,
	"Entry":             true,
	"Eyes-On":           true,
	"Dispersed Persons": true,
}

// EventStore is the slice of the event store the state machine mutates.
type EventStore interface {
	EventReader
	GetByID(ctx context.Context, id uuid.UUID) (*data.Event, error)
	SetStatus(ctx context.Context, id uuid.UUID, status data.EventStatus) error
	SetStatusByAccount(ctx context.Context, accountID uuid.UUID, from, to data.EventStatus) (int64, error)
	AddEyesOn(ctx context.Context, eventID, operatorID uuid.UUID) error
	InsertEscalation(ctx context.Context, esc *data.Escalation) error
	EscalationForEvent(ctx context.Context, eventID uuid.UUID) (*data.Escalation, error)
}

// AccountStore reads account policy (allow_dismiss etc).
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*data.Account, error)
}

// CaptureStopper stops any active capture sessions tied to an event.
// Implemented by the live session manager.
type CaptureStopper interface {
	StopForEvent(ctx context.Context, eventID uuid.UUID) error
}

// Restorer suspends and restores an operator's receiving state around a
// claim. Implemented by the receiving arbiter.
type Restorer interface {
	RestoreReceiving(ctx context.Context, operatorID uuid.UUID) error
	AutoDisable(ctx context.Context, operatorID uuid.UUID, reason receiving.DisableReason) error
}

// StateMachine applies the legal transitions around a claim and fans out
// their consequences: event-store updates, capture teardown, receiving
// restoration, audit, broadcast. The ledger stays the only mutex.
type StateMachine struct {
	Ledger   *Ledger
	Events   EventStore
	Accounts AccountStore
	Gate     *Gate
	Captures CaptureStopper
	Arbiter  Restorer
	Bus      broadcast.Broadcaster
	Audit    audit.Auditor
}

// ClaimAccount takes exclusive ownership for the operator and suspends
// their receiving flag (an operator working a claim must not be assigned
// more work).
func (sm *StateMachine) ClaimAccount(ctx context.Context, accountID, operatorID uuid.UUID) (*Claim, error) {
	claim, err := sm.Ledger.Claim(ctx, accountID, operatorID)
	if err != nil {
		return nil, err
	}

	if err := sm.Arbiter.AutoDisable(ctx, operatorID, receiving.ReasonClaimAcquired); err != nil {
		log.Printf("[Dispatch] receiving auto-disable failed for %s: %v", operatorID, err)
	}

	sm.Audit.Write(ctx, audit.Entry{
		Action: audit.ActionEventClaimed, AccountID: accountID, OperatorID: operatorID,
	})
	sm.Bus.Publish(broadcast.Message{
		Kind: broadcast.KindClaimCreated, AccountID: accountID,
		OperatorID: operatorID, Seq: claim.Seq, At: claim.ClaimedAt,
	})
	return claim, nil
}

// Release gives the claim up after completing work out-of-band (e.g. the
// escalate-then-leave flow). Restores the operator's receiving state.
func (sm *StateMachine) Release(ctx context.Context, accountID, operatorID uuid.UUID) error {
	return sm.release(ctx, accountID, operatorID, broadcast.KindClaimReleased, audit.ActionClaimReleased)
}

// RevertToPending is a release used when the operator backs out without
// resolving; event view/ordering is untouched.
func (sm *StateMachine) RevertToPending(ctx context.Context, accountID, operatorID uuid.UUID) error {
	return sm.release(ctx, accountID, operatorID, broadcast.KindClaimReverted, audit.ActionClaimReverted)
}

func (sm *StateMachine) release(ctx context.Context, accountID, operatorID uuid.UUID, kind broadcast.Kind, action string) error {
	sm.stopAccountCaptures(ctx, accountID)

	seq, err := sm.Ledger.Release(ctx, accountID, operatorID)
	if err != nil {
		return err
	}
	if seq == 0 {
		// Idempotent double release; nothing changed, nothing to announce.
		return nil
	}

	if err := sm.Arbiter.RestoreReceiving(ctx, operatorID); err != nil {
		log.Printf("[Dispatch] receiving restore failed for %s: %v", operatorID, err)
	}

	sm.Audit.Write(ctx, audit.Entry{Action: action, AccountID: accountID, OperatorID: operatorID})
	sm.Bus.Publish(broadcast.Message{
		Kind: kind, AccountID: accountID, OperatorID: operatorID,
		Seq: seq, At: time.Now().UTC(),
	})
	return nil
}

// Hold parks the claimed account out of the active pool. The claim is
// consumed by the hold atomically; queue position is preserved for unhold.
func (sm *StateMachine) Hold(ctx context.Context, accountID, operatorID uuid.UUID, notes string) (*HoldRecord, error) {
	sm.stopAccountCaptures(ctx, accountID)

	rec, seq, err := sm.Ledger.Hold(ctx, accountID, operatorID, notes)
	if err != nil {
		return nil, err
	}

	if _, err := sm.Events.SetStatusByAccount(ctx, accountID, data.EventPending, data.EventOnHold); err != nil {
		log.Printf("[Dispatch] hold status write failed for %s: %v", accountID, err)
	}

	if err := sm.Arbiter.RestoreReceiving(ctx, operatorID); err != nil {
		log.Printf("[Dispatch] receiving restore failed for %s: %v", operatorID, err)
	}

	sm.Audit.Write(ctx, audit.Entry{
		Action: audit.ActionEventHeld, AccountID: accountID, OperatorID: operatorID,
		Details: map[string]any{"notes": notes},
	})
	sm.Bus.Publish(broadcast.Message{
		Kind: broadcast.KindHoldPlaced, AccountID: accountID, OperatorID: operatorID,
		Seq: seq, At: rec.HeldAt, Payload: map[string]any{"notes": notes},
	})
	return rec, nil
}

// Unhold returns a held account to the pending pool at its original
// priority/arrival position.
func (sm *StateMachine) Unhold(ctx context.Context, accountID, operatorID uuid.UUID) error {
	seq, err := sm.Ledger.Unhold(ctx, accountID)
	if err != nil {
		return err
	}

	if _, err := sm.Events.SetStatusByAccount(ctx, accountID, data.EventOnHold, data.EventPending); err != nil {
		log.Printf("[Dispatch] unhold status write failed for %s: %v", accountID, err)
	}

	sm.Audit.Write(ctx, audit.Entry{Action: audit.ActionEventUnheld, AccountID: accountID, OperatorID: operatorID})
	sm.Bus.Publish(broadcast.Message{
		Kind: broadcast.KindHoldRemoved, AccountID: accountID, OperatorID: operatorID,
		Seq: seq, At: time.Now().UTC(),
	})
	return nil
}

// Escalate marks a single event as requiring elevated handling. The account
// claim is left alone; callers compose Escalate with Release when the
// operator navigates away.
func (sm *StateMachine) Escalate(ctx context.Context, eventID, operatorID uuid.UUID, notes string) (*Escalated, error) {
	event, err := sm.Events.GetByID(ctx, eventID)
	if err != nil {
		if err == data.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		return nil, err
	}

	if event.Status == data.EventEscalated {
		return nil, &InvalidStateError{AccountID: event.AccountID, Op: "escalate", Reason: "event already escalated"}
	}
	if _, err := sm.Events.EscalationForEvent(ctx, eventID); err == nil {
		// An escalation already spawned from this event; no loops.
		return nil, &InvalidStateError{AccountID: event.AccountID, Op: "escalate", Reason: "event already escalated"}
	} else if err != data.ErrRecordNotFound {
		return nil, err
	}

	if err := sm.Captures.StopForEvent(ctx, eventID); err != nil {
		log.Printf("[Dispatch] capture stop failed for event %s: %v", eventID, err)
	}

	esc := &data.Escalation{
		EventID:     eventID,
		EscalatedBy: operatorID,
		EscalatedAt: time.Now().UTC(),
		Notes:       notes,
	}
	if err := sm.Events.InsertEscalation(ctx, esc); err != nil {
		return nil, err
	}
	if err := sm.Events.SetStatus(ctx, eventID, data.EventEscalated); err != nil {
		return nil, err
	}

	sm.Audit.Write(ctx, audit.Entry{
		Action: audit.ActionEventEscalated, AccountID: event.AccountID,
		EventID: eventID, OperatorID: operatorID,
		Details: map[string]any{"notes": notes},
	})
	sm.Bus.Publish(broadcast.Message{
		Kind: broadcast.KindEscalation, AccountID: event.AccountID,
		EventID: eventID, OperatorID: operatorID, At: esc.EscalatedAt,
	})
	return &Escalated{Escalation: esc, AccountID: event.AccountID}, nil
}

// Escalated is the result of an Escalate transition.
type Escalated struct {
	Escalation *data.Escalation
	AccountID  uuid.UUID
}

// Resolve closes out the account's active event set with a reason code,
// subject to the eyes-on gate. On success the claim is released and the
// operator's receiving state restored.
func (sm *StateMachine) Resolve(ctx context.Context, accountID, operatorID uuid.UUID, role, reason string, override bool) error {
	if !ValidResolutions[reason] {
		return &InvalidStateError{AccountID: accountID, Op: "resolve", Reason: fmt.Sprintf("unknown resolution %q", reason)}
	}
	if err := sm.requireOwner(ctx, accountID, operatorID); err != nil {
		return err
	}
	if err := sm.checkGate(ctx, accountID, operatorID, role, override); err != nil {
		return err
	}

	sm.stopAccountCaptures(ctx, accountID)

	if _, err := sm.Events.SetStatusByAccount(ctx, accountID, data.EventPending, data.EventResolved); err != nil {
		return fmt.Errorf("resolve status write: %w", err)
	}

	seq, err := sm.Ledger.Release(ctx, accountID, operatorID)
	if err != nil {
		return err
	}

	if err := sm.Arbiter.RestoreReceiving(ctx, operatorID); err != nil {
		log.Printf("[Dispatch] receiving restore failed for %s: %v", operatorID, err)
	}

	sm.Audit.Write(ctx, audit.Entry{
		Action: audit.ActionAlarmResolved, AccountID: accountID, OperatorID: operatorID,
		Details: map[string]any{"resolution": reason, "override": override},
	})
	sm.Bus.Publish(broadcast.Message{
		Kind: broadcast.KindClaimReleased, AccountID: accountID, OperatorID: operatorID,
		Seq: seq, At: time.Now().UTC(),
		Payload: map[string]any{"resolution": reason},
	})
	return nil
}

// DismissAll bulk-dismisses every event under the active claim. Requires
// the caller to have viewed all of them, unless an elevated role explicitly
// overrides; the eyes-on gate applies the same way.
func (sm *StateMachine) DismissAll(ctx context.Context, accountID, operatorID uuid.UUID, role string, allViewed, override bool) error {
	account, err := sm.Accounts.GetByID(ctx, accountID)
	if err != nil {
		if err == data.ErrRecordNotFound {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		return err
	}
	if !account.AllowDismiss {
		return &InvalidStateError{AccountID: accountID, Op: "dismiss", Reason: "account does not allow dismissal"}
	}
	if err := sm.requireOwner(ctx, accountID, operatorID); err != nil {
		return err
	}
	if !allViewed && !(override && sm.Gate.CanOverride(role)) {
		return &InvalidStateError{AccountID: accountID, Op: "dismiss", Reason: "not all events have been viewed"}
	}
	if err := sm.checkGate(ctx, accountID, operatorID, role, override); err != nil {
		return err
	}

	sm.stopAccountCaptures(ctx, accountID)

	dismissed, err := sm.Events.SetStatusByAccount(ctx, accountID, data.EventPending, data.EventDismissed)
	if err != nil {
		return fmt.Errorf("dismiss status write: %w", err)
	}

	seq, err := sm.Ledger.Release(ctx, accountID, operatorID)
	if err != nil {
		return err
	}

	if err := sm.Arbiter.RestoreReceiving(ctx, operatorID); err != nil {
		log.Printf("[Dispatch] receiving restore failed for %s: %v", operatorID, err)
	}

	sm.Audit.Write(ctx, audit.Entry{
		Action: audit.ActionEventsDismissed, AccountID: accountID, OperatorID: operatorID,
		Details: map[string]any{"count": dismissed, "override": override},
	})
	sm.Bus.Publish(broadcast.Message{
		Kind: broadcast.KindClaimReleased, AccountID: accountID, OperatorID: operatorID,
		Seq: seq, At: time.Now().UTC(),
		Payload: map[string]any{"dismissed": dismissed},
	})
	return nil
}

// MarkEventViewed records a distinct reviewer for the eyes-on counter.
func (sm *StateMachine) MarkEventViewed(ctx context.Context, eventID, operatorID uuid.UUID) error {
	if err := sm.Events.AddEyesOn(ctx, eventID, operatorID); err != nil {
		if err == data.ErrRecordNotFound {
			return fmt.Errorf("%w: event %s", ErrNotFound, eventID)
		}
		return err
	}
	return nil
}

func (sm *StateMachine) requireOwner(ctx context.Context, accountID, operatorID uuid.UUID) error {
	state, err := sm.Ledger.GetState(ctx, accountID)
	if err != nil {
		return err
	}
	if state.Kind != StateClaimed || state.Claim.Operator != operatorID {
		return &NotOwnerError{AccountID: accountID, Operator: operatorID}
	}
	return nil
}

// checkGate applies the eyes-on gate, honoring an elevated-role override.
// An override that actually bypasses a block is audited as its own action.
func (sm *StateMachine) checkGate(ctx context.Context, accountID, operatorID uuid.UUID, role string, override bool) error {
	err := sm.Gate.CheckResolve(ctx, accountID)
	if err == nil {
		return nil
	}
	blocked, ok := err.(*GateBlockedError)
	if !ok {
		return err
	}
	if override && sm.Gate.CanOverride(role) {
		sm.Audit.Write(ctx, audit.Entry{
			Action: audit.ActionDismissOverride, AccountID: accountID,
			EventID: blocked.EventID, OperatorID: operatorID,
			Details: map[string]any{"required": blocked.Required, "current": blocked.Current, "role": role},
		})
		return nil
	}
	return blocked
}

// stopAccountCaptures tears down captures for every event still open under
// the account. Failures are logged; capture teardown must never block a
// claim transition.
func (sm *StateMachine) stopAccountCaptures(ctx context.Context, accountID uuid.UUID) {
	events, err := sm.Events.ListByAccount(ctx, accountID, data.EventPending)
	if err != nil {
		log.Printf("[Dispatch] listing events for capture stop failed: %v", err)
		return
	}
	for _, e := range events {
		if err := sm.Captures.StopForEvent(ctx, e.ID); err != nil {
			log.Printf("[Dispatch] capture stop failed for event %s: %v", e.ID, err)
		}
	}
}
