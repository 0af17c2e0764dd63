package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
)

func TestClaimSuspendsReceiving(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{Name: "Acme Warehouse"})
	alice := uuid.New()

	claim, err := rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, alice, claim.Operator)

	assert.Equal(t, []uuid.UUID{alice}, rig.arbiter.disabled)
	assert.Equal(t, []broadcast.Kind{broadcast.KindClaimCreated}, rig.bus.kinds())
}

func TestReleaseRestoresReceivingAndStopsCaptures(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{})
	event := rig.events.add(&data.Event{AccountID: account.ID, EyesOnRequired: 1})
	alice := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)
	require.NoError(t, rig.machine.Release(ctx, account.ID, alice))

	assert.Equal(t, []uuid.UUID{alice}, rig.arbiter.restored)
	assert.Contains(t, rig.captures.stopped, event.ID)
	assert.Equal(t,
		[]broadcast.Kind{broadcast.KindClaimCreated, broadcast.KindClaimReleased},
		rig.bus.kinds())

	// Double release stays silent.
	require.NoError(t, rig.machine.Release(ctx, account.ID, alice))
	assert.Len(t, rig.bus.kinds(), 2)
}

func TestHoldMovesEventsAndFreesOperator(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{})
	event := rig.events.add(&data.Event{AccountID: account.ID})
	alice := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)

	rec, err := rig.machine.Hold(ctx, account.ID, alice, "callback at 3pm")
	require.NoError(t, err)
	assert.Equal(t, "callback at 3pm", rec.Notes)

	got, _ := rig.events.GetByID(ctx, event.ID)
	assert.Equal(t, data.EventOnHold, got.Status)
	assert.Equal(t, []uuid.UUID{alice}, rig.arbiter.restored)

	require.NoError(t, rig.machine.Unhold(ctx, account.ID, alice))
	got, _ = rig.events.GetByID(ctx, event.ID)
	assert.Equal(t, data.EventPending, got.Status)

	state, err := rig.ledger.GetState(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, state.Pending())
}

func TestEscalateOnceOnly(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{})
	event := rig.events.add(&data.Event{AccountID: account.ID})
	alice := uuid.New()

	esc, err := rig.machine.Escalate(ctx, event.ID, alice, "armed person on camera 4")
	require.NoError(t, err)
	assert.Equal(t, account.ID, esc.AccountID)
	assert.Equal(t, alice, esc.Escalation.EscalatedBy)

	got, _ := rig.events.GetByID(ctx, event.ID)
	assert.Equal(t, data.EventEscalated, got.Status)
	assert.Contains(t, rig.captures.stopped, event.ID)

	// Escalating an escalation is refused.
	_, err = rig.machine.Escalate(ctx, event.ID, alice, "again")
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)

	_, err = rig.machine.Escalate(ctx, uuid.New(), alice, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRequiresOwnershipAndKnownReason(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{})
	rig.events.add(&data.Event{AccountID: account.ID})
	alice := uuid.New()
	bob := uuid.New()

	err := rig.machine.Resolve(ctx, account.ID, alice, "operator", "Video Dispatched", false)
	var notOwner *NotOwnerError
	require.ErrorAs(t, err, &notOwner)

	_, err = rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)

	err = rig.machine.Resolve(ctx, account.ID, bob, "operator", "Video Dispatched", false)
	require.ErrorAs(t, err, &notOwner)

	var invalid *InvalidStateError
	err = rig.machine.Resolve(ctx, account.ID, alice, "operator", "Looked Fine", false)
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, rig.machine.Resolve(ctx, account.ID, alice, "operator", "Video Dispatched", false))

	events, _ := rig.events.ListByAccount(ctx, account.ID, data.EventResolved)
	assert.Len(t, events, 1)
	state, _ := rig.ledger.GetState(ctx, account.ID)
	assert.True(t, state.Pending())
}

func TestResolveBlockedByEyesOnGate(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{EyesOnCount: 2})
	event := rig.events.add(&data.Event{AccountID: account.ID, EyesOnRequired: 2})
	alice := uuid.New()
	bob := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)

	require.NoError(t, rig.machine.MarkEventViewed(ctx, event.ID, alice))

	// One reviewer of two: blocked.
	err = rig.machine.Resolve(ctx, account.ID, alice, "operator", "Video False", false)
	var blocked *GateBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 2, blocked.Required)
	assert.Equal(t, 1, blocked.Current)

	// Operators cannot override.
	err = rig.machine.Resolve(ctx, account.ID, alice, "operator", "Video False", true)
	require.ErrorAs(t, err, &blocked)

	// A second distinct reviewer satisfies the gate; repeat views by the
	// first reviewer do not.
	require.NoError(t, rig.machine.MarkEventViewed(ctx, event.ID, alice))
	err = rig.machine.Resolve(ctx, account.ID, alice, "operator", "Video False", false)
	require.ErrorAs(t, err, &blocked)

	require.NoError(t, rig.machine.MarkEventViewed(ctx, event.ID, bob))
	require.NoError(t, rig.machine.Resolve(ctx, account.ID, alice, "operator", "Video False", false))
}

func TestSupervisorOverridesGate(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{EyesOnCount: 3})
	rig.events.add(&data.Event{AccountID: account.ID, EyesOnRequired: 3})
	sup := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, account.ID, sup)
	require.NoError(t, err)

	// Override must be explicit even for a supervisor.
	err = rig.machine.Resolve(ctx, account.ID, sup, "supervisor", "Entry", false)
	var blocked *GateBlockedError
	require.ErrorAs(t, err, &blocked)

	require.NoError(t, rig.machine.Resolve(ctx, account.ID, sup, "supervisor", "Entry", true))
}

func TestDismissAllPolicy(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	noDismiss := rig.accounts.add(&data.Account{AllowDismiss: false})
	rig.events.add(&data.Event{AccountID: noDismiss.ID})
	account := rig.accounts.add(&data.Account{AllowDismiss: true})
	rig.events.add(&data.Event{AccountID: account.ID})
	rig.events.add(&data.Event{AccountID: account.ID})
	alice := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, noDismiss.ID, alice)
	require.NoError(t, err)
	err = rig.machine.DismissAll(ctx, noDismiss.ID, alice, "operator", true, false)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)

	_, err = rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)

	// Unviewed events block dismissal for plain operators.
	err = rig.machine.DismissAll(ctx, account.ID, alice, "operator", false, false)
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, rig.machine.DismissAll(ctx, account.ID, alice, "operator", true, false))
	dismissed, _ := rig.events.ListByAccount(ctx, account.ID, data.EventDismissed)
	assert.Len(t, dismissed, 2)
}
