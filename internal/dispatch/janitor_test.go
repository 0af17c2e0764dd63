package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
)

func TestJanitorReleasesExpiredClaims(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{})
	event := rig.events.add(&data.Event{AccountID: account.ID})
	alice := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)

	janitor := NewJanitor(rig.machine, rig.dispatcher(), time.Second)

	// Claim still fresh: sweep leaves it alone.
	janitor.sweep(ctx)
	state, err := rig.ledger.GetState(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, state.Kind)

	// Lapse the TTL. The redis key expires and the expiry index entry
	// outlives it; the sweep reconciles both.
	rig.mr.FastForward(2 * time.Minute)

	janitor.sweep(ctx)

	state, err = rig.ledger.GetState(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, state.Pending())

	assert.Contains(t, rig.captures.stopped, event.ID)

	last := rig.bus.last()
	assert.Equal(t, broadcast.KindClaimReleased, last.Kind)
	assert.Equal(t, true, last.Payload["expired"])
}

func TestJanitorOffersFreedAccountToReceivingOperator(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	account := rig.accounts.add(&data.Account{})
	rig.events.add(&data.Event{AccountID: account.ID})
	alice := uuid.New()
	bob := uuid.New()

	_, err := rig.machine.ClaimAccount(ctx, account.ID, alice)
	require.NoError(t, err)
	rig.accounts.setQueue(&data.QueueItem{AccountID: account.ID, Priority: 1, OldestEventAt: time.Now()})
	rig.arbiter.receiving = []uuid.UUID{bob}

	rig.mr.FastForward(2 * time.Minute)
	NewJanitor(rig.machine, rig.dispatcher(), time.Second).sweep(ctx)

	state, err := rig.ledger.GetState(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, StateClaimed, state.Kind)
	assert.Equal(t, bob, state.Claim.Operator)
}

func TestGateCanOverride(t *testing.T) {
	g := NewGate(newFakeEvents())
	assert.True(t, g.CanOverride("admin"))
	assert.True(t, g.CanOverride("supervisor"))
	assert.False(t, g.CanOverride("operator"))
	assert.False(t, g.CanOverride(""))
}
