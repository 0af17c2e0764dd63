package receiving

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClaims struct {
	active map[uuid.UUID]bool
}

func (s stubClaims) HasActiveClaim(_ context.Context, operatorID uuid.UUID) (bool, error) {
	return s.active[operatorID], nil
}

func newTestArbiter(t *testing.T, claims ClaimChecker) *Arbiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if claims == nil {
		claims = stubClaims{}
	}
	return NewArbiter(rdb, claims, nil)
}

func TestSetReceivingRoundTrip(t *testing.T) {
	a := newTestArbiter(t, nil)
	ctx := context.Background()
	alice := uuid.New()

	on, err := a.SetReceiving(ctx, alice, true)
	require.NoError(t, err)
	assert.True(t, on)

	ops, err := a.ReceivingOperators(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{alice}, ops)

	off, err := a.SetReceiving(ctx, alice, false)
	require.NoError(t, err)
	assert.False(t, off)

	ops, err = a.ReceivingOperators(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSetReceivingRefusedWithActiveClaim(t *testing.T) {
	alice := uuid.New()
	a := newTestArbiter(t, stubClaims{active: map[uuid.UUID]bool{alice: true}})
	ctx := context.Background()

	on, err := a.SetReceiving(ctx, alice, true)
	require.NoError(t, err)
	assert.False(t, on, "enable must be refused while a claim is held")

	is, err := a.IsReceiving(ctx, alice)
	require.NoError(t, err)
	assert.False(t, is)
}

func TestAutoDisableRestoreRoundTrip(t *testing.T) {
	a := newTestArbiter(t, nil)
	ctx := context.Background()
	alice := uuid.New()

	_, err := a.SetReceiving(ctx, alice, true)
	require.NoError(t, err)

	require.NoError(t, a.AutoDisable(ctx, alice, ReasonClaimAcquired))
	is, err := a.IsReceiving(ctx, alice)
	require.NoError(t, err)
	assert.False(t, is)

	// Restore brings back the pre-interruption state.
	require.NoError(t, a.RestoreReceiving(ctx, alice))
	is, err = a.IsReceiving(ctx, alice)
	require.NoError(t, err)
	assert.True(t, is)
}

func TestAutoDisableNeverClobbersDeliberateOff(t *testing.T) {
	a := newTestArbiter(t, nil)
	ctx := context.Background()
	alice := uuid.New()

	// Operator is deliberately off.
	_, err := a.SetReceiving(ctx, alice, false)
	require.NoError(t, err)

	require.NoError(t, a.AutoDisable(ctx, alice, ReasonBlur))

	// Restore must NOT flip them on: the auto-disable found them already
	// off and saved nothing.
	require.NoError(t, a.RestoreReceiving(ctx, alice))
	is, err := a.IsReceiving(ctx, alice)
	require.NoError(t, err)
	assert.False(t, is)
}

func TestAutoDisableIsIdempotent(t *testing.T) {
	a := newTestArbiter(t, nil)
	ctx := context.Background()
	alice := uuid.New()

	_, err := a.SetReceiving(ctx, alice, true)
	require.NoError(t, err)

	require.NoError(t, a.AutoDisable(ctx, alice, ReasonDetailView))
	require.NoError(t, a.AutoDisable(ctx, alice, ReasonBlur))

	// Two signals, one saved state, one restore.
	require.NoError(t, a.RestoreReceiving(ctx, alice))
	is, err := a.IsReceiving(ctx, alice)
	require.NoError(t, err)
	assert.True(t, is)
}

func TestExplicitToggleClearsSavedState(t *testing.T) {
	a := newTestArbiter(t, nil)
	ctx := context.Background()
	alice := uuid.New()

	_, err := a.SetReceiving(ctx, alice, true)
	require.NoError(t, err)
	require.NoError(t, a.AutoDisable(ctx, alice, ReasonDetailView))

	// The operator explicitly turns off while suspended. A later restore
	// must respect the explicit choice.
	_, err = a.SetReceiving(ctx, alice, false)
	require.NoError(t, err)

	require.NoError(t, a.RestoreReceiving(ctx, alice))
	is, err := a.IsReceiving(ctx, alice)
	require.NoError(t, err)
	assert.False(t, is)
}
