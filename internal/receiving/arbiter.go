package receiving

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
)

// DisableReason identifies which signal auto-suspended an operator. Each
// signal is idempotent; firing twice changes nothing.
type DisableReason string

const (
	ReasonPageLoad      DisableReason = "page_load"
	ReasonBlur          DisableReason = "blur"
	ReasonClaimAcquired DisableReason = "claim_acquired"
	ReasonDetailView    DisableReason = "detail_view"
)

// ClaimChecker is the single ledger fact the arbiter needs: an operator
// with an active claim must not be receiving.
type ClaimChecker interface {
	HasActiveClaim(ctx context.Context, operatorID uuid.UUID) (bool, error)
}

// Arbiter owns the per-operator receiving flag and its saved-state restore
// mechanism.
//
// Keys:
//
//	recv:state:{operator} -> hash {receiving, saved}
//	recv:active           -> set of receiving operator ids
type Arbiter struct {
	Redis  *redis.Client
	Claims ClaimChecker
	Bus    broadcast.Broadcaster
}

func NewArbiter(r *redis.Client, claims ClaimChecker, bus broadcast.Broadcaster) *Arbiter {
	return &Arbiter{Redis: r, Claims: claims, Bus: bus}
}

func stateKey(op uuid.UUID) string { return "recv:state:" + op.String() }

const activeKey = "recv:active"

// Saved state is written only when the prior state was true, so an
// auto-disable never clobbers a deliberate "off".
var disableScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "receiving")
if cur == "1" then
	redis.call("HSET", KEYS[1], "receiving", "0", "saved", "1")
	redis.call("SREM", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

var restoreScript = redis.NewScript(`
local saved = redis.call("HGET", KEYS[1], "saved")
if not saved then return "noop" end
redis.call("HSET", KEYS[1], "receiving", saved)
redis.call("HDEL", KEYS[1], "saved")
if saved == "1" then redis.call("SADD", KEYS[2], ARGV[1]) end
return saved
`)

// SetReceiving is the operator-initiated toggle. Returns the actual
// resulting state: enabling is refused while the operator holds a claim.
// An explicit toggle also clears any saved state; the operator has spoken.
func (a *Arbiter) SetReceiving(ctx context.Context, operatorID uuid.UUID, desired bool) (bool, error) {
	if desired {
		active, err := a.Claims.HasActiveClaim(ctx, operatorID)
		if err != nil {
			return false, err
		}
		if active {
			return false, nil
		}
	}

	prev, err := a.IsReceiving(ctx, operatorID)
	if err != nil {
		return false, err
	}

	pipe := a.Redis.Pipeline()
	pipe.HSet(ctx, stateKey(operatorID), "receiving", boolField(desired))
	pipe.HDel(ctx, stateKey(operatorID), "saved")
	if desired {
		pipe.SAdd(ctx, activeKey, operatorID.String())
	} else {
		pipe.SRem(ctx, activeKey, operatorID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return prev, err
	}

	if prev != desired {
		a.notify(operatorID, desired)
	}
	return desired, nil
}

// AutoDisable suspends receiving in reaction to one of the four signals,
// remembering the prior state for restoration.
func (a *Arbiter) AutoDisable(ctx context.Context, operatorID uuid.UUID, reason DisableReason) error {
	changed, err := disableScript.Run(ctx, a.Redis,
		[]string{stateKey(operatorID), activeKey}, operatorID.String(),
	).Int()
	if err != nil {
		return fmt.Errorf("auto-disable: %w", err)
	}
	if changed == 1 {
		a.notify(operatorID, false)
	}
	return nil
}

// RestoreReceiving puts the operator back to their pre-interruption state
// once the precipitating condition clears. No-op without a saved state.
func (a *Arbiter) RestoreReceiving(ctx context.Context, operatorID uuid.UUID) error {
	res, err := restoreScript.Run(ctx, a.Redis,
		[]string{stateKey(operatorID), activeKey}, operatorID.String(),
	).Text()
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if res == "1" {
		a.notify(operatorID, true)
	}
	return nil
}

func (a *Arbiter) IsReceiving(ctx context.Context, operatorID uuid.UUID) (bool, error) {
	val, err := a.Redis.HGet(ctx, stateKey(operatorID), "receiving").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// ReceivingOperators lists operators currently eligible for auto-assign.
func (a *Arbiter) ReceivingOperators(ctx context.Context) ([]uuid.UUID, error) {
	members, err := a.Redis.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, perr := uuid.Parse(m)
		if perr != nil {
			a.Redis.SRem(ctx, activeKey, m)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (a *Arbiter) notify(operatorID uuid.UUID, receiving bool) {
	if a.Bus == nil {
		return
	}
	a.Bus.Publish(broadcast.Message{
		Kind:       broadcast.KindReceivingStatus,
		OperatorID: operatorID,
		At:         time.Now().UTC(),
		Payload:    map[string]any{"is_receiving": receiving},
	})
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
