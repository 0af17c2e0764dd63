package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ledger is the single source of truth for account ownership. Claim
// acquisition is the sole point of contention in the coordinator, so the
// ledger's atomic check-and-set is the only mutex the system needs.
//
// Keys:
//
//	dispatch:claim:{account}  -> operator id (PX = claim TTL)
//	dispatch:hold:{account}   -> HoldRecord JSON
//	dispatch:seq:{account}    -> per-account claim-state sequence counter
//	dispatch:ops:{operator}   -> set of account ids claimed by the operator
//	dispatch:expiry           -> zset of account ids scored by claim expiry
type Ledger struct {
	Redis *redis.Client

	// ClaimTTL is read on every claim and touch, so pointing it at a
	// settings getter makes reloads take effect on the next operation.
	ClaimTTL func() time.Duration
}

const DefaultClaimTTL = 10 * time.Minute

func NewLedger(r *redis.Client, claimTTL time.Duration) *Ledger {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Ledger{Redis: r, ClaimTTL: func() time.Duration { return claimTTL }}
}

func claimKey(account uuid.UUID) string { return "dispatch:claim:" + account.String() }
func holdKey(account uuid.UUID) string  { return "dispatch:hold:" + account.String() }
func seqKey(account uuid.UUID) string   { return "dispatch:seq:" + account.String() }
func opsKey(op uuid.UUID) string        { return "dispatch:ops:" + op.String() }

const expiryKey = "dispatch:expiry"

// First-writer-wins claim. Loses to an existing claim or a hold.
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then return {"claimed", cur} end
if redis.call("EXISTS", KEYS[2]) == 1 then return {"held", ""} end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[3], ARGV[3])
local seq = redis.call("INCR", KEYS[4])
return {"ok", tostring(seq)}
`)

// Owner-checked release. A vanished claim is treated as already released.
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then return {"gone", ""} end
if cur ~= ARGV[1] then return {"notowner", cur} end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
local seq = redis.call("INCR", KEYS[3])
return {"ok", tostring(seq)}
`)

// Claim -> hold in one step so no window exists where the account is
// neither claimed nor held.
var holdScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then return {"noclaim", ""} end
if cur ~= ARGV[1] then return {"notowner", cur} end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
redis.call("SET", KEYS[3], ARGV[3])
local seq = redis.call("INCR", KEYS[4])
return {"ok", tostring(seq)}
`)

var unholdScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return {"nohold", ""} end
redis.call("DEL", KEYS[1])
local seq = redis.call("INCR", KEYS[2])
return {"ok", tostring(seq)}
`)

// Claim records exclusive ownership of the account for the operator.
// Returns ConflictError if anyone (the caller included) already holds the
// claim or the account is parked on hold.
func (l *Ledger) Claim(ctx context.Context, accountID, operatorID uuid.UUID) (*Claim, error) {
	now := time.Now().UTC()
	ttl := l.ClaimTTL()
	res, err := claimScript.Run(ctx, l.Redis,
		[]string{claimKey(accountID), holdKey(accountID), opsKey(operatorID), seqKey(accountID)},
		operatorID.String(), ttl.Milliseconds(), accountID.String(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}

	switch res[0] {
	case "ok":
		seq, _ := strconv.ParseUint(res[1], 10, 64)
		claim := &Claim{
			AccountID: accountID,
			Operator:  operatorID,
			ClaimedAt: now,
			ExpiresAt: now.Add(ttl),
			Seq:       seq,
		}
		l.Redis.ZAdd(ctx, expiryKey, redis.Z{Score: float64(claim.ExpiresAt.Unix()), Member: accountID.String()})
		return claim, nil
	case "claimed":
		owner, _ := uuid.Parse(res[1])
		return nil, &ConflictError{AccountID: accountID, ClaimedBy: owner}
	case "held":
		return nil, &ConflictError{AccountID: accountID, Held: true}
	default:
		return nil, fmt.Errorf("claim script: unexpected verdict %q", res[0])
	}
}

// Release drops the claim. Idempotent for the true owner; rejected with
// NotOwnerError when someone else holds the claim.
func (l *Ledger) Release(ctx context.Context, accountID, operatorID uuid.UUID) (uint64, error) {
	res, err := releaseScript.Run(ctx, l.Redis,
		[]string{claimKey(accountID), opsKey(operatorID), seqKey(accountID)},
		operatorID.String(), accountID.String(),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("release script: %w", err)
	}

	switch res[0] {
	case "ok":
		l.Redis.ZRem(ctx, expiryKey, accountID.String())
		seq, _ := strconv.ParseUint(res[1], 10, 64)
		return seq, nil
	case "gone":
		// Double release by the owner is a no-op.
		return 0, nil
	case "notowner":
		return 0, &NotOwnerError{AccountID: accountID, Operator: operatorID}
	default:
		return 0, fmt.Errorf("release script: unexpected verdict %q", res[0])
	}
}

// RevertToPending is Release for an operator backing out without resolving.
// The ledger mechanics are identical; callers differ in what they broadcast
// and audit, and event view/ordering is untouched either way.
func (l *Ledger) RevertToPending(ctx context.Context, accountID, operatorID uuid.UUID) (uint64, error) {
	return l.Release(ctx, accountID, operatorID)
}

// Hold converts the caller's claim into a hold record atomically.
func (l *Ledger) Hold(ctx context.Context, accountID, operatorID uuid.UUID, notes string) (*HoldRecord, uint64, error) {
	rec := &HoldRecord{
		AccountID: accountID,
		HeldBy:    operatorID,
		HeldAt:    time.Now().UTC(),
		Notes:     notes,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, err
	}

	res, err := holdScript.Run(ctx, l.Redis,
		[]string{claimKey(accountID), opsKey(operatorID), holdKey(accountID), seqKey(accountID)},
		operatorID.String(), accountID.String(), string(payload),
	).StringSlice()
	if err != nil {
		return nil, 0, fmt.Errorf("hold script: %w", err)
	}

	switch res[0] {
	case "ok":
		l.Redis.ZRem(ctx, expiryKey, accountID.String())
		seq, _ := strconv.ParseUint(res[1], 10, 64)
		return rec, seq, nil
	case "noclaim", "notowner":
		return nil, 0, &NotOwnerError{AccountID: accountID, Operator: operatorID}
	default:
		return nil, 0, fmt.Errorf("hold script: unexpected verdict %q", res[0])
	}
}

// Unhold removes the hold record, returning the account to the pending
// pool. Queue position is a pure function of priority+timestamp, so nothing
// else needs to move.
func (l *Ledger) Unhold(ctx context.Context, accountID uuid.UUID) (uint64, error) {
	res, err := unholdScript.Run(ctx, l.Redis,
		[]string{holdKey(accountID), seqKey(accountID)},
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("unhold script: %w", err)
	}

	switch res[0] {
	case "ok":
		seq, _ := strconv.ParseUint(res[1], 10, 64)
		return seq, nil
	case "nohold":
		return 0, &InvalidStateError{AccountID: accountID, Op: "unhold", Reason: "account is not on hold"}
	default:
		return 0, fmt.Errorf("unhold script: unexpected verdict %q", res[0])
	}
}

// Touch refreshes the claim TTL on operator activity.
func (l *Ledger) Touch(ctx context.Context, accountID, operatorID uuid.UUID) error {
	owner, err := l.Redis.Get(ctx, claimKey(accountID)).Result()
	if err == redis.Nil {
		return &NotOwnerError{AccountID: accountID, Operator: operatorID}
	}
	if err != nil {
		return err
	}
	if owner != operatorID.String() {
		return &NotOwnerError{AccountID: accountID, Operator: operatorID}
	}

	ttl := l.ClaimTTL()
	expires := time.Now().UTC().Add(ttl)
	pipe := l.Redis.Pipeline()
	pipe.PExpire(ctx, claimKey(accountID), ttl)
	pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(expires.Unix()), Member: accountID.String()})
	_, err = pipe.Exec(ctx)
	return err
}

// GetState reads the tagged dispatch state of one account.
func (l *Ledger) GetState(ctx context.Context, accountID uuid.UUID) (AccountState, error) {
	owner, err := l.Redis.Get(ctx, claimKey(accountID)).Result()
	if err != nil && err != redis.Nil {
		return AccountState{}, err
	}
	if err == nil {
		opID, perr := uuid.Parse(owner)
		if perr != nil {
			return AccountState{}, fmt.Errorf("corrupt claim value for %s: %w", accountID, perr)
		}
		return AccountState{
			Kind:  StateClaimed,
			Claim: &Claim{AccountID: accountID, Operator: opID},
		}, nil
	}

	raw, err := l.Redis.Get(ctx, holdKey(accountID)).Result()
	if err != nil && err != redis.Nil {
		return AccountState{}, err
	}
	if err == nil {
		var rec HoldRecord
		if uerr := json.Unmarshal([]byte(raw), &rec); uerr != nil {
			return AccountState{}, fmt.Errorf("corrupt hold record for %s: %w", accountID, uerr)
		}
		return AccountState{Kind: StateHeld, Hold: &rec}, nil
	}

	return AccountState{Kind: StatePending}, nil
}

// ClaimsByOperator lists the accounts currently claimed by the operator.
// Members whose claim key has expired are scrubbed on read, same as the
// viewer-session index.
func (l *Ledger) ClaimsByOperator(ctx context.Context, operatorID uuid.UUID) ([]uuid.UUID, error) {
	members, err := l.Redis.SMembers(ctx, opsKey(operatorID)).Result()
	if err != nil {
		return nil, err
	}

	var out []uuid.UUID
	for _, m := range members {
		accountID, perr := uuid.Parse(m)
		if perr != nil {
			l.Redis.SRem(ctx, opsKey(operatorID), m)
			continue
		}
		exists, _ := l.Redis.Exists(ctx, claimKey(accountID)).Result()
		if exists == 0 {
			l.Redis.SRem(ctx, opsKey(operatorID), m)
			continue
		}
		out = append(out, accountID)
	}
	return out, nil
}

// HasActiveClaim reports whether the operator holds any claim.
func (l *Ledger) HasActiveClaim(ctx context.Context, operatorID uuid.UUID) (bool, error) {
	claims, err := l.ClaimsByOperator(ctx, operatorID)
	if err != nil {
		return false, err
	}
	return len(claims) > 0, nil
}

// ExpiredClaims returns accounts whose claim TTL has lapsed without a clean
// release. The janitor finalizes these; the unload beacon that should have
// released them is best-effort and may never have arrived.
func (l *Ledger) ExpiredClaims(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	members, err := l.Redis.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []uuid.UUID
	for _, m := range members {
		id, perr := uuid.Parse(m)
		if perr != nil {
			l.Redis.ZRem(ctx, expiryKey, m)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// ForceRelease drops a claim regardless of owner. Janitor use only.
func (l *Ledger) ForceRelease(ctx context.Context, accountID uuid.UUID) (uuid.UUID, uint64, error) {
	owner, err := l.Redis.Get(ctx, claimKey(accountID)).Result()
	if err == redis.Nil {
		// TTL already reaped the key; just tidy the indices.
		l.Redis.ZRem(ctx, expiryKey, accountID.String())
		seq, serr := l.Redis.Incr(ctx, seqKey(accountID)).Result()
		return uuid.Nil, uint64(seq), serr
	}
	if err != nil {
		return uuid.Nil, 0, err
	}

	opID, _ := uuid.Parse(owner)
	seq, err := l.Release(ctx, accountID, opID)
	return opID, seq, err
}
