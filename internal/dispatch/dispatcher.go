package dispatch

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
)

// QueueReader provides the deterministic pending order: priority ascending,
// ties broken by oldest pending event, recomputed on every read.
type QueueReader interface {
	ListQueue(ctx context.Context) ([]*data.QueueItem, error)
}

// OperatorSource lists operators currently eligible for auto-assignment.
type OperatorSource interface {
	ReceivingOperators(ctx context.Context) ([]uuid.UUID, error)
}

// Dispatcher hands the next eligible account to the next eligible operator.
// It needs no lock of its own: a lost claim race surfaces as ConflictError
// and the dispatcher simply tries the next candidate.
type Dispatcher struct {
	Queue     QueueReader
	Operators OperatorSource
	Machine   *StateMachine
	Redis     *redis.Client
	Bus       broadcast.Broadcaster
}

const lastAssignKey = "dispatch:lastassign"

// queueBefore is the dispatch order: priority ascending, ties broken by the
// account's oldest pending event, then by id so the order is total.
func queueBefore(a, b *data.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.OldestEventAt.Equal(b.OldestEventAt) {
		return a.OldestEventAt.Before(b.OldestEventAt)
	}
	return a.AccountID.String() < b.AccountID.String()
}

// NextEligible returns the best pending account not in the exclusion set,
// or nil when the queue is empty (an empty dispatch is not an error). The
// queue read already orders rows, but the comparator is re-applied here so
// dispatch order never depends on the store honoring it.
func (d *Dispatcher) NextEligible(ctx context.Context, excluding map[uuid.UUID]bool) (*data.QueueItem, error) {
	items, err := d.Queue.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return queueBefore(items[i], items[j]) })

	for _, it := range items {
		if excluding[it.AccountID] {
			continue
		}
		state, err := d.Machine.Ledger.GetState(ctx, it.AccountID)
		if err != nil {
			return nil, err
		}
		if state.Pending() {
			return it, nil
		}
	}
	return nil, nil
}

// Dispatch runs one auto-assignment pass: receiving operators in order of
// wait since their last assignment, each offered the top of the priority
// order. Called when an operator turns receiving on and when a claim ends
// while others remain receiving.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	ops, err := d.Operators.ReceivingOperators(ctx)
	if err != nil {
		log.Printf("[Dispatch] listing receiving operators: %v", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	d.sortByWaitTime(ctx, ops)

	tried := make(map[uuid.UUID]bool)
	for _, op := range ops {
		item, err := d.NextEligible(ctx, tried)
		if err != nil {
			log.Printf("[Dispatch] queue read: %v", err)
			return
		}
		if item == nil {
			return // queue drained; remaining operators stay idle
		}

		if d.assign(ctx, op, item, tried) {
			continue
		}
	}
}

// assign tries the queue top-down for one operator. A ConflictError means a
// concurrent dispatch or manual claim won that account; move on.
func (d *Dispatcher) assign(ctx context.Context, op uuid.UUID, first *data.QueueItem, tried map[uuid.UUID]bool) bool {
	item := first
	for item != nil {
		tried[item.AccountID] = true

		claim, err := d.Machine.ClaimAccount(ctx, item.AccountID, op)
		if err == nil {
			d.Redis.ZAdd(ctx, lastAssignKey, redis.Z{
				Score:  float64(time.Now().Unix()),
				Member: op.String(),
			})
			d.Bus.Publish(broadcast.Message{
				Kind:       broadcast.KindAccountAssigned,
				AccountID:  item.AccountID,
				OperatorID: op,
				Target:     op,
				Seq:        claim.Seq,
				At:         claim.ClaimedAt,
			})
			return true
		}

		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			log.Printf("[Dispatch] assign %s to %s: %v", item.AccountID, op, err)
			return false
		}

		item, err = d.NextEligible(ctx, tried)
		if err != nil {
			log.Printf("[Dispatch] queue read: %v", err)
			return false
		}
	}
	return false
}

// sortByWaitTime orders operators by last assignment, never-assigned first.
// The order is deterministic so two coordinator instances evaluating
// simultaneously walk the same candidate list and resolve via the ledger.
func (d *Dispatcher) sortByWaitTime(ctx context.Context, ops []uuid.UUID) {
	scores := make(map[uuid.UUID]float64, len(ops))
	for _, op := range ops {
		score, err := d.Redis.ZScore(ctx, lastAssignKey, op.String()).Result()
		if err == redis.Nil {
			score = 0
		} else if err != nil {
			log.Printf("[Dispatch] zscore: %v", err)
		}
		scores[op] = score
	}
	sort.Slice(ops, func(i, j int) bool {
		if scores[ops[i]] != scores[ops[j]] {
			return scores[ops[i]] < scores[ops[j]]
		}
		return ops[i].String() < ops[j].String()
	})
}
