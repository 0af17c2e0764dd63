package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-dispatch/internal/audit"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
)

// Janitor reconciles claims whose owner vanished without a clean release.
// The page-unload beacon is fire-and-forget, so the TTL is the backstop:
// an expired claim is force-released, announced, and the account offered
// back to the dispatcher.
type Janitor struct {
	Machine    *StateMachine
	Dispatcher *Dispatcher
	Interval   time.Duration
}

func NewJanitor(machine *StateMachine, dispatcher *Dispatcher, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{Machine: machine, Dispatcher: dispatcher, Interval: interval}
}

func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

func (j *Janitor) sweep(ctx context.Context) {
	expired, err := j.Machine.Ledger.ExpiredClaims(ctx, time.Now())
	if err != nil {
		log.Printf("[Janitor] expiry scan: %v", err)
		return
	}

	released := false
	for _, accountID := range expired {
		owner, seq, err := j.Machine.Ledger.ForceRelease(ctx, accountID)
		if err != nil {
			log.Printf("[Janitor] force release %s: %v", accountID, err)
			continue
		}
		released = true
		log.Printf("[Janitor] released expired claim on %s (operator %s)", accountID, owner)

		j.Machine.stopAccountCaptures(ctx, accountID)
		if owner != uuid.Nil {
			if err := j.Machine.Arbiter.RestoreReceiving(ctx, owner); err != nil {
				log.Printf("[Janitor] receiving restore failed for %s: %v", owner, err)
			}
		}

		j.Machine.Audit.Write(ctx, audit.Entry{
			Action: audit.ActionClaimExpired, AccountID: accountID, OperatorID: owner,
		})
		j.Machine.Bus.Publish(broadcast.Message{
			Kind: broadcast.KindClaimReleased, AccountID: accountID, OperatorID: owner,
			Seq: seq, At: time.Now().UTC(),
			Payload: map[string]any{"expired": true},
		})
	}

	if released {
		j.Dispatcher.Dispatch(ctx)
	}
}
