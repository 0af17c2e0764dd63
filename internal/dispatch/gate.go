package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/technosupport/ts-dispatch/internal/data"
)

// EventReader is the slice of the event store the gate needs.
type EventReader interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, status data.EventStatus) ([]*data.Event, error)
}

// Gate decides whether a resolve/dismiss may proceed given the eyes-on
// policy. It only consumes the reviewer counters; when a reviewer counts is
// an external concern (the viewing tracker calls AddEyesOn).
type Gate struct {
	Events EventReader
}

func NewGate(events EventReader) *Gate {
	return &Gate{Events: events}
}

// CheckResolve aggregates across all pending events under the account.
// A single under-reviewed event blocks the whole bulk action.
func (g *Gate) CheckResolve(ctx context.Context, accountID uuid.UUID) error {
	events, err := g.Events.ListByAccount(ctx, accountID, data.EventPending)
	if err != nil {
		return err
	}

	for _, e := range events {
		if e.EyesOnRequired <= 1 {
			continue
		}
		if e.EyesOnCurrent() < e.EyesOnRequired {
			return &GateBlockedError{
				AccountID: accountID,
				EventID:   e.ID,
				Required:  e.EyesOnRequired,
				Current:   e.EyesOnCurrent(),
			}
		}
	}
	return nil
}

// CanOverride reports whether the role may bypass an unmet eyes-on
// requirement with an explicit confirmation.
func (g *Gate) CanOverride(role string) bool {
	switch role {
	case "admin", "supervisor":
		return true
	default:
		return false
	}
}
