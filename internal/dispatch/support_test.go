package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-dispatch/internal/audit"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
	"github.com/technosupport/ts-dispatch/internal/receiving"
)

// fakeEvents is an in-memory EventStore.
type fakeEvents struct {
	mu          sync.Mutex
	events      map[uuid.UUID]*data.Event
	escalations map[uuid.UUID]*data.Escalation
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		events:      make(map[uuid.UUID]*data.Event),
		escalations: make(map[uuid.UUID]*data.Escalation),
	}
}

func (f *fakeEvents) add(e *data.Event) *data.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = data.EventPending
	}
	f.events[e.ID] = e
	return e
}

func (f *fakeEvents) ListByAccount(_ context.Context, accountID uuid.UUID, status data.EventStatus) ([]*data.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Event
	for _, e := range f.events {
		if e.AccountID == accountID && e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) GetByID(_ context.Context, id uuid.UUID) (*data.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return e, nil
}

func (f *fakeEvents) SetStatus(_ context.Context, id uuid.UUID, status data.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	e.Status = status
	return nil
}

func (f *fakeEvents) SetStatusByAccount(_ context.Context, accountID uuid.UUID, from, to data.EventStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.events {
		if e.AccountID == accountID && e.Status == from {
			e.Status = to
			n++
		}
	}
	return n, nil
}

func (f *fakeEvents) AddEyesOn(_ context.Context, eventID, operatorID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[eventID]
	if !ok {
		return data.ErrRecordNotFound
	}
	for _, u := range e.EyesOnUsers {
		if u == operatorID {
			return nil
		}
	}
	e.EyesOnUsers = append(e.EyesOnUsers, operatorID)
	return nil
}

func (f *fakeEvents) InsertEscalation(_ context.Context, esc *data.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	esc.ID = uuid.New()
	f.escalations[esc.EventID] = esc
	return nil
}

func (f *fakeEvents) EscalationForEvent(_ context.Context, eventID uuid.UUID) (*data.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	esc, ok := f.escalations[eventID]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return esc, nil
}

// fakeAccounts is an in-memory AccountStore plus QueueReader.
type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*data.Account
	queue    []*data.QueueItem
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: make(map[uuid.UUID]*data.Account)}
}

func (f *fakeAccounts) add(a *data.Account) *data.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.accounts[a.ID] = a
	return a
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*data.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return a, nil
}

func (f *fakeAccounts) ListQueue(_ context.Context) ([]*data.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*data.QueueItem, len(f.queue))
	copy(out, f.queue)
	return out, nil
}

func (f *fakeAccounts) setQueue(items ...*data.QueueItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = items
}

// recordBus captures published messages.
type recordBus struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

func (b *recordBus) Publish(msg broadcast.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *recordBus) kinds() []broadcast.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broadcast.Kind, 0, len(b.messages))
	for _, m := range b.messages {
		out = append(out, m.Kind)
	}
	return out
}

func (b *recordBus) last() broadcast.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[len(b.messages)-1]
}

// fakeArbiter records suspend/restore calls.
type fakeArbiter struct {
	mu        sync.Mutex
	disabled  []uuid.UUID
	restored  []uuid.UUID
	receiving []uuid.UUID
}

func (a *fakeArbiter) AutoDisable(_ context.Context, operatorID uuid.UUID, _ receiving.DisableReason) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled = append(a.disabled, operatorID)
	return nil
}

func (a *fakeArbiter) RestoreReceiving(_ context.Context, operatorID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restored = append(a.restored, operatorID)
	return nil
}

func (a *fakeArbiter) ReceivingOperators(_ context.Context) ([]uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uuid.UUID, len(a.receiving))
	copy(out, a.receiving)
	return out, nil
}

// fakeCaptures records capture teardowns.
type fakeCaptures struct {
	mu      sync.Mutex
	stopped []uuid.UUID
}

func (c *fakeCaptures) StopForEvent(_ context.Context, eventID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, eventID)
	return nil
}

type testRig struct {
	machine  *StateMachine
	ledger   *Ledger
	events   *fakeEvents
	accounts *fakeAccounts
	arbiter  *fakeArbiter
	captures *fakeCaptures
	bus      *recordBus
	redis    *redis.Client
	mr       *miniredis.Miniredis
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rig := &testRig{
		ledger:   NewLedger(rdb, time.Minute),
		events:   newFakeEvents(),
		accounts: newFakeAccounts(),
		arbiter:  &fakeArbiter{},
		captures: &fakeCaptures{},
		bus:      &recordBus{},
		redis:    rdb,
		mr:       mr,
	}
	rig.machine = &StateMachine{
		Ledger:   rig.ledger,
		Events:   rig.events,
		Accounts: rig.accounts,
		Gate:     NewGate(rig.events),
		Captures: rig.captures,
		Arbiter:  rig.arbiter,
		Bus:      rig.bus,
		Audit:    audit.Nop{},
	}
	return rig
}

func (r *testRig) dispatcher() *Dispatcher {
	return &Dispatcher{
		Queue:     r.accounts,
		Operators: r.arbiter,
		Machine:   r.machine,
		Redis:     r.redis,
		Bus:       r.bus,
	}
}
