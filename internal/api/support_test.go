package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-dispatch/internal/audit"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
	"github.com/technosupport/ts-dispatch/internal/dispatch"
	"github.com/technosupport/ts-dispatch/internal/middleware"
	"github.com/technosupport/ts-dispatch/internal/receiving"
)

type memEvents struct {
	mu          sync.Mutex
	events      map[uuid.UUID]*data.Event
	escalations map[uuid.UUID]*data.Escalation
}

func newMemEvents() *memEvents {
	return &memEvents{
		events:      make(map[uuid.UUID]*data.Event),
		escalations: make(map[uuid.UUID]*data.Escalation),
	}
}

func (s *memEvents) add(e *data.Event) *data.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = data.EventPending
	}
	s.events[e.ID] = e
	return e
}

func (s *memEvents) ListByAccount(_ context.Context, accountID uuid.UUID, status data.EventStatus) ([]*data.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*data.Event
	for _, e := range s.events {
		if e.AccountID == accountID && e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEvents) GetByID(_ context.Context, id uuid.UUID) (*data.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return e, nil
}

func (s *memEvents) SetStatus(_ context.Context, id uuid.UUID, status data.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	e.Status = status
	return nil
}

func (s *memEvents) SetStatusByAccount(_ context.Context, accountID uuid.UUID, from, to data.EventStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if e.AccountID == accountID && e.Status == from {
			e.Status = to
			n++
		}
	}
	return n, nil
}

func (s *memEvents) AddEyesOn(_ context.Context, eventID, operatorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
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

func (s *memEvents) InsertEscalation(_ context.Context, esc *data.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc.ID = uuid.New()
	s.escalations[esc.EventID] = esc
	return nil
}

func (s *memEvents) EscalationForEvent(_ context.Context, eventID uuid.UUID) (*data.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escalations[eventID]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return esc, nil
}

type memAccounts struct {
	accounts map[uuid.UUID]*data.Account
}

func (s memAccounts) GetByID(_ context.Context, id uuid.UUID) (*data.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return a, nil
}

func (s memAccounts) ListQueue(context.Context) ([]*data.QueueItem, error) {
	return nil, nil
}

type nopRestorer struct{}

func (nopRestorer) RestoreReceiving(context.Context, uuid.UUID) error { return nil }
func (nopRestorer) AutoDisable(context.Context, uuid.UUID, receiving.DisableReason) error {
	return nil
}

type nopCaptures struct{}

func (nopCaptures) StopForEvent(context.Context, uuid.UUID) error { return nil }

type nopBus struct{}

func (nopBus) Publish(broadcast.Message) {}

type nopAudit struct{}

func (nopAudit) Write(context.Context, audit.Entry) {}

type noOperators struct{}

func (noOperators) ReceivingOperators(context.Context) ([]uuid.UUID, error) { return nil, nil }

type apiRig struct {
	handler  *DispatchHandler
	events   *memEvents
	accounts memAccounts
	ledger   *dispatch.Ledger
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	events := newMemEvents()
	accounts := memAccounts{accounts: make(map[uuid.UUID]*data.Account)}
	ledger := dispatch.NewLedger(rdb, time.Minute)
	machine := &dispatch.StateMachine{
		Ledger:   ledger,
		Events:   events,
		Accounts: accounts,
		Gate:     dispatch.NewGate(events),
		Captures: nopCaptures{},
		Arbiter:  nopRestorer{},
		Bus:      nopBus{},
		Audit:    nopAudit{},
	}
	dispatcher := &dispatch.Dispatcher{
		Queue:     accounts,
		Operators: noOperators{},
		Machine:   machine,
		Redis:     rdb,
		Bus:       nopBus{},
	}
	return &apiRig{
		handler:  NewDispatchHandler(machine, dispatcher),
		events:   events,
		accounts: accounts,
		ledger:   ledger,
	}
}

// doRequest routes the request through chi so URL params resolve, with the
// operator's auth context attached the way the JWT middleware would.
func doRequest(handler http.HandlerFunc, method, pattern, target string, body *string, ac *middleware.AuthContext) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, handler)

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(*body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if ac != nil {
		req = req.WithContext(middleware.WithAuthContext(req.Context(), ac))
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func asOperator(id uuid.UUID) *middleware.AuthContext {
	return &middleware.AuthContext{OperatorID: id, Role: "operator"}
}
