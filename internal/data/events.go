package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type EventModel struct {
	DB DBTX
}

// Insert stores a newly ingested event. The eyes_on_required value is
// resolved from the account at ingest time so the gate never has to join.
func (m EventModel) Insert(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO events (account_id, camera_id, timestamp, media_type, media_paths, status, eyes_on_required)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		e.AccountID, e.CameraID, e.Timestamp, e.MediaType,
		pq.Array(e.MediaPaths), e.EyesOnRequired,
	).Scan(&e.ID)
}

func (m EventModel) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	query := `
		SELECT id, account_id, camera_id, timestamp, media_type, media_paths, status, eyes_on_users, eyes_on_required
		FROM events
		WHERE id = $1`

	return scanEvent(m.DB.QueryRowContext(ctx, query, id))
}

// ListByAccount returns the account's events in the given status, oldest
// first. Ordering is stable across hold/unhold so queue position is kept.
func (m EventModel) ListByAccount(ctx context.Context, accountID uuid.UUID, status EventStatus) ([]*Event, error) {
	query := `
		SELECT id, account_id, camera_id, timestamp, media_type, media_paths, status, eyes_on_users, eyes_on_required
		FROM events
		WHERE account_id = $1 AND status = $2
		ORDER BY timestamp ASC`

	rows, err := m.DB.QueryContext(ctx, query, accountID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetStatusByAccount flips every event of the account in `from` status to
// `to`. Used for hold (pending->on_hold), unhold (on_hold->pending),
// resolve (pending->resolved) and dismiss (pending->dismissed).
func (m EventModel) SetStatusByAccount(ctx context.Context, accountID uuid.UUID, from, to EventStatus) (int64, error) {
	query := `UPDATE events SET status = $3 WHERE account_id = $1 AND status = $2`
	res, err := m.DB.ExecContext(ctx, query, accountID, from, to)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetStatus flips a single event's status.
func (m EventModel) SetStatus(ctx context.Context, id uuid.UUID, status EventStatus) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE events SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// AddEyesOn records that a distinct operator has reviewed the event.
// Appending an operator already present is a no-op.
func (m EventModel) AddEyesOn(ctx context.Context, eventID, operatorID uuid.UUID) error {
	query := `
		UPDATE events
		SET eyes_on_users = array_append(eyes_on_users, $2)
		WHERE id = $1 AND NOT ($2 = ANY(eyes_on_users))`

	res, err := m.DB.ExecContext(ctx, query, eventID, operatorID.String())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either already counted or missing; only the latter is an error.
		if _, err := m.GetByID(ctx, eventID); err != nil {
			return err
		}
	}
	return nil
}

// InsertEscalation attaches an escalation record to a single event.
func (m EventModel) InsertEscalation(ctx context.Context, esc *Escalation) error {
	query := `
		INSERT INTO escalations (event_id, escalated_by, escalated_at, notes)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		esc.EventID, esc.EscalatedBy, esc.EscalatedAt, esc.Notes,
	).Scan(&esc.ID)
}

// EscalationForEvent returns the escalation record for an event, if any.
func (m EventModel) EscalationForEvent(ctx context.Context, eventID uuid.UUID) (*Escalation, error) {
	query := `
		SELECT id, event_id, escalated_by, escalated_at, notes
		FROM escalations
		WHERE event_id = $1`

	var esc Escalation
	err := m.DB.QueryRowContext(ctx, query, eventID).Scan(
		&esc.ID, &esc.EventID, &esc.EscalatedBy, &esc.EscalatedAt, &esc.Notes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &esc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (*Event, error) {
	e, err := scanEventRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanEventRows(s rowScanner) (*Event, error) {
	var e Event
	var paths []string
	var eyesOn []string
	var ts time.Time

	err := s.Scan(
		&e.ID, &e.AccountID, &e.CameraID, &ts, &e.MediaType,
		pq.Array(&paths), &e.Status, pq.Array(&eyesOn), &e.EyesOnRequired,
	)
	if err != nil {
		return nil, err
	}

	e.Timestamp = ts
	e.MediaPaths = paths
	e.EyesOnUsers = make([]uuid.UUID, 0, len(eyesOn))
	for _, raw := range eyesOn {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		e.EyesOnUsers = append(e.EyesOnUsers, id)
	}
	return &e, nil
}
