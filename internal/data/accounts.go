package data

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

type AccountModel struct {
	DB DBTX
}

// GetByID fetches a single account. Priority and eyes_on_count fall back to
// their defaults (5, 1) at insert time, so no COALESCE is needed here.
func (m AccountModel) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `
		SELECT id, number, name, priority, allow_dismiss, eyes_on_count, timezone, created_at
		FROM accounts
		WHERE id = $1`

	var a Account
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Number, &a.Name, &a.Priority, &a.AllowDismiss,
		&a.EyesOnCount, &a.Timezone, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListQueue returns accounts with at least one pending event, ordered by
// priority ascending with ties broken by the oldest pending event timestamp.
// This is the deterministic total order the dispatcher presents and assigns
// from; it is recomputed on every read and needs no cross-operator locking.
func (m AccountModel) ListQueue(ctx context.Context) ([]*QueueItem, error) {
	query := `
		SELECT a.id, a.priority, MIN(e.timestamp) AS oldest, COUNT(e.id)
		FROM accounts a
		JOIN events e ON e.account_id = a.id
		WHERE e.status = 'pending'
		GROUP BY a.id, a.priority
		ORDER BY a.priority ASC, oldest ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.AccountID, &it.Priority, &it.OldestEventAt, &it.PendingCount); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}
