package data

import (
	"context"

	"github.com/google/uuid"
)

// DashboardModel builds the account-grouped read model shown on the
// monitoring dashboard. It only reads Postgres; the live claim/hold state
// is layered on top from the ledger by the caller.
type DashboardModel struct {
	DB DBTX
}

// ListActive returns every account that currently has at least one event in
// a non-terminal status, along with those events oldest first.
func (m DashboardModel) ListActive(ctx context.Context) ([]*DashboardItem, error) {
	query := `
		SELECT a.id, a.number, a.name, a.priority, a.allow_dismiss, a.eyes_on_count, a.timezone, a.created_at,
		       e.id, e.account_id, e.camera_id, e.timestamp, e.media_type, e.media_paths, e.status, e.eyes_on_users, e.eyes_on_required
		FROM accounts a
		JOIN events e ON e.account_id = a.id
		WHERE e.status IN ('pending', 'on_hold', 'escalated')
		ORDER BY a.priority ASC, a.id, e.timestamp ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*DashboardItem
	byAccount := map[uuid.UUID]*DashboardItem{}

	for rows.Next() {
		var a Account
		e, err := scanEventRows(prefixScanner{rows: rows, account: &a})
		if err != nil {
			return nil, err
		}

		item, ok := byAccount[a.ID]
		if !ok {
			item = &DashboardItem{Account: a}
			byAccount[a.ID] = item
			items = append(items, item)
		}
		item.Events = append(item.Events, e)
		if e.Status == EventPending {
			item.PendingCount++
		}
	}
	return items, rows.Err()
}

// prefixScanner peels the account columns off the front of a joined row and
// hands the remainder to the event scanner.
type prefixScanner struct {
	rows    rowScanner
	account *Account
}

func (p prefixScanner) Scan(dest ...any) error {
	a := p.account
	prefix := []any{&a.ID, &a.Number, &a.Name, &a.Priority, &a.AllowDismiss, &a.EyesOnCount, &a.Timezone, &a.CreatedAt}
	return p.rows.Scan(append(prefix, dest...)...)
}
