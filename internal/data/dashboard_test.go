package data

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dashboardColumns() []string {
	return []string{
		"a_id", "number", "name", "priority", "allow_dismiss", "eyes_on_count", "timezone", "created_at",
		"e_id", "account_id", "camera_id", "timestamp", "media_type", "media_paths", "status", "eyes_on_users", "eyes_on_required",
	}
}

func TestListActiveGroupsByAccount(t *testing.T) {
	db, mock := newMock(t)
	m := DashboardModel{DB: db}

	first, second := uuid.New(), uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows(dashboardColumns())
	// Two events under the first account (one pending, one on hold), a
	// single pending event under the second.
	rows.AddRow(first, "ACC-1", "North Gate", 1, true, 1, "UTC", now,
		uuid.New(), first, uuid.New(), now.Add(-5*time.Minute), "video", "{}", "pending", "{}", 1)
	rows.AddRow(first, "ACC-1", "North Gate", 1, true, 1, "UTC", now,
		uuid.New(), first, uuid.New(), now.Add(-2*time.Minute), "image", "{}", "on_hold", "{}", 1)
	rows.AddRow(second, "ACC-2", "South Lot", 3, false, 2, "UTC", now,
		uuid.New(), second, uuid.New(), now.Add(-time.Minute), "video", "{}", "pending", "{}", 2)

	mock.ExpectQuery(`SELECT (.+) FROM accounts a`).WillReturnRows(rows)

	items, err := m.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "ACC-1", items[0].Account.Number)
	assert.Len(t, items[0].Events, 2)
	assert.Equal(t, 1, items[0].PendingCount, "held events stay out of the pending count")
	assert.Equal(t, EventPending, items[0].Events[0].Status)
	assert.Equal(t, EventOnHold, items[0].Events[1].Status)

	assert.Equal(t, "ACC-2", items[1].Account.Number)
	assert.Equal(t, 1, items[1].PendingCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveEmpty(t *testing.T) {
	db, mock := newMock(t)
	m := DashboardModel{DB: db}

	mock.ExpectQuery(`SELECT (.+) FROM accounts a`).
		WillReturnRows(sqlmock.NewRows(dashboardColumns()))

	items, err := m.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}
