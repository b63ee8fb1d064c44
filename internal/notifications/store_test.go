package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewStore(&db.PostgresDB{DB: conn}, zap.NewNop()), mock
}

func TestCreate(t *testing.T) {
	s, mock := testStore(t)
	n := &Notification{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		Channel:   ChannelEmail,
		Status:    StatusPending,
		Priority:  PriorityNormal,
		Recipient: "ada@example.com",
		TemplateID: uuid.New(),
		Context:   map[string]any{"name": "Ada"},
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO notifications`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), n))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectQuery(`SELECT .+ FROM notifications WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByID(t *testing.T) {
	s, mock := testStore(t)
	id, tenant, tmpl := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "channel", "status", "priority", "recipient", "template_id", "context",
		"attempt_count", "vendor_preference", "batch_id", "metadata",
		"created_at", "queued_at", "processing_started", "completed_at",
	}).AddRow(id, tenant, "sms", "queued", "high", "+15551234567", tmpl, []byte(`{"code":"1234"}`),
		1, nil, nil, []byte(`{"source":"signup"}`), now, now, nil, nil)

	mock.ExpectQuery(`SELECT .+ FROM notifications WHERE id`).
		WithArgs(id).
		WillReturnRows(rows)

	n, err := s.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ChannelSMS, n.Channel)
	assert.Equal(t, StatusQueued, n.Status)
	assert.Equal(t, "1234", n.Context["code"])
	assert.Equal(t, "signup", n.Metadata["source"])
	assert.Equal(t, 1, n.AttemptCount)
}

func TestMarkQueued(t *testing.T) {
	s, mock := testStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE notifications SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.MarkQueued(context.Background(), id))
}

func TestMarkQueuedNotPending(t *testing.T) {
	s, mock := testStore(t)
	id := uuid.New()

	// The guard clause matched zero rows: the row already moved on.
	mock.ExpectExec(`UPDATE notifications SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.Error(t, s.MarkQueued(context.Background(), id))
}

func TestListByBatch(t *testing.T) {
	s, mock := testStore(t)
	tenant := uuid.New()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "channel", "status", "priority", "recipient", "template_id", "context",
		"attempt_count", "vendor_preference", "batch_id", "metadata",
		"created_at", "queued_at", "processing_started", "completed_at",
	})
	batch := "b-1"
	for i := 0; i < 2; i++ {
		rows.AddRow(uuid.New(), tenant, "email", "queued", "normal", "a@example.com", uuid.New(),
			[]byte(`{}`), 0, nil, &batch, []byte(`{}`), now, now, nil, nil)
	}

	mock.ExpectQuery(`SELECT .+ FROM notifications\s+WHERE tenant_id`).
		WithArgs(tenant, "b-1").
		WillReturnRows(rows)

	out, err := s.ListByBatch(context.Background(), tenant, "b-1")
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "b-1", *out[0].BatchID)
}
