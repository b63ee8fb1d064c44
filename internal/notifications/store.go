package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

// Store persists notifications. Per-notification state transitions during
// dispatch go through the status package, which takes the row lock; the
// operations here are ingress-side and read-side.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const notificationColumns = `id, tenant_id, channel, status, priority, recipient, template_id, context,
	attempt_count, vendor_preference, batch_id, metadata, created_at, queued_at, processing_started, completed_at`

func (s *Store) Create(ctx context.Context, n *Notification) error {
	contextJSON, err := json.Marshal(n.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	metadataJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.db.ExecContext(ctx, query,
		n.ID, n.TenantID, n.Channel, n.Status, n.Priority, n.Recipient, n.TemplateID, contextJSON,
		n.AttemptCount, n.VendorPreference, n.BatchID, metadataJSON,
		n.CreatedAt, n.QueuedAt, n.ProcessingStarted, n.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	s.logger.Debug("notification created",
		zap.String("id", n.ID.String()),
		zap.String("channel", string(n.Channel)))
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// MarkQueued transitions pending -> queued after the queue publish
// succeeded, stamping queued_at.
func (s *Store) MarkQueued(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notifications SET status = $2, queued_at = $3 WHERE id = $1 AND status = $4`
	res, err := s.db.ExecContext(ctx, query, id, StatusQueued, time.Now().UTC(), StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark queued: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("notification %s not in pending state", id)
	}
	return nil
}

// ListByBatch returns all notifications tagged with batchID for a tenant.
// batch_id is an opaque tag; there is no batch-level aggregation.
func (s *Store) ListByBatch(ctx context.Context, tenantID uuid.UUID, batchID string) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE tenant_id = $1 AND batch_id = $2 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, tenantID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications by batch: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*Notification, error) {
	var n Notification
	var contextJSON, metadataJSON []byte

	err := row.Scan(
		&n.ID, &n.TenantID, &n.Channel, &n.Status, &n.Priority, &n.Recipient, &n.TemplateID, &contextJSON,
		&n.AttemptCount, &n.VendorPreference, &n.BatchID, &metadataJSON,
		&n.CreatedAt, &n.QueuedAt, &n.ProcessingStarted, &n.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	if err := json.Unmarshal(contextJSON, &n.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &n, nil
}
