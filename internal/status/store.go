package status

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
	"notification-gateway/internal/notifications"
)

const (
	aggregateCacheTTL = time.Hour
	aggregateKeyFmt   = "status:%s:%s" // tenant id, notification id
)

// Store records delivery attempts and owns notification status
// transitions. Attempt insert and status update happen in one
// transaction so readers never see an attempt without its effect.
type Store struct {
	db     *db.PostgresDB
	redis  *db.RedisClient
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, redis *db.RedisClient, logger *zap.Logger) *Store {
	return &Store{db: db, redis: redis, logger: logger}
}

// MarkProcessing claims a fetched notification for a delivery attempt.
// The queued -> processing (or retrying -> processing) transition is a
// CAS on status, so a redelivered job whose first delivery already
// finished cannot be claimed twice.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	// Pending is claimable too: it covers the narrow window where the
	// job was published but the queued flip lost a race or failed.
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = $1, processing_started = COALESCE(processing_started, NOW())
		 WHERE id = $2 AND status IN ($3, $4, $5)`,
		notifications.StatusProcessing, id,
		notifications.StatusPending, notifications.StatusQueued, notifications.StatusRetrying)
	if err != nil {
		return fmt.Errorf("failed to mark notification processing: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if rows == 0 {
		return notifications.ErrNotFound
	}
	return nil
}

// RecordAttempt persists the attempt and moves the notification to
// newStatus in one transaction. The notification row is locked for the
// duration so concurrent redeliveries serialize; a transition out of a
// terminal status is refused.
func (s *Store) RecordAttempt(ctx context.Context, tenantID uuid.UUID, attempt *notifications.DeliveryAttempt, newStatus notifications.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin attempt transaction: %w", err)
	}
	defer tx.Rollback()

	var current notifications.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM notifications WHERE id = $1 FOR UPDATE`,
		attempt.NotificationID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notifications.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock notification: %w", err)
	}
	if current.Terminal() {
		return fmt.Errorf("notification %s already %s", attempt.NotificationID, current)
	}

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, notification_id, vendor, status, response, error, error_kind, attempted_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		attempt.ID, attempt.NotificationID, attempt.Vendor, attempt.Status,
		nullableRaw(attempt.Response), attempt.Error, attempt.ErrorKind, attempt.AttemptedAt, attempt.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert delivery attempt: %w", err)
	}

	completed := "completed_at"
	if newStatus.Terminal() {
		completed = "NOW()"
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE notifications
		 SET status = $1, attempt_count = attempt_count + 1, completed_at = %s
		 WHERE id = $2`, completed),
		newStatus, attempt.NotificationID)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt transaction: %w", err)
	}

	s.invalidateAggregate(ctx, tenantID, attempt.NotificationID)
	return nil
}

// GetAggregate returns the notification's status summary, served from
// the cache when a fresh copy exists.
func (s *Store) GetAggregate(ctx context.Context, tenantID, id uuid.UUID) (*notifications.StatusAggregate, error) {
	key := fmt.Sprintf(aggregateKeyFmt, tenantID, id)

	if raw, err := s.redis.Get(ctx, key).Bytes(); err == nil {
		var agg notifications.StatusAggregate
		if err := json.Unmarshal(raw, &agg); err == nil {
			return &agg, nil
		}
	}

	agg, err := s.loadAggregate(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(agg); err == nil {
		if err := s.redis.Set(ctx, key, raw, aggregateCacheTTL).Err(); err != nil {
			s.logger.Debug("failed to cache status aggregate", zap.Error(err))
		}
	}
	return agg, nil
}

func (s *Store) loadAggregate(ctx context.Context, tenantID, id uuid.UUID) (*notifications.StatusAggregate, error) {
	var agg notifications.StatusAggregate
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, status, attempt_count, created_at, queued_at, processing_started, completed_at
		 FROM notifications WHERE id = $1 AND tenant_id = $2`,
		id, tenantID).Scan(&agg.ID, &agg.Channel, &agg.Status, &agg.AttemptCount,
		&agg.CreatedAt, &agg.QueuedAt, &agg.ProcessingStarted, &agg.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification: %w", err)
	}

	// Latest attempt fills the vendor / error summary fields.
	var vendor string
	var attemptStatus notifications.AttemptStatus
	var attemptErr, attemptKind sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT vendor, status, error, error_kind FROM delivery_attempts
		 WHERE notification_id = $1 ORDER BY attempted_at DESC LIMIT 1`,
		id).Scan(&vendor, &attemptStatus, &attemptErr, &attemptKind)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	if err == nil {
		agg.LatestVendor = &vendor
		if attemptErr.Valid {
			agg.LastError = &attemptErr.String
		}
		if attemptKind.Valid {
			agg.LastErrorCode = &attemptKind.String
		}
	}
	return &agg, nil
}

// GetAttempts lists delivery attempts oldest first, scoped to the
// tenant that owns the notification.
func (s *Store) GetAttempts(ctx context.Context, tenantID, id uuid.UUID) ([]*notifications.DeliveryAttempt, error) {
	var owner uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM notifications WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != tenantID) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notification owner: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, notification_id, vendor, status, response, error, error_kind, attempted_at, duration_ms
		 FROM delivery_attempts WHERE notification_id = $1 ORDER BY attempted_at ASC`,
		id)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []*notifications.DeliveryAttempt
	for rows.Next() {
		var a notifications.DeliveryAttempt
		var response sql.NullString
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.Vendor, &a.Status,
			&response, &a.Error, &a.ErrorKind, &a.AttemptedAt, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		if response.Valid {
			a.Response = []byte(response.String)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// VendorExclusions returns the vendors the next selection must skip.
// Every previously attempted vendor is excluded, except the most recent
// one when its failure retries on the same vendor (throttling, a
// timeout): that vendor stays eligible so the retry goes back to it.
func (s *Store) VendorExclusions(ctx context.Context, id uuid.UUID) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vendor, error_kind FROM delivery_attempts
		 WHERE notification_id = $1 ORDER BY attempted_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempted vendors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	var lastVendor string
	var lastKind sql.NullString
	for rows.Next() {
		if err := rows.Scan(&lastVendor, &lastKind); err != nil {
			return nil, fmt.Errorf("failed to scan attempted vendor: %w", err)
		}
		out[lastVendor] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if lastVendor != "" && lastKind.Valid && !notifications.Kind(lastKind.String).RotatesVendor() {
		delete(out, lastVendor)
	}
	return out, nil
}

// UpdateFromReceipt applies an asynchronous vendor delivery receipt. A
// bounce arriving after the worker marked the notification delivered
// flips it to failed; a confirmation refreshes completed_at.
func (s *Store) UpdateFromReceipt(ctx context.Context, vendor, messageID string, delivered bool, receivedAt time.Time) error {
	var notificationID, tenantID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT n.id, n.tenant_id FROM delivery_attempts a
		 JOIN notifications n ON n.id = a.notification_id
		 WHERE a.vendor = $1 AND a.response ->> 'message_id' = $2
		 ORDER BY a.attempted_at DESC LIMIT 1`,
		vendor, messageID).Scan(&notificationID, &tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return notifications.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find attempt for receipt: %w", err)
	}

	target := notifications.StatusDelivered
	if !delivered {
		target = notifications.StatusFailed
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE notifications SET status = $1, completed_at = $2
		 WHERE id = $3 AND status = $4`,
		target, receivedAt.UTC(), notificationID, notifications.StatusDelivered)
	if err != nil {
		return fmt.Errorf("failed to apply receipt: %w", err)
	}
	s.invalidateAggregate(ctx, tenantID, notificationID)
	return nil
}

func (s *Store) invalidateAggregate(ctx context.Context, tenantID, id uuid.UUID) {
	if err := s.redis.Del(ctx, fmt.Sprintf(aggregateKeyFmt, tenantID, id)).Err(); err != nil {
		s.logger.Debug("failed to invalidate status cache",
			zap.String("notification_id", id.String()), zap.Error(err))
	}
}

func nullableRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
