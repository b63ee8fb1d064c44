package vendors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
)

// VendorState is the coarse health classification of a vendor.
type VendorState string

const (
	VendorHealthy   VendorState = "healthy"
	VendorDegraded  VendorState = "degraded"
	VendorUnhealthy VendorState = "unhealthy"
)

// VendorStatus is the persisted health record for one (vendor, channel).
type VendorStatus struct {
	Vendor      string                `json:"vendor" db:"vendor"`
	Channel     notifications.Channel `json:"channel" db:"channel"`
	State       VendorState           `json:"state" db:"state"`
	SuccessRate float64               `json:"success_rate" db:"success_rate"`
	LastCheck   time.Time             `json:"last_check" db:"last_check"`
}

// Usable reports whether the selector should treat the vendor as healthy:
// healthy state, success rate at or above threshold, and a check within
// the staleness window.
func (v *VendorStatus) Usable(now time.Time) bool {
	return v.State == VendorHealthy &&
		v.SuccessRate >= healthySuccessRate &&
		now.Sub(v.LastCheck) <= healthStaleness
}

const (
	healthySuccessRate = 0.95
	healthStaleness    = 30 * time.Second
)

// StatusStore persists vendor health in the relational store so other
// hosts and the status surface can read it.
type StatusStore struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStatusStore(db *db.PostgresDB, logger *zap.Logger) *StatusStore {
	return &StatusStore{db: db, logger: logger}
}

func (s *StatusStore) Upsert(ctx context.Context, vs *VendorStatus) error {
	query := `INSERT INTO vendor_status (vendor, channel, state, success_rate, last_check)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vendor, channel) DO UPDATE
		SET state = EXCLUDED.state, success_rate = EXCLUDED.success_rate, last_check = EXCLUDED.last_check`

	_, err := s.db.ExecContext(ctx, query, vs.Vendor, vs.Channel, vs.State, vs.SuccessRate, vs.LastCheck)
	if err != nil {
		return fmt.Errorf("failed to upsert vendor status: %w", err)
	}
	return nil
}

func (s *StatusStore) Get(ctx context.Context, vendor string, channel notifications.Channel) (*VendorStatus, error) {
	query := `SELECT vendor, channel, state, success_rate, last_check
		FROM vendor_status WHERE vendor = $1 AND channel = $2`

	var vs VendorStatus
	err := s.db.QueryRowContext(ctx, query, vendor, channel).Scan(
		&vs.Vendor, &vs.Channel, &vs.State, &vs.SuccessRate, &vs.LastCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vendor status: %w", err)
	}
	return &vs, nil
}

func (s *StatusStore) ListByChannel(ctx context.Context, channel notifications.Channel) ([]*VendorStatus, error) {
	query := `SELECT vendor, channel, state, success_rate, last_check
		FROM vendor_status WHERE channel = $1`

	rows, err := s.db.QueryContext(ctx, query, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendor status: %w", err)
	}
	defer rows.Close()

	var out []*VendorStatus
	for rows.Next() {
		var vs VendorStatus
		if err := rows.Scan(&vs.Vendor, &vs.Channel, &vs.State, &vs.SuccessRate, &vs.LastCheck); err != nil {
			return nil, fmt.Errorf("failed to scan vendor status: %w", err)
		}
		out = append(out, &vs)
	}
	return out, rows.Err()
}
