package templates

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

// Store persists templates in postgres. Version bumps are guarded by
// compare-and-set on the version column.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const templateColumns = `id, tenant_id, name, channel, version, active, content, vendor_metadata, created_at, updated_at`

func (s *Store) Create(ctx context.Context, t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	contentJSON, err := json.Marshal(t.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	metadataJSON, err := json.Marshal(t.VendorMetadata)
	if err != nil {
		return fmt.Errorf("failed to marshal vendor metadata: %w", err)
	}

	query := `INSERT INTO templates (` + templateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.TenantID, t.Name, t.Channel, t.Version, t.Active,
		contentJSON, metadataJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.Info("template created",
		zap.String("id", t.ID.String()),
		zap.String("name", t.Name),
		zap.Int("version", t.Version))
	return nil
}

// Update bumps the template to expectedVersion+1 with new content.
// Concurrent updates to the same template resolve by compare-and-set; a
// losing writer gets ErrVersionConflict.
func (s *Store) Update(ctx context.Context, t *Template, expectedVersion int) error {
	if err := t.Validate(); err != nil {
		return err
	}

	contentJSON, err := json.Marshal(t.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	metadataJSON, err := json.Marshal(t.VendorMetadata)
	if err != nil {
		return fmt.Errorf("failed to marshal vendor metadata: %w", err)
	}

	query := `UPDATE templates
		SET version = version + 1, active = $3, content = $4, vendor_metadata = $5, updated_at = $6
		WHERE id = $1 AND version = $2`

	res, err := s.db.ExecContext(ctx, query,
		t.ID, expectedVersion, t.Active, contentJSON, metadataJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return notifications.ErrVersionConflict
	}

	t.Version = expectedVersion + 1
	s.logger.Info("template updated",
		zap.String("id", t.ID.String()),
		zap.Int("version", t.Version))
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// FindByName returns the latest active version of the named template for
// a tenant.
func (s *Store) FindByName(ctx context.Context, tenantID uuid.UUID, name string) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates
		WHERE tenant_id = $1 AND name = $2 AND active = true
		ORDER BY version DESC LIMIT 1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, tenantID, name))
}

func (s *Store) scanOne(row *sql.Row) (*Template, error) {
	var t Template
	var contentJSON, metadataJSON []byte

	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Channel, &t.Version, &t.Active,
		&contentJSON, &metadataJSON, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notifications.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	if err := json.Unmarshal(contentJSON, &t.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &t.VendorMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vendor metadata: %w", err)
		}
	}
	return &t, nil
}
