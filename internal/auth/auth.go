package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"notification-gateway/internal/db"
)

// Tenant is an authenticated API consumer. Rate limits, circuit
// breakers, and templates are all scoped to it.
type Tenant struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	APIKeyHash      string            `json:"-"`
	VendorOverrides map[string]string `json:"vendor_overrides,omitempty"`
}

type Service struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewService(db *db.PostgresDB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// CreateTenant provisions a tenant and stores the bcrypt hash of its
// API key. The caller hands the tenant the composite key
// "<tenant_id>.<secret>"; only the hash is kept.
func (a *Service) CreateTenant(ctx context.Context, name, secret string) (*Tenant, string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash API key: %w", err)
	}

	tenant := &Tenant{
		ID:         uuid.New(),
		Name:       name,
		APIKeyHash: string(hashed),
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, api_key_hash) VALUES ($1, $2, $3)`,
		tenant.ID, tenant.Name, tenant.APIKeyHash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert tenant: %w", err)
	}

	return tenant, fmt.Sprintf("%s.%s", tenant.ID, secret), nil
}

// Authenticate verifies a composite API key. The tenant id prefix makes
// the lookup a primary-key read; the secret half is bcrypt-compared.
func (a *Service) Authenticate(ctx context.Context, apiKey string) (*Tenant, error) {
	idPart, secret, found := strings.Cut(apiKey, ".")
	if !found {
		return nil, errors.New("malformed API key")
	}
	tenantID, err := uuid.Parse(idPart)
	if err != nil {
		return nil, errors.New("malformed API key")
	}

	tenant, err := a.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(tenant.APIKeyHash), []byte(secret)) != nil {
		return nil, errors.New("invalid API key")
	}
	return tenant, nil
}

func (a *Service) GetTenant(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	var tenant Tenant
	var overrides []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, vendor_overrides FROM tenants WHERE id = $1`,
		tenantID).Scan(&tenant.ID, &tenant.Name, &tenant.APIKeyHash, &overrides)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &tenant.VendorOverrides); err != nil {
			a.logger.Warn("ignoring malformed vendor overrides",
				zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
		}
	}
	return &tenant, nil
}

// RequireAPIKey authenticates the X-API-Key header and stashes the
// tenant in the request context.
func (a *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing API key",
			})
		}

		tenant, err := a.Authenticate(c.Context(), apiKey)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid API key",
			})
		}

		c.Locals("tenant", tenant)
		return c.Next()
	}
}

// TenantFromContext returns the tenant stored by RequireAPIKey.
func TenantFromContext(c *fiber.Ctx) (*Tenant, error) {
	tenant, ok := c.Locals("tenant").(*Tenant)
	if !ok {
		return nil, errors.New("tenant not found in context")
	}
	return tenant, nil
}
