package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/db"
	"notification-gateway/internal/templates"
)

// templateApp wires the template routes behind a stub tenant, bypassing
// API-key auth.
func templateApp(t *testing.T, tenant uuid.UUID) (*fiber.App, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	mr := miniredis.RunT(t)
	client := &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	tmpl := templates.NewService(
		templates.NewStore(&db.PostgresDB{DB: conn}, zap.NewNop()),
		client, time.Minute, nil, zap.NewNop())
	handlers := NewHandlers(zap.NewNop(), nil, nil, nil, tmpl, nil, nil, nil)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("tenant", &auth.Tenant{ID: tenant})
		return c.Next()
	})
	app.Post("/v1/templates", handlers.CreateTemplate)
	app.Put("/v1/templates/:id", handlers.UpdateTemplate)
	return app, mock
}

func postJSON(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestCreateTemplateDefaultsToActive(t *testing.T) {
	tenant := uuid.New()
	app, mock := templateApp(t, tenant)

	mock.ExpectExec(`INSERT INTO templates`).
		WithArgs(sqlmock.AnyArg(), tenant, "welcome", "sms", 1, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := postJSON(t, app, http.MethodPost, "/v1/templates",
		`{"name":"welcome","channel":"sms","content":{"body":"Hi {{name}}"}}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created templates.Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, created.Active)
	assert.Equal(t, 1, created.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTemplateExplicitlyInactive(t *testing.T) {
	tenant := uuid.New()
	app, mock := templateApp(t, tenant)

	mock.ExpectExec(`INSERT INTO templates`).
		WithArgs(sqlmock.AnyArg(), tenant, "welcome", "sms", 1, false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := postJSON(t, app, http.MethodPost, "/v1/templates",
		`{"name":"welcome","channel":"sms","active":false,"content":{"body":"Hi"}}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTemplatePersistsVendorMetadata(t *testing.T) {
	tenant := uuid.New()
	app, mock := templateApp(t, tenant)

	mock.ExpectExec(`INSERT INTO templates`).
		WithArgs(sqlmock.AnyArg(), tenant, "welcome", "email", 1, true,
			sqlmock.AnyArg(), []byte(`{"sendgrid":{"template_id":"d-123"}}`),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := postJSON(t, app, http.MethodPost, "/v1/templates",
		`{"name":"welcome","channel":"email",
		  "content":{"subject":"Hello","text":"Hi"},
		  "vendor_metadata":{"sendgrid":{"template_id":"d-123"}}}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created templates.Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Contains(t, created.VendorMetadata, "sendgrid")
	assert.JSONEq(t, `{"template_id":"d-123"}`, string(created.VendorMetadata["sendgrid"]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTemplateKeepsActiveAndMetadata(t *testing.T) {
	tenant := uuid.New()
	app, mock := templateApp(t, tenant)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "name", "channel", "version", "active",
			"content", "vendor_metadata", "created_at", "updated_at",
		}).AddRow(id, tenant, "welcome", "sms", 1, true,
			[]byte(`{"body":"Hi"}`), []byte(`{"telnyx":{"profile":"p1"}}`), now, now))

	// The update carries the stored active flag and metadata when the
	// request omits them.
	mock.ExpectExec(`UPDATE templates\s+SET version = version \+ 1`).
		WithArgs(id, 1, true, sqlmock.AnyArg(),
			[]byte(`{"telnyx":{"profile":"p1"}}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := postJSON(t, app, http.MethodPut, "/v1/templates/"+id.String(),
		`{"content":{"body":"Hello {{name}}"},"version":1}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var updated templates.Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.True(t, updated.Active)
	assert.Equal(t, 2, updated.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTemplateCanDeactivate(t *testing.T) {
	tenant := uuid.New()
	app, mock := templateApp(t, tenant)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "name", "channel", "version", "active",
			"content", "vendor_metadata", "created_at", "updated_at",
		}).AddRow(id, tenant, "welcome", "sms", 3, true,
			[]byte(`{"body":"Hi"}`), nil, now, now))

	mock.ExpectExec(`UPDATE templates\s+SET version = version \+ 1`).
		WithArgs(id, 3, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := postJSON(t, app, http.MethodPut, "/v1/templates/"+id.String(),
		`{"content":{"body":"Hi"},"active":false,"version":3}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
