package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
)

// MissingCounter records placeholders that rendered empty because the
// context lacked a value. Wired to the prometheus counter by the caller.
type MissingCounter func(templateID string, count int)

// Service is the template layer: cache-aside reads with single-flight,
// channel-shaped rendering, versioned writes with cross-host cache
// invalidation over redis pub/sub.
type Service struct {
	store   *Store
	redis   *db.RedisClient
	cache   *cache
	flight  singleflight.Group
	logger  *zap.Logger
	missing MissingCounter
}

func NewService(store *Store, redis *db.RedisClient, cacheTTL time.Duration, missing MissingCounter, logger *zap.Logger) *Service {
	if missing == nil {
		missing = func(string, int) {}
	}
	return &Service{
		store:   store,
		redis:   redis,
		cache:   newCache(cacheTTL),
		logger:  logger,
		missing: missing,
	}
}

// Start runs the cross-host invalidation watcher until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go watchInvalidations(ctx, s.redis, s.cache, s.logger)
}

// Get returns a template by id via cache-aside. Misses are single-flighted
// so one store read serves all concurrent callers of the same key.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Template, error) {
	key := idKey(id.String())
	if t, hit := s.cache.get(key); hit {
		if t == nil {
			return nil, notifications.NewError(notifications.KindTemplateNotFound, "template not found", notifications.ErrNotFound)
		}
		return t, nil
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		t, err := s.store.GetByID(ctx, id)
		if errors.Is(err, notifications.ErrNotFound) {
			s.cache.put(key, nil)
			return nil, notifications.NewError(notifications.KindTemplateNotFound, "template not found", err)
		}
		if err != nil {
			return nil, err
		}
		s.cache.put(key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// GetByName returns the latest active version of a named template.
func (s *Service) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*Template, error) {
	key := nameKey(tenantID.String(), name)
	if t, hit := s.cache.get(key); hit {
		if t == nil {
			return nil, notifications.NewError(notifications.KindTemplateNotFound, "template not found", notifications.ErrNotFound)
		}
		return t, nil
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		t, err := s.store.FindByName(ctx, tenantID, name)
		if errors.Is(err, notifications.ErrNotFound) {
			s.cache.put(key, nil)
			return nil, notifications.NewError(notifications.KindTemplateNotFound, "template not found", err)
		}
		if err != nil {
			return nil, err
		}
		s.cache.put(key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// Render fetches a template and substitutes context into its channel
// content. The output depends only on (template version, context).
func (s *Service) Render(ctx context.Context, id uuid.UUID, context_ map[string]any) (*Rendered, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rendered, missingCount := render(t, context_)
	if missingCount > 0 {
		s.missing(id.String(), missingCount)
		s.logger.Debug("render with missing placeholders",
			zap.String("template_id", id.String()),
			zap.Int("missing", missingCount))
	}

	if t.Channel == notifications.ChannelSMS && len(rendered.Body) > MaxSMSBodyLength {
		return nil, notifications.NewError(notifications.KindTemplateInvalid,
			fmt.Sprintf("rendered sms body exceeds %d characters", MaxSMSBodyLength), nil)
	}
	return rendered, nil
}

// Create persists a new template at version 1.
func (s *Service) Create(ctx context.Context, t *Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Version = 1
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	return s.store.Create(ctx, t)
}

// Update bumps the version under compare-and-set and invalidates the
// cache entries keyed by id and by name, locally and across hosts.
func (s *Service) Update(ctx context.Context, t *Template, expectedVersion int) error {
	if err := s.store.Update(ctx, t, expectedVersion); err != nil {
		return err
	}

	s.cache.invalidate(idKey(t.ID.String()), nameKey(t.TenantID.String(), t.Name))

	payload, err := json.Marshal(invalidation{
		TemplateID: t.ID.String(),
		TenantID:   t.TenantID.String(),
		Name:       t.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := s.redis.Publish(ctx, InvalidateChannel, payload).Err(); err != nil {
		// Remote caches converge via TTL if the publish is lost
		s.logger.Warn("failed to publish template invalidation", zap.Error(err))
	}
	return nil
}
