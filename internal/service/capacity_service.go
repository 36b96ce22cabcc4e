package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

// CapacityService answers read-only slot availability questions.
// Admission never relies on it; the store re-checks capacity atomically.
type CapacityService interface {
	GetCapacity(ctx context.Context, area string) (*domain.AreaCapacity, error)
}

type capacityService struct {
	store repository.PlacementStore
}

// NewCapacityService creates a new capacity service
func NewCapacityService(store repository.PlacementStore) CapacityService {
	return &capacityService{store: store}
}

func (s *capacityService) GetCapacity(ctx context.Context, area string) (*domain.AreaCapacity, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.capacity.get")
	defer span.End()

	area = strings.TrimSpace(area)
	if area == "" {
		span.SetStatus(codes.Error, "invalid area")
		return nil, domain.ErrInvalidArea
	}
	span.SetAttributes(attribute.String("area", area))

	c, err := s.store.Capacity(ctx, area)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("total_count", c.TotalCount),
		attribute.Int("pending_count", c.PendingCount),
	)
	span.SetStatus(codes.Ok, "")
	return c, nil
}
