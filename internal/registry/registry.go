package registry

import (
	"context"
	"errors"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/store"
)

var (
	ErrCounterNotFound      = errors.New("counter not found")
	ErrStaffAlreadyAssigned = errors.New("staff already assigned to another counter")

	// ErrServiceTypeNotFound is shared with the token store so callers map a
	// single sentinel regardless of which layer rejected the reference.
	ErrServiceTypeNotFound = store.ErrServiceTypeNotFound
)

// CounterRegistry tracks service points. The dispatch engine only reads
// counter state; assignment and filter updates arrive from the admin surface.
// AssignStaff enforces that a staff ID appears on at most one active counter.
type CounterRegistry interface {
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	AssignStaff(ctx context.Context, counterID, staffID string) (models.Counter, error)
	ReleaseStaff(ctx context.Context, counterID string) (models.Counter, error)
	SetPriorityFilter(ctx context.Context, counterID string, serviceTypeIDs []string) (models.Counter, error)
	SetActive(ctx context.Context, counterID string, active bool) (models.Counter, error)
}

// ServiceTypeDirectory is the externally-managed service-type configuration:
// priority weights, queue-number codes, average service times.
type ServiceTypeDirectory interface {
	GetServiceType(ctx context.Context, serviceTypeID string) (models.ServiceType, error)
	ListServiceTypes(ctx context.Context) ([]models.ServiceType, error)
}
