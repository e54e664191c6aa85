package registry

import (
	"context"
	"sort"
	"sync"

	"tokenflow/dispatch-service/internal/models"
)

// MemoryRegistry is a mutex-protected CounterRegistry and
// ServiceTypeDirectory backed by maps. Counters and service types are seeded
// at startup; the engine itself never creates or deletes them.
type MemoryRegistry struct {
	mu       sync.Mutex
	counters map[string]*models.Counter
	types    map[string]*models.ServiceType
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		counters: make(map[string]*models.Counter),
		types:    make(map[string]*models.ServiceType),
	}
}

func (r *MemoryRegistry) AddCounter(counter models.Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := counter
	stored.PriorityFilter = append([]string(nil), counter.PriorityFilter...)
	r.counters[counter.CounterID] = &stored
}

func (r *MemoryRegistry) AddServiceType(serviceType models.ServiceType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := serviceType
	r.types[serviceType.ServiceTypeID] = &stored
}

func (r *MemoryRegistry) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counter, ok := r.counters[counterID]
	if !ok {
		return models.Counter{}, ErrCounterNotFound
	}
	return copyCounter(counter), nil
}

func (r *MemoryRegistry) ListCounters(ctx context.Context) ([]models.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counters := make([]models.Counter, 0, len(r.counters))
	for _, counter := range r.counters {
		counters = append(counters, copyCounter(counter))
	}
	sort.Slice(counters, func(i, j int) bool {
		if counters[i].Name != counters[j].Name {
			return counters[i].Name < counters[j].Name
		}
		return counters[i].CounterID < counters[j].CounterID
	})
	return counters, nil
}

func (r *MemoryRegistry) AssignStaff(ctx context.Context, counterID, staffID string) (models.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[counterID]
	if !ok {
		return models.Counter{}, ErrCounterNotFound
	}
	for id, other := range r.counters {
		if id == counterID || !other.IsActive {
			continue
		}
		if other.AssignedStaffID != nil && *other.AssignedStaffID == staffID {
			return models.Counter{}, ErrStaffAlreadyAssigned
		}
	}
	counter.AssignedStaffID = &staffID
	return copyCounter(counter), nil
}

func (r *MemoryRegistry) ReleaseStaff(ctx context.Context, counterID string) (models.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[counterID]
	if !ok {
		return models.Counter{}, ErrCounterNotFound
	}
	counter.AssignedStaffID = nil
	return copyCounter(counter), nil
}

func (r *MemoryRegistry) SetPriorityFilter(ctx context.Context, counterID string, serviceTypeIDs []string) (models.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[counterID]
	if !ok {
		return models.Counter{}, ErrCounterNotFound
	}
	for _, id := range serviceTypeIDs {
		if _, ok := r.types[id]; !ok {
			return models.Counter{}, ErrServiceTypeNotFound
		}
	}
	counter.PriorityFilter = append([]string(nil), serviceTypeIDs...)
	return copyCounter(counter), nil
}

func (r *MemoryRegistry) SetActive(ctx context.Context, counterID string, active bool) (models.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[counterID]
	if !ok {
		return models.Counter{}, ErrCounterNotFound
	}
	counter.IsActive = active
	return copyCounter(counter), nil
}

func (r *MemoryRegistry) GetServiceType(ctx context.Context, serviceTypeID string) (models.ServiceType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	serviceType, ok := r.types[serviceTypeID]
	if !ok {
		return models.ServiceType{}, ErrServiceTypeNotFound
	}
	return *serviceType, nil
}

func (r *MemoryRegistry) ListServiceTypes(ctx context.Context) ([]models.ServiceType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]models.ServiceType, 0, len(r.types))
	for _, serviceType := range r.types {
		types = append(types, *serviceType)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i].ServiceTypeID < types[j].ServiceTypeID
	})
	return types, nil
}

func copyCounter(counter *models.Counter) models.Counter {
	out := *counter
	if counter.AssignedStaffID != nil {
		staffID := *counter.AssignedStaffID
		out.AssignedStaffID = &staffID
	}
	out.PriorityFilter = append([]string(nil), counter.PriorityFilter...)
	return out
}
