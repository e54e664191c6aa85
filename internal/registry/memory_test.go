package registry

import (
	"context"
	"errors"
	"testing"

	"tokenflow/dispatch-service/internal/models"
)

func newSeededRegistry() *MemoryRegistry {
	reg := NewMemoryRegistry()
	reg.AddServiceType(models.ServiceType{ServiceTypeID: "st-general", Name: "General", Code: "A"})
	reg.AddCounter(models.Counter{CounterID: "counter-1", Name: "Counter 1", IsActive: true})
	reg.AddCounter(models.Counter{CounterID: "counter-2", Name: "Counter 2", IsActive: true})
	return reg
}

func TestAssignStaffUniqueAcrossActiveCounters(t *testing.T) {
	reg := newSeededRegistry()
	ctx := context.Background()

	counter, err := reg.AssignStaff(ctx, "counter-1", "staff-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if counter.AssignedStaffID == nil || *counter.AssignedStaffID != "staff-1" {
		t.Fatal("assignment not recorded")
	}

	if _, err := reg.AssignStaff(ctx, "counter-2", "staff-1"); !errors.Is(err, ErrStaffAlreadyAssigned) {
		t.Fatalf("expected ErrStaffAlreadyAssigned, got %v", err)
	}

	// Re-assigning the same counter is allowed.
	if _, err := reg.AssignStaff(ctx, "counter-1", "staff-1"); err != nil {
		t.Fatalf("re-assign same counter: %v", err)
	}

	// Releasing frees the staff ID for another counter.
	if _, err := reg.ReleaseStaff(ctx, "counter-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := reg.AssignStaff(ctx, "counter-2", "staff-1"); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
}

func TestAssignStaffIgnoresInactiveCounters(t *testing.T) {
	reg := newSeededRegistry()
	ctx := context.Background()

	if _, err := reg.AssignStaff(ctx, "counter-1", "staff-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := reg.SetActive(ctx, "counter-1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := reg.AssignStaff(ctx, "counter-2", "staff-1"); err != nil {
		t.Fatalf("assign to active counter while holder inactive: %v", err)
	}
}

func TestSetPriorityFilterValidatesServiceTypes(t *testing.T) {
	reg := newSeededRegistry()
	ctx := context.Background()

	counter, err := reg.SetPriorityFilter(ctx, "counter-1", []string{"st-general"})
	if err != nil {
		t.Fatalf("set filter: %v", err)
	}
	if len(counter.PriorityFilter) != 1 || counter.PriorityFilter[0] != "st-general" {
		t.Fatal("filter not stored")
	}

	if _, err := reg.SetPriorityFilter(ctx, "counter-1", []string{"st-missing"}); !errors.Is(err, ErrServiceTypeNotFound) {
		t.Fatalf("expected ErrServiceTypeNotFound, got %v", err)
	}
}

func TestUnknownCounter(t *testing.T) {
	reg := newSeededRegistry()
	ctx := context.Background()

	if _, err := reg.GetCounter(ctx, "nope"); !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("get: expected ErrCounterNotFound, got %v", err)
	}
	if _, err := reg.AssignStaff(ctx, "nope", "staff-1"); !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("assign: expected ErrCounterNotFound, got %v", err)
	}
	if _, err := reg.SetActive(ctx, "nope", true); !errors.Is(err, ErrCounterNotFound) {
		t.Fatalf("set active: expected ErrCounterNotFound, got %v", err)
	}
}

func TestListCountersSorted(t *testing.T) {
	reg := newSeededRegistry()
	reg.AddCounter(models.Counter{CounterID: "counter-0", Name: "Annex", IsActive: true})

	counters, err := reg.ListCounters(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(counters) != 3 {
		t.Fatalf("count = %d, want 3", len(counters))
	}
	if counters[0].Name != "Annex" {
		t.Fatalf("first counter %q, want sorted by name", counters[0].Name)
	}
}

func TestReturnedCountersAreCopies(t *testing.T) {
	reg := newSeededRegistry()
	ctx := context.Background()

	counter, err := reg.SetPriorityFilter(ctx, "counter-1", []string{"st-general"})
	if err != nil {
		t.Fatalf("set filter: %v", err)
	}
	counter.PriorityFilter[0] = "tampered"

	stored, err := reg.GetCounter(ctx, "counter-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PriorityFilter[0] != "st-general" {
		t.Fatal("mutating a returned counter leaked into the registry")
	}
}
