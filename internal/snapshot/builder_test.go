package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/registry"
	"tokenflow/dispatch-service/internal/store"
	"tokenflow/dispatch-service/internal/store/memory"
)

func newFixture(t *testing.T) (*Builder, *memory.Store, *registry.MemoryRegistry, time.Time) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	reg.AddServiceType(models.ServiceType{ServiceTypeID: "st-general", Name: "General", Code: "A", PriorityWeight: 1})
	reg.AddServiceType(models.ServiceType{ServiceTypeID: "st-priority", Name: "Priority", Code: "P", PriorityWeight: 10})
	reg.AddCounter(models.Counter{CounterID: "counter-1", Name: "Counter 1", IsActive: true})
	reg.AddCounter(models.Counter{CounterID: "counter-2", Name: "Counter 2", IsActive: true})
	reg.AddCounter(models.Counter{CounterID: "counter-off", Name: "Closed", IsActive: false})

	tokens := memory.NewStore(reg)
	builder := NewBuilder(tokens, reg, reg, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return now }
	return builder, tokens, reg, now
}

func mustCreate(t *testing.T, tokens *memory.Store, serviceTypeID string, priority int, createdAt time.Time) models.Token {
	t.Helper()
	token, err := tokens.CreateToken(context.Background(), store.CreateTokenInput{
		ServiceTypeID: serviceTypeID,
		Priority:      priority,
		CreatedAt:     createdAt,
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return token
}

func mustTransition(t *testing.T, tokens *memory.Store, tokenID string, from, to models.TokenStatus, update store.StatusUpdate) models.Token {
	t.Helper()
	token, err := tokens.CompareAndSetStatus(context.Background(), tokenID, from, to, update)
	if err != nil {
		t.Fatalf("transition %s %s->%s: %v", tokenID, from, to, err)
	}
	return token
}

func TestBuildCounterViews(t *testing.T) {
	builder, tokens, _, now := newFixture(t)
	ctx := context.Background()
	base := now.Add(-time.Hour)

	w1 := mustCreate(t, tokens, "st-general", 0, base)
	mustCreate(t, tokens, "st-general", 0, base.Add(time.Minute))
	w3 := mustCreate(t, tokens, "st-priority", 0, base.Add(2*time.Minute))
	mustCreate(t, tokens, "st-general", 0, base.Add(3*time.Minute))

	counter1 := "counter-1"
	calledAt := base.Add(10 * time.Minute)
	serving := mustCreate(t, tokens, "st-general", 0, base.Add(-time.Minute))
	mustTransition(t, tokens, serving.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{CounterID: &counter1, CalledAt: &calledAt})
	startedAt := calledAt.Add(time.Minute)
	mustTransition(t, tokens, serving.TokenID, models.StatusCalled, models.StatusServing, store.StatusUpdate{ServingStartedAt: &startedAt})

	missed := mustCreate(t, tokens, "st-general", 0, base.Add(-2*time.Minute))
	mustTransition(t, tokens, missed.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{CounterID: &counter1, CalledAt: &calledAt})
	noShowAt := calledAt.Add(5 * time.Minute)
	mustTransition(t, tokens, missed.TokenID, models.StatusCalled, models.StatusNoShow, store.StatusUpdate{NoShowAt: &noShowAt})

	built, err := builder.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(built.Counters) != 2 {
		t.Fatalf("snapshot has %d counters, want 2 active", len(built.Counters))
	}
	if _, ok := built.CounterView("counter-off"); ok {
		t.Fatal("inactive counter present in snapshot")
	}

	view, ok := built.CounterView("counter-1")
	if !ok {
		t.Fatal("counter-1 missing from snapshot")
	}
	if view.CurrentServing == nil || view.CurrentServing.TokenID != serving.TokenID {
		t.Fatal("current_serving not the serving token")
	}
	if len(view.NoShow) != 1 || view.NoShow[0].TokenID != missed.TokenID {
		t.Fatal("no_show list not populated from the counter's missed token")
	}

	// Depth 2: weighted token first, then the oldest general token.
	if len(view.NextInQueue) != 2 {
		t.Fatalf("next_in_queue depth = %d, want 2", len(view.NextInQueue))
	}
	if view.NextInQueue[0].TokenID != w3.TokenID || view.NextInQueue[1].TokenID != w1.TokenID {
		t.Fatalf("next_in_queue order = [%s %s], want [%s %s]",
			view.NextInQueue[0].TokenID, view.NextInQueue[1].TokenID, w3.TokenID, w1.TokenID)
	}

	other, ok := built.CounterView("counter-2")
	if !ok {
		t.Fatal("counter-2 missing from snapshot")
	}
	if other.CurrentServing != nil {
		t.Fatal("idle counter reports a current_serving token")
	}
	if len(other.NoShow) != 0 {
		t.Fatal("idle counter reports no_show tokens from another counter")
	}
}

func TestBuildRespectsPriorityFilter(t *testing.T) {
	builder, tokens, reg, now := newFixture(t)
	ctx := context.Background()

	if _, err := reg.SetPriorityFilter(ctx, "counter-1", []string{"st-priority"}); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	mustCreate(t, tokens, "st-general", 0, now.Add(-time.Minute))
	wanted := mustCreate(t, tokens, "st-priority", 0, now.Add(-time.Minute))

	built, err := builder.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	view, _ := built.CounterView("counter-1")
	if len(view.NextInQueue) != 1 || view.NextInQueue[0].TokenID != wanted.TokenID {
		t.Fatal("filtered counter queue not limited to its service types")
	}
	unfiltered, _ := built.CounterView("counter-2")
	if len(unfiltered.NextInQueue) != 2 {
		t.Fatalf("unfiltered counter sees %d tokens, want 2", len(unfiltered.NextInQueue))
	}
}

func TestBuildGlobalStats(t *testing.T) {
	builder, tokens, _, now := newFixture(t)
	ctx := context.Background()
	midnight := now.Truncate(24 * time.Hour)

	mustCreate(t, tokens, "st-general", 0, now.Add(-time.Minute))
	mustCreate(t, tokens, "st-general", 0, now.Add(-time.Minute))

	counter1 := "counter-1"
	inService := mustCreate(t, tokens, "st-general", 0, now.Add(-30*time.Minute))
	calledAt := now.Add(-20 * time.Minute)
	mustTransition(t, tokens, inService.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{CounterID: &counter1, CalledAt: &calledAt})

	// Completed today after a 10 minute wait.
	doneToday := mustCreate(t, tokens, "st-general", 0, midnight.Add(time.Hour))
	todayCalled := midnight.Add(time.Hour + 10*time.Minute)
	todayDone := midnight.Add(2 * time.Hour)
	counter2 := "counter-2"
	mustTransition(t, tokens, doneToday.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{CounterID: &counter2, CalledAt: &todayCalled})
	mustTransition(t, tokens, doneToday.TokenID, models.StatusCalled, models.StatusCompleted, store.StatusUpdate{CompletedAt: &todayDone})

	// Completed yesterday, excluded from today's stats.
	doneYesterday := mustCreate(t, tokens, "st-general", 0, midnight.Add(-3*time.Hour))
	yCalled := midnight.Add(-2 * time.Hour)
	yDone := midnight.Add(-time.Hour)
	mustTransition(t, tokens, doneYesterday.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{CounterID: &counter2, CalledAt: &yCalled})
	mustTransition(t, tokens, doneYesterday.TokenID, models.StatusCalled, models.StatusCompleted, store.StatusUpdate{CompletedAt: &yDone})

	built, err := builder.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	stats := built.Stats
	if stats.Waiting != 2 {
		t.Fatalf("waiting = %d, want 2", stats.Waiting)
	}
	if stats.InService != 1 {
		t.Fatalf("in_service = %d, want 1", stats.InService)
	}
	if stats.CompletedToday != 1 {
		t.Fatalf("completed_today = %d, want 1", stats.CompletedToday)
	}
	if want := (10 * time.Minute).Seconds(); stats.AvgWaitSeconds != want {
		t.Fatalf("avg_wait_seconds = %v, want %v", stats.AvgWaitSeconds, want)
	}
}

func TestBuildDeterministic(t *testing.T) {
	builder, tokens, _, now := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreate(t, tokens, "st-general", i%2, now.Add(time.Duration(-i)*time.Minute))
	}

	first, err := builder.Build(ctx)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := builder.Build(ctx)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	a, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("repeated builds differ:\n%s\n%s", a, b)
	}
}
