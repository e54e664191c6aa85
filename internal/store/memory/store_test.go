package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/store"
)

type fakeTypes struct{}

func (fakeTypes) GetServiceType(ctx context.Context, serviceTypeID string) (models.ServiceType, error) {
	switch serviceTypeID {
	case "st-general":
		return models.ServiceType{ServiceTypeID: "st-general", Code: "A"}, nil
	case "st-priority":
		return models.ServiceType{ServiceTypeID: "st-priority", Code: "P"}, nil
	}
	return models.ServiceType{}, store.ErrServiceTypeNotFound
}

func TestCreateTokenAssignsSequentialNumbers(t *testing.T) {
	s := NewStore(fakeTypes{})
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general", CreatedAt: day})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general", CreatedAt: day})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-priority", CreatedAt: day})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	nextDay, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general", CreatedAt: day.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if first.Number != "A-001" || second.Number != "A-002" {
		t.Fatalf("same-day numbers %s, %s; want A-001, A-002", first.Number, second.Number)
	}
	if other.Number != "P-001" {
		t.Fatalf("other type number %s, want P-001", other.Number)
	}
	if nextDay.Number != "A-001" {
		t.Fatalf("next-day number %s, want sequence reset to A-001", nextDay.Number)
	}
	if first.Status != models.StatusWaiting {
		t.Fatalf("new token status = %s, want waiting", first.Status)
	}
}

func TestCreateTokenUnknownServiceType(t *testing.T) {
	s := NewStore(fakeTypes{})
	_, err := s.CreateToken(context.Background(), store.CreateTokenInput{ServiceTypeID: "st-missing"})
	if !errors.Is(err, store.ErrServiceTypeNotFound) {
		t.Fatalf("expected ErrServiceTypeNotFound, got %v", err)
	}
}

func TestCompareAndSetStatusExactlyOneWinner(t *testing.T) {
	s := NewStore(fakeTypes{})
	ctx := context.Background()

	token, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counterID := "counter-" + string(rune('a'+i))
			calledAt := time.Now().UTC()
			_, errs[i] = s.CompareAndSetStatus(ctx, token.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{
				CounterID: &counterID,
				CalledAt:  &calledAt,
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, store.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("%d racers won the compare-and-set, want exactly 1", winners)
	}
}

func TestCompareAndSetStatusRejectsInvalidTransition(t *testing.T) {
	s := NewStore(fakeTypes{})
	ctx := context.Background()

	token, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = s.CompareAndSetStatus(ctx, token.TokenID, models.StatusWaiting, models.StatusServing, store.StatusUpdate{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	stored, err := s.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusWaiting {
		t.Fatalf("rejected transition mutated status to %s", stored.Status)
	}
}

func TestCompareAndSetStatusUnknownToken(t *testing.T) {
	s := NewStore(fakeTypes{})
	_, err := s.CompareAndSetStatus(context.Background(), "nope", models.StatusWaiting, models.StatusCalled, store.StatusUpdate{})
	if !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewStore(fakeTypes{})
	ctx := context.Background()

	token, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	counterID := "counter-1"
	calledAt := time.Now().UTC()
	called, err := s.CompareAndSetStatus(ctx, token.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{
		CounterID: &counterID,
		CalledAt:  &calledAt,
	})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	*called.CounterID = "tampered"
	called.Status = models.StatusCompleted

	stored, err := s.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *stored.CounterID != "counter-1" || stored.Status != models.StatusCalled {
		t.Fatal("mutating a returned token leaked into the store")
	}
}

func TestListTokensFiltersAndOrders(t *testing.T) {
	s := NewStore(fakeTypes{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	late, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general", CreatedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	early, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-general", CreatedAt: base})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	priority, err := s.CreateToken(ctx, store.CreateTokenInput{ServiceTypeID: "st-priority", CreatedAt: base})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	counterID := "counter-1"
	calledAt := base.Add(2 * time.Minute)
	if _, err := s.CompareAndSetStatus(ctx, priority.TokenID, models.StatusWaiting, models.StatusCalled, store.StatusUpdate{
		CounterID: &counterID,
		CalledAt:  &calledAt,
	}); err != nil {
		t.Fatalf("cas: %v", err)
	}

	waiting, err := s.ListTokens(ctx, store.TokenFilter{Statuses: []models.TokenStatus{models.StatusWaiting}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("waiting count = %d, want 2", len(waiting))
	}
	if waiting[0].TokenID != early.TokenID || waiting[1].TokenID != late.TokenID {
		t.Fatal("listing not ordered by created_at")
	}

	byCounter, err := s.ListTokens(ctx, store.TokenFilter{CounterID: "counter-1"})
	if err != nil {
		t.Fatalf("list by counter: %v", err)
	}
	if len(byCounter) != 1 || byCounter[0].TokenID != priority.TokenID {
		t.Fatal("counter filter missed the called token")
	}

	stale, err := s.ListTokens(ctx, store.TokenFilter{
		Statuses:     []models.TokenStatus{models.StatusCalled},
		CalledBefore: calledAt.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("called-before filter matched %d tokens, want 1", len(stale))
	}
}
