package store

import (
	"testing"

	"tokenflow/dispatch-service/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from  models.TokenStatus
		to    models.TokenStatus
		valid bool
	}{
		{models.StatusWaiting, models.StatusCalled, true},
		{models.StatusWaiting, models.StatusCancelled, true},
		{models.StatusWaiting, models.StatusServing, false},
		{models.StatusWaiting, models.StatusCompleted, false},
		{models.StatusCalled, models.StatusServing, true},
		{models.StatusCalled, models.StatusCompleted, true},
		{models.StatusCalled, models.StatusNoShow, true},
		{models.StatusCalled, models.StatusCalled, true},
		{models.StatusCalled, models.StatusCancelled, false},
		{models.StatusServing, models.StatusCompleted, true},
		{models.StatusServing, models.StatusNoShow, false},
		{models.StatusServing, models.StatusWaiting, false},
		{models.StatusNoShow, models.StatusWaiting, true},
		{models.StatusNoShow, models.StatusCalled, false},
		{models.StatusCompleted, models.StatusWaiting, false},
		{models.StatusCompleted, models.StatusCalled, false},
		{models.StatusCancelled, models.StatusWaiting, false},
		{models.StatusCancelled, models.StatusCancelled, false},
	}

	for _, tt := range cases {
		if got := CanTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("CanTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []models.TokenStatus{
		models.StatusWaiting, models.StatusCalled, models.StatusServing,
		models.StatusCompleted, models.StatusNoShow, models.StatusCancelled,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal status %q must not transition to %q", from, to)
			}
		}
	}
}
