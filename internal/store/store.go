package store

import (
	"context"
	"time"

	"tokenflow/dispatch-service/internal/models"
)

type CreateTokenInput struct {
	ServiceTypeID string
	Priority      int
	Notes         string
	CreatedAt     time.Time
}

// StatusUpdate carries the field changes applied together with a status
// transition. Nil pointers leave the field untouched; ClearCounter resets the
// counter binding when a token leaves a counter.
type StatusUpdate struct {
	CounterID        *string
	ServedBy         *string
	ClearCounter     bool
	CalledAt         *time.Time
	ServingStartedAt *time.Time
	CompletedAt      *time.Time
	NoShowAt         *time.Time
	Notes            *string
}

// TokenFilter selects tokens for ListTokens. Zero values match everything.
// Results are always ordered by (created_at, token_id) ascending so listing
// is deterministic.
type TokenFilter struct {
	Statuses       []models.TokenStatus
	ServiceTypeIDs []string
	CounterID      string
	CalledBefore   time.Time
	CreatedAfter   time.Time
}

// TokenStore is the authoritative token table. CompareAndSetStatus is the
// sole mutation entry point after creation: exactly one caller out of any set
// racing on the same token observes success, the rest get ErrConflict.
type TokenStore interface {
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	CompareAndSetStatus(ctx context.Context, tokenID string, expected, next models.TokenStatus, update StatusUpdate) (models.Token, error)
	ListTokens(ctx context.Context, filter TokenFilter) ([]models.Token, error)
}

// ServiceTypeSource resolves the service-type descriptor a token references.
// Token stores use it to format queue numbers from the type code.
type ServiceTypeSource interface {
	GetServiceType(ctx context.Context, serviceTypeID string) (models.ServiceType, error)
}

func (f TokenFilter) MatchStatus(status models.TokenStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (f TokenFilter) MatchServiceType(serviceTypeID string) bool {
	if len(f.ServiceTypeIDs) == 0 {
		return true
	}
	for _, id := range f.ServiceTypeIDs {
		if id == serviceTypeID {
			return true
		}
	}
	return false
}
