package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/store"

	"github.com/google/uuid"
)

const numberPad = 3

// Store is an in-memory TokenStore. A single mutex serializes all access, so
// CompareAndSetStatus is atomic with respect to concurrent callers and reads
// observe a consistent point-in-time state. All returned tokens are copies;
// callers never share memory with the store.
type Store struct {
	mu        sync.Mutex
	tokens    map[string]*models.Token
	sequences map[string]int64
	types     store.ServiceTypeSource
}

func NewStore(types store.ServiceTypeSource) *Store {
	return &Store{
		tokens:    make(map[string]*models.Token),
		sequences: make(map[string]int64),
		types:     types,
	}
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	serviceType, err := s.types.GetServiceType(ctx, input.ServiceTypeID)
	if err != nil {
		return models.Token{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqKey := serviceType.ServiceTypeID + "/" + createdAt.UTC().Format("2006-01-02")
	s.sequences[seqKey]++

	token := &models.Token{
		TokenID:       uuid.NewString(),
		Number:        fmt.Sprintf("%s-%0*d", serviceType.Code, numberPad, s.sequences[seqKey]),
		ServiceTypeID: input.ServiceTypeID,
		Priority:      input.Priority,
		Status:        models.StatusWaiting,
		CreatedAt:     createdAt,
		Notes:         input.Notes,
	}
	s.tokens[token.TokenID] = token
	return copyToken(token), nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return copyToken(token), nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, tokenID string, expected, next models.TokenStatus, update store.StatusUpdate) (models.Token, error) {
	if !store.CanTransition(expected, next) {
		return models.Token{}, store.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if token.Status != expected {
		return models.Token{}, store.ErrConflict
	}

	token.Status = next
	if update.ClearCounter {
		token.CounterID = nil
		token.ServedBy = nil
	}
	if update.CounterID != nil {
		value := *update.CounterID
		token.CounterID = &value
	}
	if update.ServedBy != nil {
		value := *update.ServedBy
		token.ServedBy = &value
	}
	if update.CalledAt != nil {
		value := *update.CalledAt
		token.CalledAt = &value
	}
	if update.ServingStartedAt != nil {
		value := *update.ServingStartedAt
		token.ServingStartedAt = &value
	}
	if update.CompletedAt != nil {
		value := *update.CompletedAt
		token.CompletedAt = &value
	}
	if update.NoShowAt != nil {
		value := *update.NoShowAt
		token.NoShowAt = &value
	}
	if update.Notes != nil {
		token.Notes = *update.Notes
	}
	return copyToken(token), nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []models.Token
	for _, token := range s.tokens {
		if !filter.MatchStatus(token.Status) {
			continue
		}
		if !filter.MatchServiceType(token.ServiceTypeID) {
			continue
		}
		if filter.CounterID != "" {
			if token.CounterID == nil || *token.CounterID != filter.CounterID {
				continue
			}
		}
		if !filter.CalledBefore.IsZero() {
			if token.CalledAt == nil || !token.CalledAt.Before(filter.CalledBefore) {
				continue
			}
		}
		if !filter.CreatedAfter.IsZero() && !token.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		tokens = append(tokens, copyToken(token))
	}

	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		}
		return tokens[i].TokenID < tokens[j].TokenID
	})
	return tokens, nil
}

func copyToken(token *models.Token) models.Token {
	out := *token
	out.CounterID = copyString(token.CounterID)
	out.ServedBy = copyString(token.ServedBy)
	out.CalledAt = copyTime(token.CalledAt)
	out.ServingStartedAt = copyTime(token.ServingStartedAt)
	out.CompletedAt = copyTime(token.CompletedAt)
	out.NoShowAt = copyTime(token.NoShowAt)
	return out
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	out := *value
	return &out
}
