package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/registry"
	"tokenflow/dispatch-service/internal/store"
)

var (
	ErrNoTokensAvailable = errors.New("no tokens available")
	ErrTokenNotWaiting   = errors.New("token is not waiting")
	ErrCounterBusy       = errors.New("counter already has an active token")
	ErrCounterMismatch   = errors.New("token assigned to a different counter")
	ErrCounterInactive   = errors.New("counter is not active")
)

const defaultClaimRetryLimit = 3

// Notifier receives a change signal after every successful mutation. The
// scheduler never waits on delivery; implementations must not block.
type Notifier interface {
	QueueChanged(ctx context.Context, counterIDs ...string)
}

// Scheduler is the only component that mutates token state. Every transition
// goes through the store's compare-and-set, so racing callers on the same
// token resolve to exactly one winner. A per-counter lock additionally
// serializes claims for one counter, keeping the at-most-one-active-token
// invariant.
type Scheduler struct {
	tokens     store.TokenStore
	counters   registry.CounterRegistry
	types      registry.ServiceTypeDirectory
	notifier   Notifier
	retryLimit int
	now        func() time.Time

	claimMu sync.Map // counterID -> *sync.Mutex
}

type Options struct {
	ClaimRetryLimit int
	Notifier        Notifier
	Now             func() time.Time
}

func NewScheduler(tokens store.TokenStore, counters registry.CounterRegistry, types registry.ServiceTypeDirectory, options Options) *Scheduler {
	limit := options.ClaimRetryLimit
	if limit <= 0 {
		limit = defaultClaimRetryLimit
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		tokens:     tokens,
		counters:   counters,
		types:      types,
		notifier:   options.Notifier,
		retryLimit: limit,
		now:        now,
	}
}

// CreateToken admits a new waiting token. Number assignment happens in the
// store from the service-type code.
func (s *Scheduler) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	if input.CreatedAt.IsZero() {
		input.CreatedAt = s.now()
	}
	token, err := s.tokens.CreateToken(ctx, input)
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx)
	return token, nil
}

func (s *Scheduler) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return s.tokens.GetToken(ctx, tokenID)
}

// CallNext claims the highest-ranked eligible waiting token for the counter.
// A lost compare-and-set means another counter took the candidate first; the
// selection retries against the fresh waiting set up to the retry limit.
func (s *Scheduler) CallNext(ctx context.Context, counterID string) (models.Token, error) {
	unlock := s.lockCounter(counterID)
	defer unlock()

	counter, err := s.idleCounter(ctx, counterID)
	if err != nil {
		if errors.Is(err, ErrCounterBusy) {
			if active, ok := s.redeliveredCall(ctx, counterID, ""); ok {
				return active, nil
			}
		}
		return models.Token{}, err
	}

	weights, err := s.weights(ctx)
	if err != nil {
		return models.Token{}, err
	}

	for attempt := 0; attempt < s.retryLimit; attempt++ {
		waiting, err := s.tokens.ListTokens(ctx, store.TokenFilter{
			Statuses:       []models.TokenStatus{models.StatusWaiting},
			ServiceTypeIDs: counter.PriorityFilter,
		})
		if err != nil {
			return models.Token{}, err
		}
		candidate, ok := SelectNext(waiting, weights)
		if !ok {
			return models.Token{}, ErrNoTokensAvailable
		}

		token, err := s.claim(ctx, candidate.TokenID, counter)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return models.Token{}, err
		}
		s.notify(ctx, counterID)
		return token, nil
	}
	return models.Token{}, ErrNoTokensAvailable
}

// CallSpecific claims one named waiting token for the counter. Losing the
// race to another counter surfaces ErrTokenNotWaiting rather than retrying,
// since the caller asked for that exact token.
func (s *Scheduler) CallSpecific(ctx context.Context, tokenID, counterID string) (models.Token, error) {
	unlock := s.lockCounter(counterID)
	defer unlock()

	counter, err := s.idleCounter(ctx, counterID)
	if err != nil {
		if active, ok := s.redeliveredCall(ctx, counterID, tokenID); ok {
			return active, nil
		}
		return models.Token{}, err
	}

	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status != models.StatusWaiting {
		return models.Token{}, ErrTokenNotWaiting
	}

	claimed, err := s.claim(ctx, tokenID, counter)
	if errors.Is(err, store.ErrConflict) {
		return models.Token{}, ErrTokenNotWaiting
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx, counterID)
	return claimed, nil
}

// StartServing moves a called token to serving at its owning counter.
func (s *Scheduler) StartServing(ctx context.Context, tokenID, counterID string) (models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == models.StatusServing && ownedBy(token, counterID) {
		return token, nil
	}
	if token.CounterID != nil && *token.CounterID != counterID {
		return models.Token{}, ErrCounterMismatch
	}
	if token.Status != models.StatusCalled {
		return models.Token{}, store.ErrInvalidTransition
	}

	startedAt := s.now()
	updated, err := s.tokens.CompareAndSetStatus(ctx, tokenID, models.StatusCalled, models.StatusServing, store.StatusUpdate{
		ServingStartedAt: &startedAt,
	})
	if errors.Is(err, store.ErrConflict) {
		return s.settle(ctx, tokenID, models.StatusServing, counterID)
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx, counterID)
	return updated, nil
}

// Complete finishes a called or serving token. A second complete of an
// already-completed token is a no-op success with completedAt untouched.
func (s *Scheduler) Complete(ctx context.Context, tokenID, notes string) (models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == models.StatusCompleted {
		return token, nil
	}
	if token.Status != models.StatusCalled && token.Status != models.StatusServing {
		return models.Token{}, store.ErrInvalidTransition
	}

	completedAt := s.now()
	update := store.StatusUpdate{CompletedAt: &completedAt}
	if notes != "" {
		update.Notes = &notes
	}
	updated, err := s.tokens.CompareAndSetStatus(ctx, tokenID, token.Status, models.StatusCompleted, update)
	if errors.Is(err, store.ErrConflict) {
		return s.settle(ctx, tokenID, models.StatusCompleted, "")
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx, counterOf(token))
	return updated, nil
}

// NoShow marks a called token whose customer did not appear. The token keeps
// its counter binding for the counter's no-show list; the counter itself is
// freed because only called/serving tokens occupy it.
func (s *Scheduler) NoShow(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == models.StatusNoShow {
		return token, nil
	}
	if token.Status != models.StatusCalled {
		return models.Token{}, store.ErrInvalidTransition
	}

	noShowAt := s.now()
	updated, err := s.tokens.CompareAndSetStatus(ctx, tokenID, models.StatusCalled, models.StatusNoShow, store.StatusUpdate{
		NoShowAt: &noShowAt,
	})
	if errors.Is(err, store.ErrConflict) {
		return s.settle(ctx, tokenID, models.StatusNoShow, "")
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx, counterOf(token))
	return updated, nil
}

// Recall returns a no-show token and immediately re-claims it for the
// recalling counter, bypassing the comparator. The token passes through
// waiting for one compare-and-set step; if another counter snatches it in
// that window the recall surfaces ErrTokenNotWaiting.
func (s *Scheduler) Recall(ctx context.Context, tokenID, counterID string) (models.Token, error) {
	unlock := s.lockCounter(counterID)
	defer unlock()

	counter, err := s.idleCounter(ctx, counterID)
	if err != nil {
		if active, ok := s.redeliveredCall(ctx, counterID, tokenID); ok {
			return active, nil
		}
		return models.Token{}, err
	}

	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status != models.StatusNoShow {
		return models.Token{}, store.ErrInvalidTransition
	}

	previousCounter := counterOf(token)
	if _, err = s.tokens.CompareAndSetStatus(ctx, tokenID, models.StatusNoShow, models.StatusWaiting, store.StatusUpdate{
		ClearCounter: true,
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.Token{}, ErrTokenNotWaiting
		}
		return models.Token{}, err
	}

	claimed, err := s.claim(ctx, tokenID, counter)
	if errors.Is(err, store.ErrConflict) {
		return models.Token{}, ErrTokenNotWaiting
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx, counterID, previousCounter)
	return claimed, nil
}

// RepeatAnnouncement refreshes calledAt on a called token and republishes.
// No state changes.
func (s *Scheduler) RepeatAnnouncement(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status != models.StatusCalled {
		return models.Token{}, store.ErrInvalidTransition
	}

	calledAt := s.now()
	updated, err := s.tokens.CompareAndSetStatus(ctx, tokenID, models.StatusCalled, models.StatusCalled, store.StatusUpdate{
		CalledAt: &calledAt,
	})
	if errors.Is(err, store.ErrConflict) {
		return models.Token{}, store.ErrInvalidTransition
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx, counterOf(token))
	return updated, nil
}

// Cancel removes a waiting token from the queue.
func (s *Scheduler) Cancel(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == models.StatusCancelled {
		return token, nil
	}
	if token.Status != models.StatusWaiting {
		return models.Token{}, store.ErrInvalidTransition
	}

	updated, err := s.tokens.CompareAndSetStatus(ctx, tokenID, models.StatusWaiting, models.StatusCancelled, store.StatusUpdate{})
	if errors.Is(err, store.ErrConflict) {
		return s.settle(ctx, tokenID, models.StatusCancelled, "")
	}
	if err != nil {
		return models.Token{}, err
	}
	s.notify(ctx)
	return updated, nil
}

// AutoNoShow sweeps tokens stuck in called past the grace period. Conflicts
// are skipped: a concurrent staff action on the token wins.
func (s *Scheduler) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	cutoff := s.now().Add(-grace)
	stale, err := s.tokens.ListTokens(ctx, store.TokenFilter{
		Statuses:     []models.TokenStatus{models.StatusCalled},
		CalledBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	var affected []string
	for _, token := range stale {
		if processed >= batchSize {
			break
		}
		noShowAt := s.now()
		if _, err := s.tokens.CompareAndSetStatus(ctx, token.TokenID, models.StatusCalled, models.StatusNoShow, store.StatusUpdate{
			NoShowAt: &noShowAt,
		}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return processed, err
		}
		processed++
		if counterID := counterOf(token); counterID != "" {
			affected = append(affected, counterID)
		}
	}
	if processed > 0 {
		s.notify(ctx, affected...)
	}
	return processed, nil
}

func (s *Scheduler) claim(ctx context.Context, tokenID string, counter models.Counter) (models.Token, error) {
	calledAt := s.now()
	update := store.StatusUpdate{
		CounterID: &counter.CounterID,
		CalledAt:  &calledAt,
	}
	if counter.AssignedStaffID != nil {
		update.ServedBy = counter.AssignedStaffID
	}
	return s.tokens.CompareAndSetStatus(ctx, tokenID, models.StatusWaiting, models.StatusCalled, update)
}

// idleCounter loads the counter and rejects dispatch when it is inactive or
// already holds an active token.
func (s *Scheduler) idleCounter(ctx context.Context, counterID string) (models.Counter, error) {
	counter, err := s.counters.GetCounter(ctx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if !counter.IsActive {
		return models.Counter{}, ErrCounterInactive
	}
	if _, found, err := s.activeToken(ctx, counterID); err != nil {
		return models.Counter{}, err
	} else if found {
		return models.Counter{}, ErrCounterBusy
	}
	return counter, nil
}

// redeliveredCall recognizes an at-least-once re-delivery: the counter's
// active token is already in called, and either no specific token was named
// or the named token is that one. The prior call achieved the target state,
// so the duplicate returns success.
func (s *Scheduler) redeliveredCall(ctx context.Context, counterID, tokenID string) (models.Token, bool) {
	active, found, err := s.activeToken(ctx, counterID)
	if err != nil || !found {
		return models.Token{}, false
	}
	if active.Status != models.StatusCalled {
		return models.Token{}, false
	}
	if tokenID != "" && active.TokenID != tokenID {
		return models.Token{}, false
	}
	return active, true
}

func (s *Scheduler) activeToken(ctx context.Context, counterID string) (models.Token, bool, error) {
	tokens, err := s.tokens.ListTokens(ctx, store.TokenFilter{
		Statuses:  []models.TokenStatus{models.StatusCalled, models.StatusServing},
		CounterID: counterID,
	})
	if err != nil {
		return models.Token{}, false, err
	}
	if len(tokens) == 0 {
		return models.Token{}, false, nil
	}
	return tokens[0], true, nil
}

// settle resolves a lost compare-and-set: if the token already reached the
// target (a duplicate of the same operation won), report success; anything
// else is an invalid transition.
func (s *Scheduler) settle(ctx context.Context, tokenID string, target models.TokenStatus, counterID string) (models.Token, error) {
	token, err := s.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if token.Status == target && (counterID == "" || ownedBy(token, counterID)) {
		return token, nil
	}
	return models.Token{}, store.ErrInvalidTransition
}

func (s *Scheduler) weights(ctx context.Context) (map[string]int, error) {
	types, err := s.types.ListServiceTypes(ctx)
	if err != nil {
		return nil, err
	}
	weights := make(map[string]int, len(types))
	for _, serviceType := range types {
		weights[serviceType.ServiceTypeID] = serviceType.PriorityWeight
	}
	return weights, nil
}

func (s *Scheduler) lockCounter(counterID string) func() {
	value, _ := s.claimMu.LoadOrStore(counterID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Scheduler) notify(ctx context.Context, counterIDs ...string) {
	if s.notifier == nil {
		return
	}
	s.notifier.QueueChanged(ctx, counterIDs...)
}

func ownedBy(token models.Token, counterID string) bool {
	return token.CounterID != nil && *token.CounterID == counterID
}

func counterOf(token models.Token) string {
	if token.CounterID == nil {
		return ""
	}
	return *token.CounterID
}
