package snapshot

import (
	"context"
	"sort"
	"time"

	"tokenflow/dispatch-service/internal/dispatch"
	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/registry"
	"tokenflow/dispatch-service/internal/store"
)

const defaultQueueDepth = 5

// Builder derives a QueueSnapshot from the token store and the counter
// registry. The output is a pure function of store state: building twice
// against an unchanged store yields identical snapshots, so broadcast
// consumers can compare or replay them freely.
type Builder struct {
	tokens   store.TokenStore
	counters registry.CounterRegistry
	types    registry.ServiceTypeDirectory
	depth    int
	now      func() time.Time
}

func NewBuilder(tokens store.TokenStore, counters registry.CounterRegistry, types registry.ServiceTypeDirectory, depth int) *Builder {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Builder{
		tokens:   tokens,
		counters: counters,
		types:    types,
		depth:    depth,
		now:      time.Now,
	}
}

// Build assembles the full snapshot: one view per active counter plus the
// global stats block.
func (b *Builder) Build(ctx context.Context) (models.QueueSnapshot, error) {
	counters, err := b.counters.ListCounters(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	serviceTypes, err := b.types.ListServiceTypes(ctx)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	weights := make(map[string]int, len(serviceTypes))
	for _, serviceType := range serviceTypes {
		weights[serviceType.ServiceTypeID] = serviceType.PriorityWeight
	}

	open, err := b.tokens.ListTokens(ctx, store.TokenFilter{
		Statuses: []models.TokenStatus{models.StatusWaiting, models.StatusCalled, models.StatusServing, models.StatusNoShow},
	})
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	var waiting, active, noShow []models.Token
	for _, token := range open {
		switch token.Status {
		case models.StatusWaiting:
			waiting = append(waiting, token)
		case models.StatusCalled, models.StatusServing:
			active = append(active, token)
		case models.StatusNoShow:
			noShow = append(noShow, token)
		}
	}

	snapshot := models.QueueSnapshot{Counters: []models.CounterView{}}
	for _, counter := range counters {
		if !counter.IsActive {
			continue
		}
		snapshot.Counters = append(snapshot.Counters, b.counterView(counter, waiting, active, noShow, weights))
	}

	stats, err := b.globalStats(ctx, waiting, active)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	snapshot.Stats = stats
	return snapshot, nil
}

func (b *Builder) counterView(counter models.Counter, waiting, active, noShow []models.Token, weights map[string]int) models.CounterView {
	view := models.CounterView{
		CounterID:   counter.CounterID,
		CounterName: counter.Name,
		NextInQueue: []models.Token{},
		NoShow:      []models.Token{},
	}

	for _, token := range active {
		if token.CounterID != nil && *token.CounterID == counter.CounterID {
			current := token
			view.CurrentServing = &current
			break
		}
	}

	var eligible []models.Token
	for _, token := range waiting {
		if counter.AllowsServiceType(token.ServiceTypeID) {
			eligible = append(eligible, token)
		}
	}
	ranked := dispatch.SortByRank(eligible, weights)
	if len(ranked) > b.depth {
		ranked = ranked[:b.depth]
	}
	view.NextInQueue = append(view.NextInQueue, ranked...)

	for _, token := range noShow {
		if token.CounterID != nil && *token.CounterID == counter.CounterID {
			view.NoShow = append(view.NoShow, token)
		}
	}
	sort.Slice(view.NoShow, func(i, j int) bool {
		a, b := view.NoShow[i], view.NoShow[j]
		if a.NoShowAt != nil && b.NoShowAt != nil && !a.NoShowAt.Equal(*b.NoShowAt) {
			return a.NoShowAt.Before(*b.NoShowAt)
		}
		return a.TokenID < b.TokenID
	})
	return view
}

func (b *Builder) globalStats(ctx context.Context, waiting, active []models.Token) (models.GlobalStats, error) {
	stats := models.GlobalStats{
		Waiting:   len(waiting),
		InService: len(active),
	}

	completed, err := b.tokens.ListTokens(ctx, store.TokenFilter{
		Statuses: []models.TokenStatus{models.StatusCompleted},
	})
	if err != nil {
		return models.GlobalStats{}, err
	}

	midnight := b.now().UTC().Truncate(24 * time.Hour)
	var waitTotal time.Duration
	var waitSamples int
	for _, token := range completed {
		if token.CompletedAt == nil || token.CompletedAt.Before(midnight) {
			continue
		}
		stats.CompletedToday++
		if token.CalledAt != nil {
			waitTotal += token.CalledAt.Sub(token.CreatedAt)
			waitSamples++
		}
	}
	if waitSamples > 0 {
		stats.AvgWaitSeconds = waitTotal.Seconds() / float64(waitSamples)
	}
	return stats, nil
}
