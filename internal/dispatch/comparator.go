package dispatch

import (
	"sort"

	"tokenflow/dispatch-service/internal/models"
)

// RankBefore reports whether a should be dispatched before b. Ordering is
// service-type weight descending, then token priority descending, then
// creation time ascending, then token ID ascending. The final tie-break makes
// the order total, so "next" is deterministic for any fixed waiting set.
func RankBefore(a, b models.Token, weights map[string]int) bool {
	if wa, wb := weights[a.ServiceTypeID], weights[b.ServiceTypeID]; wa != wb {
		return wa > wb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TokenID < b.TokenID
}

// SortByRank orders tokens in dispatch order without mutating the input.
func SortByRank(tokens []models.Token, weights map[string]int) []models.Token {
	out := append([]models.Token(nil), tokens...)
	sort.Slice(out, func(i, j int) bool {
		return RankBefore(out[i], out[j], weights)
	})
	return out
}

// SelectNext returns the best-ranked token of the candidate set.
func SelectNext(tokens []models.Token, weights map[string]int) (models.Token, bool) {
	if len(tokens) == 0 {
		return models.Token{}, false
	}
	best := tokens[0]
	for _, token := range tokens[1:] {
		if RankBefore(token, best, weights) {
			best = token
		}
	}
	return best, true
}
