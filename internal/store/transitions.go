package store

import "tokenflow/dispatch-service/internal/models"

// transitionMap is the single place where status transitions are legal.
// The called->called edge is the repeat announcement: no status change, only
// a calledAt refresh. Terminal statuses have no outgoing edges.
var transitionMap = map[models.TokenStatus][]models.TokenStatus{
	models.StatusWaiting: {models.StatusCalled, models.StatusCancelled},
	models.StatusCalled:  {models.StatusCalled, models.StatusServing, models.StatusCompleted, models.StatusNoShow},
	models.StatusServing: {models.StatusCompleted},
	models.StatusNoShow:  {models.StatusWaiting},
}

func CanTransition(from, to models.TokenStatus) bool {
	for _, allowed := range transitionMap[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
