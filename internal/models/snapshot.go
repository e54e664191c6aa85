package models

// CounterView is the per-counter slice of a queue snapshot.
type CounterView struct {
	CounterID      string  `json:"counter_id"`
	CounterName    string  `json:"counter_name"`
	CurrentServing *Token  `json:"current_serving,omitempty"`
	NextInQueue    []Token `json:"next_in_queue"`
	NoShow         []Token `json:"no_show"`
}

type GlobalStats struct {
	Waiting        int     `json:"waiting"`
	InService      int     `json:"in_service"`
	CompletedToday int     `json:"completed_today"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}

// QueueSnapshot is derived state only. It is rebuilt from the token store on
// every mutation and is never mutated in place.
type QueueSnapshot struct {
	Counters []CounterView `json:"counters"`
	Stats    GlobalStats   `json:"stats"`
}

// CounterView returns the view for one counter, if present.
func (s QueueSnapshot) CounterView(counterID string) (CounterView, bool) {
	for _, view := range s.Counters {
		if view.CounterID == counterID {
			return view, true
		}
	}
	return CounterView{}, false
}
