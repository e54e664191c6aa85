package models

import "time"

type TokenStatus string

const (
	StatusWaiting   TokenStatus = "waiting"
	StatusCalled    TokenStatus = "called"
	StatusServing   TokenStatus = "serving"
	StatusCompleted TokenStatus = "completed"
	StatusNoShow    TokenStatus = "no_show"
	StatusCancelled TokenStatus = "cancelled"
)

func (s TokenStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusServing, StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave the status.
func (s TokenStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Token struct {
	TokenID          string      `json:"token_id"`
	Number           string      `json:"number"`
	ServiceTypeID    string      `json:"service_type_id"`
	Priority         int         `json:"priority"`
	Status           TokenStatus `json:"status"`
	CounterID        *string     `json:"counter_id,omitempty"`
	ServedBy         *string     `json:"served_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CalledAt         *time.Time  `json:"called_at,omitempty"`
	ServingStartedAt *time.Time  `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	NoShowAt         *time.Time  `json:"no_show_at,omitempty"`
	Notes            string      `json:"notes,omitempty"`
}

type Counter struct {
	CounterID       string   `json:"counter_id"`
	Name            string   `json:"name"`
	IsActive        bool     `json:"is_active"`
	AssignedStaffID *string  `json:"assigned_staff_id,omitempty"`
	PriorityFilter  []string `json:"priority_filter,omitempty"`
}

// AllowsServiceType reports whether the counter may pull tokens of the given
// service type. An empty filter admits every type.
func (c Counter) AllowsServiceType(serviceTypeID string) bool {
	if len(c.PriorityFilter) == 0 {
		return true
	}
	for _, id := range c.PriorityFilter {
		if id == serviceTypeID {
			return true
		}
	}
	return false
}

type ServiceType struct {
	ServiceTypeID     string `json:"service_type_id"`
	Name              string `json:"name"`
	Code              string `json:"code"`
	PriorityWeight    int    `json:"priority_weight"`
	AvgServiceSeconds int    `json:"avg_service_seconds"`
}
