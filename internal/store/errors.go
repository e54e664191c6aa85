package store

import "errors"

var (
	ErrTokenNotFound       = errors.New("token not found")
	ErrServiceTypeNotFound = errors.New("service type not found")
	ErrConflict            = errors.New("token status conflict")
	ErrInvalidTransition   = errors.New("invalid status transition")
)
