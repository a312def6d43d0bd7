package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrProjectNotFound  = errors.New("project not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrMessageTooLong   = errors.New("message too long")
	ErrInvalidCursor    = errors.New("invalid cursor")
)
