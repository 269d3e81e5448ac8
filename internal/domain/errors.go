package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrAmendmentsLocked = errors.New("amendments locked")
)
