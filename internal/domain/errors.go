package domain

import "errors"

var (
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
	ErrMalformedRecord      = errors.New("malformed record")
	ErrHandlerFailure       = errors.New("handler failure")
	ErrInvalidLocation      = errors.New("invalid location")
	ErrLocationNotFound     = errors.New("location not found")
	ErrUnknownJob           = errors.New("unknown job")
	ErrInvalidSchedule      = errors.New("invalid schedule")
)
