package memory

import "errors"

var (
	// ErrMissingConversation is returned when a memory call has no conversation id.
	ErrMissingConversation = errors.New("memory conversation id is required")
	// ErrInvalidSchedule is returned for sweep schedules gronx cannot parse.
	ErrInvalidSchedule = errors.New("invalid memory sweep schedule")
)
