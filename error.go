package agenda

import "github.com/cockroachdb/errors"

var (
	ErrUndefinedJob          = errors.New("Undefined job")
	ErrInvalidRepeatAt       = errors.New("failed to calculate repeatAt time due to invalid format")
	ErrInvalidRepeatInterval = errors.New("failed to calculate nextRunAt due to invalid repeat interval")
	ErrNoConnection          = errors.New("no store connection")
	ErrNoScheduler           = errors.New("job is not attached to a scheduler")
	ErrNoName                = errors.New("job name is required")
)
