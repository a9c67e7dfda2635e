package inbox

import "errors"

var (
	ErrStoreRequired      = errors.New("inbox store is required")
	ErrGuardRequired      = errors.New("inbox guard is required")
	ErrRecordRequired     = errors.New("inbox record is required")
	ErrCommandIDRequired  = errors.New("command id is required")
	ErrContextKeyRequired = errors.New("context key is required")
	ErrRecordNotFound     = errors.New("inbox record not found")
	ErrUnknownDriver      = errors.New("unknown inbox driver")
)
