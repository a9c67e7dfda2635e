package postgres

import "errors"

var (
	// ErrConnectionRequired reports that the store was built without a
	// postgres hub.
	ErrConnectionRequired = errors.New("postgres connection is required")

	// ErrInvalidIdentifier reports a table name that is not a valid SQL
	// identifier path.
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
)
