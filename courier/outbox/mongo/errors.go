package mongo

import "errors"

var (
	// ErrConnectionRequired reports that the store was built without a
	// mongo connection hub.
	ErrConnectionRequired = errors.New("mongo connection is required")

	// ErrURIRequired reports a connection configured without a URI.
	ErrURIRequired = errors.New("mongo uri is required")

	// ErrDatabaseNameRequired reports a connection configured without a
	// database name.
	ErrDatabaseNameRequired = errors.New("mongo database name is required")

	// ErrInvalidCollectionName reports a collection name MongoDB would
	// reject or reserve for itself.
	ErrInvalidCollectionName = errors.New("invalid mongo collection name")

	// ErrUnsupportedTx reports a Deposit transaction handle that is not
	// a mongo.SessionContext.
	ErrUnsupportedTx = errors.New("unsupported transaction type")
)
