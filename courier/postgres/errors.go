package postgres

import "errors"

var (
	ErrConnectionRequired = errors.New("postgres connection is required")
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")

	ErrInvalidDatabaseName   = errors.New("invalid database name")
	ErrInvalidMigrationsPath = errors.New("invalid migrations path")
)

// ErrMigrationDirty is returned when a previous run left the schema
// version marked dirty. The database needs manual repair before new
// migrations can be applied.
var ErrMigrationDirty = errors.New("dirty database migration version")
