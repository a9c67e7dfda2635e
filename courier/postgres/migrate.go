package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var databaseNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// runMigrations applies pending file-based migrations against the
// primary. A missing migrations directory and an already up-to-date
// schema are both tolerated; a dirty schema version is not.
func runMigrations(ctx context.Context, db *sql.DB, migrationsPath, databaseName string, multiStatements bool, logger log.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateDatabaseName(databaseName); err != nil {
		return err
	}

	path, err := sanitizeMigrationsPath(migrationsPath)
	if err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(path))
	if err != nil {
		return fmt.Errorf("parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MultiStatementEnabled: multiStatements,
		DatabaseName:          databaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	switch err := migrator.Up(); {
	case err == nil:
		logger.Log(ctx, log.LevelInfo, "database migrations applied")
	case errors.Is(err, migrate.ErrNoChange):
		logger.Log(ctx, log.LevelInfo, "no new migrations to apply")
	case errors.Is(err, os.ErrNotExist):
		logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step",
			log.String("path", path))
	default:
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			logger.Log(ctx, log.LevelError, "schema version left dirty by a failed migration",
				log.Int("version", dirty.Version))

			return fmt.Errorf("%w: version %d", ErrMigrationDirty, dirty.Version)
		}

		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func validateDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}

// sanitizeMigrationsPath rejects parent-directory traversal before the
// path reaches the file source driver.
func sanitizeMigrationsPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidMigrationsPath, path)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return abs, nil
}
