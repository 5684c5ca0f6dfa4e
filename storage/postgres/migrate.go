package postgres

import (
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate

	"github.com/rollupkit/orchestrator/log"
)

// Migrate applies the migrations at source (e.g. file://storage/migrations)
// to the database at endpoint. An up-to-date schema is not an error.
func Migrate(source, endpoint string, logger *log.Logger) error {
	m, err := migrate.New(source, endpoint)
	if err != nil {
		return fmt.Errorf("initializing migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("error closing migrator", "source_err", srcErr, "db_err", dbErr)
		}
	}()

	switch err := m.Up(); {
	case err == nil:
		logger.Info("migrations completed")
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("no migrations needed to be applied")
	default:
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
