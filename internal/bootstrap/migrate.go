package bootstrap

import (
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/apolotel/billingcore/pkg/mlog"
)

// RunMigrations applies every pending migration under migrationsPath
// (the repo's top-level migrations/ directory) against the configured
// Postgres instance, using golang-migrate the way the teacher's own
// schema-migration tooling does (pkg/mmigration).
func RunMigrations(s *Service, migrationsPath string, logger mlog.Logger) error {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	logger.Infof("bootstrap: migrations applied from %s", migrationsPath)

	return nil
}
