// Package schema applies embedded SQL migrations with golang-migrate.
package schema

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// migrationLogger adapts zap to migrate.Logger.
type migrationLogger struct {
	log *zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Debugf(format, v...)
}

func (l migrationLogger) Verbose() bool {
	return l.log.Desugar().Core().Enabled(zap.DebugLevel)
}

// Up applies every migration under dir in fsys. The database driver is not
// closed, so the caller keeps ownership of the underlying connection.
func Up(fsys fs.FS, dir, databaseName string, driver database.Driver, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, databaseName, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	m.Log = migrationLogger{log: log.Sugar()}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("schema is up to date", zap.String("database", databaseName))
	case err != nil:
		version, dirty, _ := m.Version()
		return fmt.Errorf("apply migrations (version %d, dirty %t): %w", version, dirty, err)
	default:
		version, _, _ := m.Version()
		log.Info("schema migrated", zap.String("database", databaseName), zap.Uint("version", version))
	}
	return nil
}
