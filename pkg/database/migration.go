package database

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

// MigrationLogger adapts ectologger to migrate.Logger.
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

type MigrationConfig struct {
	// FolderPath overrides the embedded migrations when it exists on disk.
	FolderPath string
	// Embedded holds the *.sql migrations compiled into the binary.
	Embedded fs.FS
	// Version pins the target version; 0 migrates to the latest.
	Version uint
	// Force marks the schema as clean at this version before migrating.
	Force int
	// AutoRollback forces a dirty database back to the version it started at after a failure.
	AutoRollback bool
}

// MigrationService applies the control-plane schema (organizations, service integrations, backfill jobs).
// Per-tenant replication tables are not migrated; they are created once from generated DDL.
type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

func (ms *MigrationService) resolveFolder() (string, bool) {
	if ms.config.FolderPath == "" {
		return "", false
	}
	folder := ms.config.FolderPath
	if !filepath.IsAbs(folder) {
		if wd, err := os.Getwd(); err == nil {
			folder = filepath.Join(wd, folder)
		}
	}
	if _, err := os.Stat(folder); err != nil {
		return "", false
	}
	return folder, true
}

// Migrate runs the migrations against db.
func (ms *MigrationService) Migrate(db DB, databaseName string) error {
	driver, err := postgres.WithInstance(db.Unwrap().DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}

	var m *migrate.Migrate
	if folder, ok := ms.resolveFolder(); ok {
		ms.logger.Infof("Applying migrations from %s", folder)
		m, err = migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	} else {
		if ms.config.Embedded == nil {
			return fmt.Errorf("migration folder %q does not exist and no embedded migrations were provided", ms.config.FolderPath)
		}
		source, sourceErr := iofs.New(ms.config.Embedded, ".")
		if sourceErr != nil {
			return errors.Wrap(sourceErr, "failed to read embedded migrations")
		}
		ms.logger.Info("Applying embedded migrations")
		m, err = migrate.NewWithInstance("iofs", source, databaseName, driver)
	}
	if err != nil {
		ms.logger.WithError(err).Error("Failed to create migrate instance")
		return err
	}

	m.Log = MigrationLogger{Logger: ms.logger}
	return ms.run(m)
}

func (ms *MigrationService) run(m *migrate.Migrate) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			ms.logger.WithError(err).Errorf("Failed to force database to version %d", ms.config.Force)
			return err
		}
	}

	startVersion, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		ms.logger.WithError(err).Error("Failed to get current migration version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}
	ms.logger.Infof("Database migrations finished in %v", time.Since(start))

	return ms.handleError(m, err, startVersion)
}

func (ms *MigrationService) handleError(m *migrate.Migrate, err error, startVersion uint) error {
	if err == nil {
		ms.logger.Info("Successfully applied migrations")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	ms.logger.WithError(err).Errorf("Migration failed with error: %v", err)

	version, dirty, versionErr := m.Version()
	if versionErr != nil && !errors.Is(versionErr, migrate.ErrNilVersion) {
		ms.logger.WithError(versionErr).Error("Failed to get current migration version")
		return err
	}

	if ms.config.AutoRollback && dirty {
		target := int(startVersion)
		if target == 0 && version > 0 {
			target = int(version) - 1
		}
		ms.logger.Warnf("Database is dirty at version %d. Forcing back to version %d", version, target)
		if forceErr := m.Force(target); forceErr != nil {
			ms.logger.WithError(forceErr).Errorf("Failed to force database to version %d", target)
			return forceErr
		}
	}

	// the original error is returned even after a rollback so startup fails loudly
	return err
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// LatestVersion returns the highest migration version found in fsys.
func LatestVersion(fsys fs.FS) (int, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationFilePattern.FindStringSubmatch(entry.Name())
		if len(matches) < 2 {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, version)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files found")
	}

	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
