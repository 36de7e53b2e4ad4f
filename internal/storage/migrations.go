// Schema migrations are embedded SQL files under migrations/<dialect>/.
//
// Migration file naming and format
//   - Filenames must match NNNN_name.up.sql or NNNN_name.down.sql.
//   - Version is a four-digit integer (e.g. 0001, 0002).
//   - Each file holds raw SQL applied in one transaction together with the
//     schema_migrations bookkeeping row.
//
// Adding or removing migration files requires rebuilding the binary.

// Heavily influenced by Authelia's migration system https://github.com/authelia/authelia/blob/master/internal/storage/migrations.go

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

var reMigrationFilename = regexp.MustCompile(`^(?P<Version>\d{4})\_(?P<Name>[^.]+)\.(?P<Direction>(up|down))\.sql$`)

var (
	ErrMigrateCurrentVersionSameAsTarget = errors.New("current version is the same as target version")
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`

// SchemaMigration represents a single database migration
type SchemaMigration struct {
	Version int
	Name    string
	Up      bool
	SQL     string
}

// After is the schema version once the migration has run.
func (m *SchemaMigration) After() int {
	if m.Up {
		return m.Version
	}
	return m.Version - 1
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	dialect string
	logger  *slog.Logger
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(dialect string) *MigrationRunner {
	return &MigrationRunner{
		dialect: dialect,
		logger:  slog.With("component", "migrations", "dialect", dialect),
	}
}

func (mr *MigrationRunner) dir() (string, error) {
	switch mr.dialect {
	case sqliteDriver, postgresDialect:
		return path.Join("migrations", mr.dialect), nil
	default:
		return "", fmt.Errorf("unsupported dialect: %s", mr.dialect)
	}
}

func (mr *MigrationRunner) readAll() ([]SchemaMigration, error) {
	dirPath, err := mr.dir()
	if err != nil {
		return nil, err
	}

	entries, err := migrationsFS.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var migrations []SchemaMigration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		migration, err := parseMigrationFile(path.Join(dirPath, entry.Name()))
		if err != nil {
			mr.logger.Warn("Failed to parse migration file", "file", entry.Name(), "error", err)
			continue
		}
		migrations = append(migrations, migration)
	}
	return migrations, nil
}

// GetLatestMigrationVersion scans migration files and returns the highest version number
func (mr *MigrationRunner) GetLatestMigrationVersion() (int, error) {
	migrations, err := mr.readAll()
	if err != nil {
		return -1, err
	}

	latestVersion := 0
	for _, m := range migrations {
		if m.Up && m.Version > latestVersion {
			latestVersion = m.Version
		}
	}
	return latestVersion, nil
}

// LoadMigrations returns the migrations leading from prior to target, in
// the order they must run. A target of -1 is the latest version and 0 the
// empty schema.
func (mr *MigrationRunner) LoadMigrations(prior int, target int) ([]SchemaMigration, error) {
	if target == -1 {
		latestVersion, err := mr.GetLatestMigrationVersion()
		if err != nil {
			return nil, fmt.Errorf("failed to get latest migration version: %w", err)
		}
		target = latestVersion
	}

	if prior == target {
		return nil, ErrMigrateCurrentVersionSameAsTarget
	}

	all, err := mr.readAll()
	if err != nil {
		return nil, err
	}

	var migrations []SchemaMigration
	for _, migration := range all {
		if skipMigration(migration, prior, target) {
			continue
		}
		migrations = append(migrations, migration)
	}

	if prior < target {
		sort.Slice(migrations, func(i, j int) bool {
			return migrations[i].Version < migrations[j].Version
		})
	} else {
		sort.Slice(migrations, func(i, j int) bool {
			return migrations[i].Version > migrations[j].Version
		})
	}

	mr.logger.Debug("Loaded migrations", "count", len(migrations), "from_version", prior, "to_version", target)
	return migrations, nil
}

func skipMigration(migration SchemaMigration, currentVersion int, targetVersion int) bool {
	if targetVersion > currentVersion {
		// Up: apply versions in (current, target].
		return !migration.Up || migration.Version > targetVersion || migration.Version <= currentVersion
	}
	// Down: roll back versions in (target, current].
	return migration.Up || migration.Version <= targetVersion || migration.Version > currentVersion
}

// parseMigrationFile parses a migration filename and reads its content
func parseMigrationFile(filePath string) (SchemaMigration, error) {
	filename := path.Base(filePath)
	filenameParts := reMigrationFilename.FindStringSubmatch(filename)
	if len(filenameParts) != 5 {
		return SchemaMigration{}, fmt.Errorf("invalid migration filename: %s", filename)
	}

	content, err := migrationsFS.ReadFile(filePath)
	if err != nil {
		return SchemaMigration{}, fmt.Errorf("failed to read migration file: %w", err)
	}

	version, _ := strconv.Atoi(filenameParts[reMigrationFilename.SubexpIndex("Version")])
	return SchemaMigration{
		Version: version,
		Name:    filenameParts[reMigrationFilename.SubexpIndex("Name")],
		Up:      filenameParts[reMigrationFilename.SubexpIndex("Direction")] == "up",
		SQL:     string(content),
	}, nil
}

func (p *SQLProvider) GetSchemaVersion(ctx context.Context) (int, error) {
	if _, err := p.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var version sql.NullInt64
	if err := p.db.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_migrations"); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (p *SQLProvider) Migrate(ctx context.Context, target int) error {
	current, err := p.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}

	runner := NewMigrationRunner(p.dialect)
	migrations, err := runner.LoadMigrations(current, target)
	if errors.Is(err, ErrMigrateCurrentVersionSameAsTarget) {
		p.logger.Debug("Schema is up to date", "version", current)
		return nil
	}
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if err := p.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
		}
		p.logger.Info("Applied migration", "version", m.Version, "name", m.Name, "up", m.Up)
	}
	return nil
}

func (p *SQLProvider) applyMigration(ctx context.Context, m SchemaMigration) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}

	if m.Up {
		_, err = tx.ExecContext(ctx, tx.Rebind("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Name, time.Now().UTC())
	} else {
		_, err = tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), m.Version)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}
