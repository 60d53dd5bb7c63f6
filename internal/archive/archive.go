// Package archive records merge and backup events in a sqlite database
// for operational inspection. Recording is best-effort from the server's
// point of view; a broken archive never stops the pipeline.
package archive

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/maxmars1/maplab/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Archive wraps the event database.
type Archive struct {
	*sql.DB
	path string
}

// Open opens (or creates) the archive database and applies pending
// migrations.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	a := &Archive{DB: db, path: path}
	if err := a.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// MigrateUp runs all pending migrations up to the latest version.
// Returns nil if no migrations were needed.
func (a *Archive) MigrateUp() error {
	m, err := a.newMigrate()
	if err != nil {
		return err
	}
	// Note: we don't close m here because it would close the underlying
	// DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (a *Archive) MigrateDown() error {
	m, err := a.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

func (a *Archive) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(a.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// MergeEvent is one recorded merge attempt.
type MergeEvent struct {
	JobID      string
	Robot      string
	MapPath    string
	MapVersion uint64
	DurationMs int64
	Status     string
	Error      string
	Timestamp  time.Time
}

// BackupEvent is one recorded backup.
type BackupEvent struct {
	Folder     string
	MapVersion uint64
	Reason     string
	Timestamp  time.Time
}

// RecordMerge stores one merge attempt, successful or not.
func (a *Archive) RecordMerge(jobID, robot, mapPath string, version uint64, duration time.Duration, status, errMsg string) error {
	_, err := a.DB.Exec(`
		INSERT INTO merges (job_id, robot, map_path, map_version, duration_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, robot, mapPath, version, duration.Milliseconds(), status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record merge: %w", err)
	}
	return nil
}

// RecordBackup stores one backup event.
func (a *Archive) RecordBackup(folder string, version uint64, reason string) error {
	_, err := a.DB.Exec(`
		INSERT INTO backups (folder, map_version, reason)
		VALUES (?, ?, ?)`,
		folder, version, reason)
	if err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}
	return nil
}

// RecentMerges returns the most recent merge events, newest first.
func (a *Archive) RecentMerges(limit int) ([]MergeEvent, error) {
	rows, err := a.DB.Query(`
		SELECT job_id, robot, map_path, map_version, duration_ms, status, COALESCE(error, ''), timestamp
		FROM merges ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []MergeEvent
	for rows.Next() {
		var e MergeEvent
		if err := rows.Scan(&e.JobID, &e.Robot, &e.MapPath, &e.MapVersion,
			&e.DurationMs, &e.Status, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentBackups returns the most recent backup events, newest first.
func (a *Archive) RecentBackups(limit int) ([]BackupEvent, error) {
	rows, err := a.DB.Query(`
		SELECT folder, map_version, reason, timestamp
		FROM backups ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []BackupEvent
	for rows.Next() {
		var e BackupEvent
		if err := rows.Scan(&e.Folder, &e.MapVersion, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
