// Package store persists a framework's installed modules in its storage
// directory: records in a SQLite database, artifact bytes as plain files.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	dbFileName         = "framework.db"
	modulesDir         = "modules"
	defaultBusyTimeout = 5 * time.Second
)

// Record is the persisted state of one module.
type Record struct {
	ID           int64     `db:"id"`
	Location     string    `db:"location"`
	SymbolicName string    `db:"symbolic_name"`
	Version      string    `db:"version"`
	StartLevel   int       `db:"start_level"`
	AutoStart    bool      `db:"autostart"`
	LastModified time.Time `db:"last_modified"`
}

// Store is the module store of one framework.
type Store struct {
	dir string
	db  *sqlx.DB
}

// Open opens (creating if needed) the store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, modulesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare storage dir: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		filepath.Join(dir, dbFileName),
		int(defaultBusyTimeout/time.Millisecond),
	)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)

	s := &Store{dir: dir, db: sqlx.NewDb(raw, "sqlite3")}
	if err := s.initSchema(); err != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS modules (
		id INTEGER PRIMARY KEY,
		location TEXT NOT NULL UNIQUE,
		symbolic_name TEXT NOT NULL,
		version TEXT NOT NULL,
		start_level INTEGER NOT NULL DEFAULT 1,
		autostart INTEGER NOT NULL DEFAULT 0,
		last_modified TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces rec and writes data as its artifact when data is non-nil.
func (s *Store) Save(ctx context.Context, rec Record, data []byte) error {
	if data != nil {
		if err := s.writeArtifact(rec.ID, data); err != nil {
			return err
		}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO modules (id, location, symbolic_name, version, start_level, autostart, last_modified)
		VALUES (:id, :location, :symbolic_name, :version, :start_level, :autostart, :last_modified)
		ON CONFLICT(id) DO UPDATE SET
			location = excluded.location,
			symbolic_name = excluded.symbolic_name,
			version = excluded.version,
			start_level = excluded.start_level,
			autostart = excluded.autostart,
			last_modified = excluded.last_modified
	`, rec)
	if err != nil {
		return fmt.Errorf("failed to save module %d: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record and artifact of id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete module %d: %w", id, err)
	}
	if err := os.Remove(s.artifactPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every record ordered by id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var out []Record
	if err := s.db.SelectContext(ctx, &out, `
		SELECT id, location, symbolic_name, version, start_level, autostart, last_modified
		FROM modules ORDER BY id
	`); err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	return out, nil
}

// ReadArtifact returns the stored bytes of id.
func (s *Store) ReadArtifact(id int64) ([]byte, error) {
	return os.ReadFile(s.artifactPath(id))
}

// Clear removes every record and artifact.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules; DELETE FROM meta;`); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	dir := filepath.Join(s.dir, modulesDir)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// GetInt reads an integer setting, returning def when unset.
func (s *Store) GetInt(ctx context.Context, key string, def int64) (int64, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM meta WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// SetInt stores an integer setting.
func (s *Store) SetInt(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, strconv.FormatInt(value, 10))
	return err
}

func (s *Store) artifactPath(id int64) string {
	return filepath.Join(s.dir, modulesDir, strconv.FormatInt(id, 10)+".mod")
}

// writeArtifact writes through a temp file so a crash never leaves a torn artifact.
func (s *Store) writeArtifact(id int64, data []byte) error {
	path := s.artifactPath(id)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
