package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Position is the resume point of a source: the byte offset of the next
// unread record and how many records were consumed before it. Fingerprint
// identifies the file the offset belongs to, so a replaced file is not read
// from the old offset.
type Position struct {
	Offset      int64
	Records     int64
	Fingerprint string
}

// Store persists source read positions so that a restart resumes where the
// previous run stopped instead of re-ingesting everything.
type Store interface {
	// Save stores the position for a path read by the named source.
	Save(source, path string, pos Position) error

	// Load retrieves the position for a path read by the named source.
	Load(source, path string) (Position, bool, error)

	// Delete removes the stored position.
	Delete(source, path string) error

	// Close closes the store and releases any resources
	Close() error
}

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// embedded migrations.
func NewSQLiteStore(dbPath string) (Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := ensureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	InitMigrations()

	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	goose.SetTableName("batchsink_db_version")

	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Save(source, path string, pos Position) error {
	_, err := s.db.Exec(
		`INSERT INTO offsets (source, path, byte_offset, records, fingerprint, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(source, path) DO UPDATE SET
		 byte_offset = excluded.byte_offset,
		 records = excluded.records,
		 fingerprint = excluded.fingerprint,
		 updated_at = CURRENT_TIMESTAMP`,
		source, path, pos.Offset, pos.Records, pos.Fingerprint)

	if err != nil {
		return fmt.Errorf("failed to save offset: %w", err)
	}

	return nil
}

func (s *sqliteStore) Load(source, path string) (Position, bool, error) {
	row := s.db.QueryRow(
		`SELECT byte_offset, records, fingerprint FROM offsets WHERE source = ? AND path = ?`,
		source, path)

	var pos Position
	if err := row.Scan(&pos.Offset, &pos.Records, &pos.Fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Position{}, false, nil
		}
		return Position{}, false, fmt.Errorf("failed to load offset: %w", err)
	}

	return pos, true, nil
}

func (s *sqliteStore) Delete(source, path string) error {
	_, err := s.db.Exec(`DELETE FROM offsets WHERE source = ? AND path = ?`, source, path)
	if err != nil {
		return fmt.Errorf("failed to delete offset: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
