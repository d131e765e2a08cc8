package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type migration struct {
	version int
	sql     string
}

// Versions must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed (
	hash         TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL DEFAULT '',
	processed_at DATETIME NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteTracker stores processed hashes in a SQLite database. Lookups are
// served from memory; the table is read once on open.
type SQLiteTracker struct {
	*MemoryTracker
	db      *sqlx.DB
	persist bool
	writeMu sync.Mutex
}

type processedRow struct {
	Hash      string `db:"hash"`
	MessageID string `db:"message_id"`
}

// NewSQLiteTracker opens (or creates) the database at dbPath. ":memory:"
// is accepted for tests.
func NewSQLiteTracker(dbPath string, persist bool) (*SQLiteTracker, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	t := &SQLiteTracker{
		MemoryTracker: NewMemoryTracker(),
		db:            db,
		persist:       persist,
	}
	if err := t.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *SQLiteTracker) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := t.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := t.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (t *SQLiteTracker) load() error {
	var rows []processedRow
	if err := t.db.Select(&rows, "SELECT hash, message_id FROM processed"); err != nil {
		return fmt.Errorf("loading processed hashes: %w", err)
	}

	for _, r := range rows {
		t.add(r.Hash, r.MessageID)
	}
	return nil
}

func (t *SQLiteTracker) MarkProcessed(hash, messageID string) error {
	if !t.add(hash, messageID) || !t.persist {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_, err := t.db.Exec(
		"INSERT OR IGNORE INTO processed (hash, message_id, processed_at) VALUES (?, ?, ?)",
		hash, messageID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", hash, err)
	}
	return nil
}

// Stored returns the number of rows in the database, which differs from
// Snapshot when persistence is off.
func (t *SQLiteTracker) Stored() (int, error) {
	var n int
	if err := t.db.Get(&n, "SELECT COUNT(*) FROM processed"); err != nil {
		return 0, fmt.Errorf("counting processed rows: %w", err)
	}
	return n, nil
}

func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
