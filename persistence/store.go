// Package persistence is the Host Registry's durable storage: a
// SQLite-backed blob store that always writes the full host list
// through a backup/primary slot protocol, so a crash mid-write never
// loses the registry that was present before the write began.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/streamdeck/core/models"
)

// DefaultDBFileName is the SQLite filename under the app data directory.
const DefaultDBFileName = "registry.db"

const (
	slotPrimary = "primary"
	slotBackup  = "backup"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS registry_blob (
  slot       TEXT PRIMARY KEY,
  payload    BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
}

// Store is the crash-safe registry blob store.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	closeOnce sync.Once
}

// Open opens (or creates) registry.db under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}

// SaveHosts persists the full host list using the backup/primary write
// protocol: write to backup, clear primary, write primary, delete
// backup. A crash at any point before the final delete leaves a
// recoverable backup that LoadHosts will adopt.
func (s *Store) SaveHosts(hosts []models.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(hosts)
	if err != nil {
		return fmt.Errorf("persistence: marshal host list: %w", err)
	}

	if err := s.writeSlot(slotBackup, payload); err != nil {
		return fmt.Errorf("persistence: write backup slot: %w", err)
	}
	if err := s.deleteSlot(slotPrimary); err != nil {
		return fmt.Errorf("persistence: clear primary slot: %w", err)
	}
	if err := s.writeSlot(slotPrimary, payload); err != nil {
		return fmt.Errorf("persistence: write primary slot: %w", err)
	}
	if err := s.deleteSlot(slotBackup); err != nil {
		return fmt.Errorf("persistence: clear backup slot: %w", err)
	}
	return nil
}

// LoadHosts returns the persisted host list. If a backup slot is
// present, the prior write was interrupted before it could delete that
// slot; the backup is adopted as primary and returned, so no host
// present before the crash is lost.
func (s *Store) LoadHosts() ([]models.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, hasBackup, err := s.readSlot(slotBackup)
	if err != nil {
		return nil, fmt.Errorf("persistence: read backup slot: %w", err)
	}
	if hasBackup {
		hosts, err := unmarshalHosts(backup)
		if err != nil {
			return nil, err
		}
		if err := s.writeSlot(slotPrimary, backup); err != nil {
			return nil, fmt.Errorf("persistence: adopt backup into primary slot: %w", err)
		}
		if err := s.deleteSlot(slotBackup); err != nil {
			return nil, fmt.Errorf("persistence: clear adopted backup slot: %w", err)
		}
		return hosts, nil
	}

	primary, hasPrimary, err := s.readSlot(slotPrimary)
	if err != nil {
		return nil, fmt.Errorf("persistence: read primary slot: %w", err)
	}
	if !hasPrimary {
		return nil, nil
	}
	return unmarshalHosts(primary)
}

func unmarshalHosts(payload []byte) ([]models.Host, error) {
	var hosts []models.Host
	if err := json.Unmarshal(payload, &hosts); err != nil {
		return nil, fmt.Errorf("persistence: decode host list: %w", err)
	}
	return hosts, nil
}

func (s *Store) writeSlot(slot string, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO registry_blob (slot, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		slot, payload, time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) deleteSlot(slot string) error {
	_, err := s.db.Exec(`DELETE FROM registry_blob WHERE slot = ?`, slot)
	return err
}

func (s *Store) readSlot(slot string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM registry_blob WHERE slot = ?`, slot).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}
