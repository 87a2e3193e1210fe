package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: small config values and the
// last read message per channel.
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// migrations are applied in order; the index+1 is the schema version
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ReadPosition (
		channel_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{
		db:  db,
		dir: dir,
	}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetReadPosition returns the id of the last message read in a channel.
// Returns "" if the channel was never read.
func (s *State) GetReadPosition(channelID string) (string, error) {
	var messageID string
	err := s.db.QueryRow(`
		SELECT message_id
		FROM ReadPosition
		WHERE channel_id = ?
	`, channelID).Scan(&messageID)

	if err == sql.ErrNoRows {
		return "", nil // Never read
	}
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// UpdateReadPosition records messageID as the last message read in a channel
func (s *State) UpdateReadPosition(channelID string, messageID string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ReadPosition (channel_id, message_id, updated_at)
		VALUES (?, ?, ?)
	`, channelID, messageID, time.Now().Unix())
	return err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}

// GetLastSeenTimestamp returns when the client was last active (in milliseconds).
// Returns 0 if no timestamp has been stored.
func (s *State) GetLastSeenTimestamp() int64 {
	value, _ := s.GetConfig("last_seen_timestamp")
	if value == "" {
		return 0
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// UpdateLastSeenTimestamp records now as the last active time
func (s *State) UpdateLastSeenTimestamp() error {
	return s.SetConfig("last_seen_timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
}
