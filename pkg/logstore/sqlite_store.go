package logstore

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a CompletionHook adapter backed by SQLite. The schema
// is created on open; writes are serialized by a mutex.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and migrates) a SQLite database at dbPath. Use
// ":memory:" for an ephemeral store, e.g. in tests or cmd/probe-console.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("logstore: open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("logstore: configure database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("logstore: migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS log_transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial_number TEXT NOT NULL,
			device_id TEXT NOT NULL,
			session_id TEXT,
			min_sequence INTEGER,
			max_sequence INTEGER,
			records_downloaded INTEGER,
			completed_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_log_transfers_serial ON log_transfers(serial_number);
	`)
	return err
}

// Hook returns this store's CompletionHook.
func (s *SQLiteStore) Hook() CompletionHook {
	return s.record
}

func (s *SQLiteStore) record(rec CompletionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(`
		INSERT INTO log_transfers
			(serial_number, device_id, session_id, min_sequence, max_sequence, records_downloaded, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.SerialNumber, rec.DeviceID, rec.SessionID, rec.MinSequenceNumber, rec.MaxSequenceNumber, rec.RecordsDownloaded, rec.CompletedAt)
}

// History returns every completed transfer recorded for serialNumber,
// most recent first.
func (s *SQLiteStore) History(serialNumber string) ([]CompletionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT serial_number, device_id, session_id, min_sequence, max_sequence, records_downloaded, completed_at
		FROM log_transfers WHERE serial_number = ? ORDER BY completed_at DESC
	`, serialNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CompletionRecord
	for rows.Next() {
		var rec CompletionRecord
		if err := rows.Scan(&rec.SerialNumber, &rec.DeviceID, &rec.SessionID, &rec.MinSequenceNumber, &rec.MaxSequenceNumber, &rec.RecordsDownloaded, &rec.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
