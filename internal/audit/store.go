// Package audit provides the append-only violation log shared by all
// security engines. Rows are only ever inserted, never updated; retention
// pruning is the single sanctioned deletion path.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/bastion/internal/clock"
)

// Violation represents a single audit log entry.
type Violation struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"` // Emitting engine: "bootverify", "firewall", "ids", "vpn"
	Kind      string         `json:"kind"`   // Taxonomy name, e.g. "integrity_violation"
	Severity  string         `json:"severity,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store provides persistent append-only storage for violations.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	clk           clock.Clock
	retentionDays int
}

// NewStore creates a new audit store at the given path.
// Use ":memory:" for an ephemeral store.
func NewStore(dbPath string, retentionDays int, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT,
			detail TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_violations_timestamp ON violations(timestamp);
		CREATE INDEX IF NOT EXISTS idx_violations_source ON violations(source);
		CREATE INDEX IF NOT EXISTS idx_violations_kind ON violations(kind);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create violations table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}

	return &Store{
		db:            db,
		clk:           clk,
		retentionDays: retentionDays,
	}, nil
}

// Append persists a violation. The store never mutates existing rows.
func (s *Store) Append(v Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.Timestamp.IsZero() {
		v.Timestamp = s.clk.Now()
	}

	var detailsJSON []byte
	if v.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(v.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO violations (timestamp, source, kind, severity, detail, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.Timestamp, v.Source, v.Kind, v.Severity, v.Detail, string(detailsJSON))

	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// Query returns violations matching the given criteria, newest first.
func (s *Store) Query(start, end time.Time, source, kind string, limit int) ([]Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, source, kind, severity, detail, details
		FROM violations WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start, end}

	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var severity, detail, detailsJSON sql.NullString

		err := rows.Scan(&v.ID, &v.Timestamp, &v.Source, &v.Kind, &severity, &detail, &detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}

		if severity.Valid {
			v.Severity = severity.String
		}
		if detail.Valid {
			v.Detail = detail.String
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &v.Details)
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

// Recent returns the newest limit violations.
func (s *Store) Recent(limit int) ([]Violation, error) {
	return s.Query(time.Time{}, s.clk.Now().Add(time.Hour), "", "", limit)
}

// Prune removes violations older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM violations WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune violations: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of violations in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM violations").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
