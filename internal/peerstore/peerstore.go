package peerstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Contact is a known bootstrap endpoint with its usage history.
type Contact struct {
	Endpoint  string
	NodeID    string // hex, may be empty for endpoints learned out of band
	LastSeen  time.Time
	Successes int
	Failures  int
}

// Store persists bootstrap contacts across restarts, so a node can
// rejoin without a configured endpoint list.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	max    int
}

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	endpoint   TEXT PRIMARY KEY,
	node_id    TEXT NOT NULL DEFAULT '',
	last_seen  INTEGER NOT NULL,
	successes  INTEGER NOT NULL DEFAULT 0,
	failures   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_contacts_last_seen ON contacts(last_seen DESC);
`

// Open creates or opens the store at path.
func Open(path string, maxEndpoints int, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create peerstore directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init peerstore schema: %w", err)
	}
	if maxEndpoints <= 0 {
		maxEndpoints = 100
	}
	return &Store{
		logger: logger.Named("peerstore"),
		db:     db,
		max:    maxEndpoints,
	}, nil
}

// Touch records a successful contact, inserting the endpoint when new
// and trimming the table to the configured bound.
func (s *Store) Touch(endpoint, nodeID string) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (endpoint, node_id, last_seen, successes)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(endpoint) DO UPDATE SET
			node_id = CASE WHEN excluded.node_id != '' THEN excluded.node_id ELSE contacts.node_id END,
			last_seen = excluded.last_seen,
			successes = contacts.successes + 1`,
		endpoint, nodeID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record contact %s: %w", endpoint, err)
	}
	return s.trim()
}

// MarkFailed records a failed connection attempt.
func (s *Store) MarkFailed(endpoint string) error {
	_, err := s.db.Exec(
		`UPDATE contacts SET failures = failures + 1 WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", endpoint, err)
	}
	return nil
}

// Recent returns up to n contacts, most recently seen first. Endpoints
// with more failures than successes sort last.
func (s *Store) Recent(n int) ([]Contact, error) {
	rows, err := s.db.Query(`
		SELECT endpoint, node_id, last_seen, successes, failures
		FROM contacts
		ORDER BY (failures > successes) ASC, last_seen DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var lastSeen int64
		if err := rows.Scan(&c.Endpoint, &c.NodeID, &lastSeen, &c.Successes, &c.Failures); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Remove deletes an endpoint.
func (s *Store) Remove(endpoint string) error {
	_, err := s.db.Exec(`DELETE FROM contacts WHERE endpoint = ?`, endpoint)
	return err
}

// Size returns the number of stored contacts.
func (s *Store) Size() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n)
	return n, err
}

func (s *Store) trim() error {
	_, err := s.db.Exec(`
		DELETE FROM contacts WHERE endpoint NOT IN (
			SELECT endpoint FROM contacts ORDER BY last_seen DESC LIMIT ?
		)`, s.max)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
