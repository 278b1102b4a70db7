// Package sqlitestore persists a mesh master's lease table in a SQLite database (WAL mode).
//
// It satisfies mesh.LeaseStore and can be handed to the mesh via mesh.WithStore.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/mesh"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const ddlLeases = `
CREATE TABLE IF NOT EXISTS leases (
    node_id    INTEGER PRIMARY KEY,      -- 0-255
    address    INTEGER NOT NULL UNIQUE,  -- logical address
    saved_at   INTEGER NOT NULL          -- Unix seconds
);
`

// Store wraps *sql.DB with lease helpers.
type Store struct {
	db *sql.DB
}

var _ mesh.LeaseStore = (*Store)(nil)

// Open opens (or creates) the SQLite file at path with WAL journal mode and ensures the lease table exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ddlLeases); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces every stored lease with the given set, atomically.
func (s *Store) Save(leases []mesh.Lease) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM leases`); err != nil {
		return fmt.Errorf("sqlitestore: clear: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO leases (node_id, address, saved_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare: %w", err)
	}
	defer stmt.Close()
	now := time.Now().Unix()
	for _, l := range leases {
		if _, err := stmt.Exec(int(l.NodeID), int(l.Address), now); err != nil {
			return fmt.Errorf("sqlitestore: insert node %d: %w", l.NodeID, err)
		}
	}
	return tx.Commit()
}

// Load returns every stored lease, ordered by node id.
func (s *Store) Load() ([]mesh.Lease, error) {
	rows, err := s.db.Query(`SELECT node_id, address FROM leases ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()

	var leases []mesh.Lease
	for rows.Next() {
		var id, addr int
		if err := rows.Scan(&id, &addr); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		if id < 0 || id > 255 || addr < 0 || addr > 0xFFFF {
			return nil, fmt.Errorf("sqlitestore: out of range lease (node %d, address %d)", id, addr)
		}
		leases = append(leases, mesh.Lease{NodeID: uint8(id), Address: address.Address(addr)})
	}
	return leases, rows.Err()
}
