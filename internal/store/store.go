package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/facequeue/internal/index"
	"github.com/andresmejia3/facequeue/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Store manages the PostgreSQL connection: the results ledger and the
// reference identities an index can be built from.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS recognition_results (
			request_id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			label TEXT NOT NULL,
			distance REAL,
			deliveries INT NOT NULL DEFAULT 1,
			processed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS known_identities (
			id SERIAL PRIMARY KEY,
			label TEXT NOT NULL,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS recognition_results_processed_at_idx ON recognition_results (processed_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// RecordResult upserts the result for a request. A redelivered request
// overwrites its row and bumps the delivery count instead of adding a row.
func (s *Store) RecordResult(ctx context.Context, fileName string, r types.RecognitionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO recognition_results (request_id, file_name, label, distance, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			label = EXCLUDED.label,
			distance = EXCLUDED.distance,
			processed_at = NOW(),
			deliveries = recognition_results.deliveries + 1
	`, r.RequestID, fileName, r.Label, r.Distance)
	return err
}

// ResultRow is one ledger entry.
type ResultRow struct {
	RequestID   string
	FileName    string
	Label       string
	Distance    *float32
	Deliveries  int
	ProcessedAt time.Time
}

// ListResults returns the most recent results first. limit <= 0 means all.
func (s *Store) ListResults(ctx context.Context, limit int) ([]ResultRow, error) {
	query := `SELECT request_id, file_name, label, distance, deliveries, processed_at
		FROM recognition_results ORDER BY processed_at DESC, request_id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ResultRow
	for rows.Next() {
		var r ResultRow
		if err := rows.Scan(&r.RequestID, &r.FileName, &r.Label, &r.Distance, &r.Deliveries, &r.ProcessedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadIdentities returns the reference identities in insertion order.
func (s *Store) LoadIdentities(ctx context.Context) ([]index.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, "SELECT label, embedding::text FROM known_identities ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []index.Entry
	for rows.Next() {
		var label, vecStr string
		if err := rows.Scan(&label, &vecStr); err != nil {
			return nil, err
		}
		var v pgvector.Vector
		if err := v.Parse(vecStr); err != nil {
			return nil, fmt.Errorf("identity %q: %w", label, err)
		}
		entries = append(entries, index.Entry{Label: label, Embedding: types.Embedding(v.Slice())})
	}
	return entries, rows.Err()
}

// UpsertIdentities stores entries in order. With replace, existing
// identities are removed first so the table mirrors the given index.
func (s *Store) UpsertIdentities(ctx context.Context, entries []index.Entry, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if replace {
		if _, err := tx.Exec(ctx, "TRUNCATE known_identities RESTART IDENTITY"); err != nil {
			return err
		}
	}
	for _, e := range entries {
		vec := pgvector.NewVector(e.Embedding)
		if _, err := tx.Exec(ctx, "INSERT INTO known_identities (label, embedding) VALUES ($1, $2::vector)", e.Label, vec.String()); err != nil {
			return fmt.Errorf("insert identity %q: %w", e.Label, err)
		}
	}
	return tx.Commit(ctx)
}

// RenameLabel relabels every identity carrying from and reports how many rows changed.
func (s *Store) RenameLabel(ctx context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE known_identities SET label = $2 WHERE label = $1", from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS recognition_results CASCADE;
		DROP TABLE IF EXISTS known_identities CASCADE;
	`)
	return err
}

// IdentitySource exposes the identity table as an index snapshot.
type IdentitySource struct {
	Store *Store
}

func (s IdentitySource) String() string { return "postgres://known_identities" }

func (s IdentitySource) Entries(ctx context.Context) ([]index.Entry, error) {
	return s.Store.LoadIdentities(ctx)
}
