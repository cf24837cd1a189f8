package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// EmbeddingDim is the width of the gallery embeddings (ArcFace).
const EmbeddingDim = 512

// Store manages the PostgreSQL connection: the known-identity gallery and the
// optional attendance ledger table.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Identity is a row of the known_identities gallery.
type Identity struct {
	ID        int
	Name      string
	Count     int
	CreatedAt time.Time
	Embedding []float32
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
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to register vector types: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS known_identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			embedding VECTOR(%d) NOT NULL,
			face_count INT DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
	`, EmbeddingDim)
	if _, err := conn.Exec(ctx, query); err != nil {
		return err
	}
	return ensureLedgerSchema(ctx, conn)
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// ListIdentities returns the whole gallery, embeddings included.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT id, name, face_count, created_at, embedding
		FROM known_identities ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		var vec pgvector.Vector
		if err := rows.Scan(&id.ID, &id.Name, &id.Count, &id.CreatedAt, &vec); err != nil {
			return nil, err
		}
		id.Embedding = vec.Slice()
		out = append(out, id)
	}
	return out, rows.Err()
}

// FindClosestIdentity searches for the nearest neighbor in the database using cosine distance.
// found is false when the gallery is empty.
func (s *Store) FindClosestIdentity(ctx context.Context, vec []float32) (name string, distance float64, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// <=> is the cosine distance operator in pgvector
	query := `SELECT name, embedding <=> $1 AS dist FROM known_identities ORDER BY dist ASC LIMIT 1`
	err = s.conn.QueryRow(ctx, query, pgvector.NewVector(vec)).Scan(&name, &distance)
	if err == pgx.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return name, distance, true, nil
}

// EnrollIdentity adds a face to the gallery. An existing name has its embedding
// updated to the weighted average of the old mean and the new sample.
func (s *Store) EnrollIdentity(ctx context.Context, name string, vec []float32) (int, error) {
	if len(vec) != EmbeddingDim {
		return 0, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), EmbeddingDim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var (
		id       int
		oldVec   pgvector.Vector
		oldCount int
	)
	// FOR UPDATE locks the row so concurrent enrollments average correctly
	err = tx.QueryRow(ctx, "SELECT id, embedding, face_count FROM known_identities WHERE name = $1 FOR UPDATE", name).
		Scan(&id, &oldVec, &oldCount)
	switch {
	case err == pgx.ErrNoRows:
		err = tx.QueryRow(ctx,
			"INSERT INTO known_identities (name, embedding, face_count) VALUES ($1, $2, 1) RETURNING id",
			name, pgvector.NewVector(vec)).Scan(&id)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		merged := WeightedMean(oldVec.Slice(), oldCount, vec, 1)
		_, err = tx.Exec(ctx, "UPDATE known_identities SET embedding = $1, face_count = $2 WHERE id = $3",
			pgvector.NewVector(merged), oldCount+1, id)
		if err != nil {
			return 0, err
		}
	}

	return id, tx.Commit(ctx)
}

// WeightedMean averages two embeddings weighted by their sample counts.
func WeightedMean(a []float32, countA int, b []float32, countB int) []float32 {
	total := float32(countA + countB)
	out := make([]float32, len(b))
	for i := range out {
		var av float32
		if i < len(a) {
			av = a[i]
		}
		out[i] = (av*float32(countA) + b[i]*float32(countB)) / total
	}
	return out
}

// RenameIdentity updates the name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id int, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "UPDATE known_identities SET name = $1 WHERE id = $2", newName, id)
	return err
}

// DeleteIdentity removes an identity from the gallery.
func (s *Store) DeleteIdentity(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "DELETE FROM known_identities WHERE id = $1", id)
	return err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_records CASCADE;
		DROP TABLE IF EXISTS known_identities CASCADE;
	`)
	return err
}
