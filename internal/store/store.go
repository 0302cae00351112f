package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/facetag/internal/types"
)

// Store manages the PostgreSQL connection pool and pgvector operations.
// It caches reference descriptors and keeps a history of recognitions.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
// Descriptor columns are dimensionless so that backends with different model sizes can share the cache.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS reference_embeddings (
			digest TEXT NOT NULL,
			backend TEXT NOT NULL,
			label TEXT NOT NULL,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (digest, backend)
		);
		CREATE TABLE IF NOT EXISTS recognitions (
			id UUID NOT NULL,
			face_index INT NOT NULL,
			digest TEXT NOT NULL,
			label TEXT NOT NULL,
			distance DOUBLE PRECISION,
			box_x DOUBLE PRECISION NOT NULL,
			box_y DOUBLE PRECISION NOT NULL,
			box_w DOUBLE PRECISION NOT NULL,
			box_h DOUBLE PRECISION NOT NULL,
			embedding VECTOR,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, face_index)
		);
		CREATE INDEX IF NOT EXISTS recognitions_created_at_idx ON recognitions (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// LookupEmbedding returns the cached descriptor for an image digest computed by backend.
func (s *Store) LookupEmbedding(ctx context.Context, digest, backend string) (types.Vector, bool, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx,
		"SELECT embedding FROM reference_embeddings WHERE digest = $1 AND backend = $2",
		digest, backend,
	).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return types.Vector(vec.Slice()), true, nil
}

// SaveEmbedding stores a reference descriptor. Re-saving the same key overwrites it.
func (s *Store) SaveEmbedding(ctx context.Context, digest, backend, label string, vec types.Vector) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reference_embeddings (digest, backend, label, embedding)
		VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (digest, backend) DO UPDATE SET label = EXCLUDED.label, embedding = EXCLUDED.embedding, created_at = NOW()
	`, digest, backend, label, pgvector.NewVector(vec))
	return err
}

// RecordRecognition saves one row per face of rec in a single transaction.
// Images without faces are recorded as a single "none" row so the history shows them.
func (s *Store) RecordRecognition(ctx context.Context, rec *types.Recognition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO recognitions (id, face_index, digest, label, distance, box_x, box_y, box_w, box_h, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11)
	`
	if len(rec.Faces) == 0 {
		if _, err := tx.Exec(ctx, insert, rec.ID, -1, rec.Digest, noFaceLabel, nil, 0.0, 0.0, 0.0, 0.0, nil, rec.CreatedAt); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	for i, f := range rec.Faces {
		var embedding any
		if len(f.Vector) > 0 {
			embedding = pgvector.NewVector(f.Vector)
		}
		if _, err := tx.Exec(ctx, insert,
			rec.ID, i, rec.Digest, f.Match.Label, finiteOrNil(f.Match.Distance),
			f.Box.X, f.Box.Y, f.Box.Width, f.Box.Height, embedding, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("face %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

const noFaceLabel = "-"

// HistoryEntry is one recorded face.
type HistoryEntry struct {
	ID        uuid.UUID
	FaceIndex int
	Digest    string
	Label     string
	Distance  *float64
	Box       types.BoundingBox
	CreatedAt time.Time
}

// NoFace reports whether the entry records an image in which no face was found.
func (h HistoryEntry) NoFace() bool { return h.FaceIndex < 0 }

// ListRecognitions returns the most recent recorded faces, newest first.
func (s *Store) ListRecognitions(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, face_index, digest, label, distance, box_x, box_y, box_w, box_h, created_at
		FROM recognitions
		ORDER BY created_at DESC, id, face_index
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.FaceIndex, &h.Digest, &h.Label, &h.Distance,
			&h.Box.X, &h.Box.Y, &h.Box.Width, &h.Box.Height, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LabelCounts returns how often each label was recognized.
func (s *Store) LabelCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT label, COUNT(*) FROM recognitions WHERE face_index >= 0 GROUP BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS recognitions CASCADE;
		DROP TABLE IF EXISTS reference_embeddings CASCADE;
	`)
	return err
}

func finiteOrNil(d float64) *float64 {
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return nil
	}
	return &d
}
