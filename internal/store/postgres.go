package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/seanblong/repolens/pkg/models"
)

// PostgresStore implements Store on PostgreSQL with pgvector.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New creates a new PostgresStore connected to the given database URL.
func New(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: p}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies necessary database migrations and schema setup.
func (s *PostgresStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", models.ErrInvalidInput)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS repo_chunks (
  id           BIGSERIAL PRIMARY KEY,
  fingerprint  TEXT NOT NULL,
  source_path  TEXT NOT NULL,
  seq          INT  NOT NULL,
  chunk_text   TEXT NOT NULL,
  embedding    vector(%d) NOT NULL,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS repo_chunks_fp_path_seq_uidx
  ON repo_chunks (fingerprint, source_path, seq);

CREATE INDEX IF NOT EXISTS repo_chunks_fingerprint_idx
  ON repo_chunks (fingerprint);

CREATE TABLE IF NOT EXISTS repo_index (
  fingerprint  TEXT PRIMARY KEY,
  chunks       INT NOT NULL,
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS readme_cache (
  owner        TEXT NOT NULL,
  repo         TEXT NOT NULL,
  readme       TEXT NOT NULL,
  instructions TEXT NOT NULL DEFAULT '',
  updated_at   TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (owner, repo)
);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

func (s *PostgresStore) Exists(ctx context.Context, fp string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM repo_index WHERE fingerprint = $1)`, fp).Scan(&ok)
	return ok, err
}

// Upsert writes all records and the completion marker in one transaction.
// A transaction-scoped advisory lock on the fingerprint serializes writers
// across processes, so a second writer sees the marker and stops.
func (s *PostgresStore) Upsert(ctx context.Context, fp string, records []models.EmbeddingRecord) (bool, error) {
	if err := validateRecords(fp, records); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fp); err != nil {
		return false, fmt.Errorf("lock fingerprint: %w", err)
	}

	var done bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM repo_index WHERE fingerprint = $1)`, fp).Scan(&done); err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	const q = `
		INSERT INTO repo_chunks (fingerprint, source_path, seq, chunk_text, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint, source_path, seq) DO NOTHING`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(q, fp, r.SourcePath, r.Seq, r.ChunkText, pgvector.NewVector(r.Vector))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("insert chunks: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO repo_index (fingerprint, chunks) VALUES ($1, $2)`, fp, len(records)); err != nil {
		return false, fmt.Errorf("mark fingerprint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Nearest(ctx context.Context, fp string, vec []float32, k int) ([]models.RetrievalResult, error) {
	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}

	const q = `
		SELECT c.source_path, c.chunk_text, c.embedding <-> $2::vector AS distance
		FROM repo_chunks c
		WHERE c.fingerprint = $1
		  AND EXISTS (SELECT 1 FROM repo_index i WHERE i.fingerprint = $1)
		ORDER BY distance, c.id
		LIMIT $3`

	rows, err := s.pool.Query(ctx, q, fp, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RetrievalResult
	for rows.Next() {
		var r models.RetrievalResult
		if err := rows.Scan(&r.SourcePath, &r.ChunkText, &r.Distance); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveReadme(ctx context.Context, r models.CachedReadme) error {
	const q = `
		INSERT INTO readme_cache (owner, repo, readme, instructions, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (owner, repo) DO UPDATE SET
			readme       = EXCLUDED.readme,
			instructions = EXCLUDED.instructions,
			updated_at   = now()`
	_, err := s.pool.Exec(ctx, q, r.Owner, r.Repo, r.Readme, r.Instructions)
	return err
}

func (s *PostgresStore) GetReadme(ctx context.Context, owner, repo string) (models.CachedReadme, bool, error) {
	const q = `
		SELECT owner, repo, readme, instructions, updated_at
		FROM readme_cache
		WHERE owner = $1 AND repo = $2`
	var r models.CachedReadme
	err := s.pool.QueryRow(ctx, q, owner, repo).Scan(&r.Owner, &r.Repo, &r.Readme, &r.Instructions, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CachedReadme{}, false, nil
		}
		return models.CachedReadme{}, false, err
	}
	return r, true, nil
}

// Ping checks the database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
