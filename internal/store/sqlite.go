package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/seanblong/repolens/pkg/models"
)

func init() {
	sqlite_vec.Auto()
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS repo_chunks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    source_path TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    chunk_text  TEXT NOT NULL,
    embedding   BLOB NOT NULL,
    UNIQUE (fingerprint, source_path, seq)
);

CREATE INDEX IF NOT EXISTS repo_chunks_fingerprint_idx ON repo_chunks (fingerprint);

CREATE TABLE IF NOT EXISTS repo_index (
    fingerprint TEXT PRIMARY KEY,
    chunks      INTEGER NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS readme_cache (
    owner        TEXT NOT NULL,
    repo         TEXT NOT NULL,
    readme       TEXT NOT NULL,
    instructions TEXT NOT NULL DEFAULT '',
    updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (owner, repo)
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite file using sqlite-vec
// distance functions. Search is exact over one fingerprint's rows.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the schema and records the embedding dimension. A
// database created for another dimension is rejected.
func (s *SQLiteStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", models.ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx, sqliteDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'dim'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES ('dim', ?)", fmt.Sprint(dim))
		return err
	case err != nil:
		return err
	case stored != fmt.Sprint(dim):
		return fmt.Errorf("%w: database holds %s-dimension vectors, configured %d", models.ErrInvalidInput, stored, dim)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, fp string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM repo_index WHERE fingerprint = ?", fp).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) Upsert(ctx context.Context, fp string, records []models.EmbeddingRecord) (bool, error) {
	if err := validateRecords(fp, records); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM repo_index WHERE fingerprint = ?", fp).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO repo_chunks (fingerprint, source_path, seq, chunk_text, embedding) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	for _, r := range records {
		blob, err := sqlite_vec.SerializeFloat32(r.Vector)
		if err != nil {
			return false, fmt.Errorf("serialize embedding for %s#%d: %w", r.SourcePath, r.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx, fp, r.SourcePath, r.Seq, r.ChunkText, blob); err != nil {
			return false, fmt.Errorf("insert chunk %s#%d: %w", r.SourcePath, r.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO repo_index (fingerprint, chunks) VALUES (?, ?)", fp, len(records)); err != nil {
		return false, fmt.Errorf("mark fingerprint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Nearest(ctx context.Context, fp string, vec []float32, k int) ([]models.RetrievalResult, error) {
	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.source_path, c.chunk_text, vec_distance_l2(c.embedding, ?) AS distance
		FROM repo_chunks c
		WHERE c.fingerprint = ?
		  AND EXISTS (SELECT 1 FROM repo_index i WHERE i.fingerprint = c.fingerprint)
		ORDER BY distance, c.id
		LIMIT ?
	`, blob, fp, k)
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

func (s *SQLiteStore) SaveReadme(ctx context.Context, r models.CachedReadme) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readme_cache (owner, repo, readme, instructions, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner, repo) DO UPDATE SET
			readme       = excluded.readme,
			instructions = excluded.instructions,
			updated_at   = excluded.updated_at`,
		r.Owner, r.Repo, r.Readme, r.Instructions, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) GetReadme(ctx context.Context, owner, repo string) (models.CachedReadme, bool, error) {
	var r models.CachedReadme
	err := s.db.QueryRowContext(ctx,
		"SELECT owner, repo, readme, instructions, updated_at FROM readme_cache WHERE owner = ? AND repo = ?",
		owner, repo,
	).Scan(&r.Owner, &r.Repo, &r.Readme, &r.Instructions, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CachedReadme{}, false, nil
	}
	if err != nil {
		return models.CachedReadme{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
