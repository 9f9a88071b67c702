package store

import (
	"context"
	"fmt"

	"github.com/seanblong/repolens/pkg/models"
)

// Store persists embedded chunks keyed by snapshot fingerprint, plus
// generated READMEs keyed by repository.
type Store interface {
	Migrate(ctx context.Context, dim int) error
	// Exists reports whether a complete record set is stored for fp.
	Exists(ctx context.Context, fp string) (bool, error)
	// Upsert atomically stores records and marks fp complete. It returns
	// false without writing when fp was already complete.
	Upsert(ctx context.Context, fp string, records []models.EmbeddingRecord) (bool, error)
	// Nearest returns up to k records of fp ordered by ascending L2
	// distance, ties broken by insertion order.
	Nearest(ctx context.Context, fp string, vec []float32, k int) ([]models.RetrievalResult, error)
	ReadmeCache
	Ping(ctx context.Context) error
	Close() error
}

// ReadmeCache holds the latest generated README per repository.
type ReadmeCache interface {
	SaveReadme(ctx context.Context, r models.CachedReadme) error
	GetReadme(ctx context.Context, owner, repo string) (models.CachedReadme, bool, error)
}

// Backend names a Store implementation.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend     Backend
	DatabaseURL string
	SQLitePath  string
}

// Open connects to the configured backend. The caller runs Migrate.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendPostgres, "":
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: database url is required for postgres", models.ErrInvalidInput)
		}
		s, err := New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("%w: sqlite path is required", models.ErrInvalidInput)
		}
		s, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidInput, opts.Backend)
	}
}

func validateRecords(fp string, records []models.EmbeddingRecord) error {
	if fp == "" {
		return fmt.Errorf("%w: empty fingerprint", models.ErrInvalidInput)
	}
	dim := -1
	for i, r := range records {
		if r.Fingerprint != "" && r.Fingerprint != fp {
			return fmt.Errorf("%w: record %d belongs to fingerprint %s", models.ErrInvalidInput, i, r.Fingerprint)
		}
		if len(r.Vector) == 0 {
			return fmt.Errorf("%w: record %d has no vector", models.ErrInvalidInput, i)
		}
		if dim >= 0 && len(r.Vector) != dim {
			return fmt.Errorf("%w: record %d has dimension %d, expected %d", models.ErrInvalidInput, i, len(r.Vector), dim)
		}
		dim = len(r.Vector)
	}
	return nil
}
