package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/seanblong/repolens/pkg/models"
)

func rec(path string, seq int, vec ...float32) models.EmbeddingRecord {
	return models.EmbeddingRecord{
		SourcePath: path,
		Seq:        seq,
		ChunkText:  fmt.Sprintf("%s#%d", path, seq),
		Vector:     vec,
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Migrate(ctx, 2); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	t.Run("unknown fingerprint", func(t *testing.T) {
		ok, err := s.Exists(ctx, "missing")
		if err != nil || ok {
			t.Fatalf("Exists = %v, %v; want false, nil", ok, err)
		}
		res, err := s.Nearest(ctx, "missing", []float32{0, 0}, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 0 {
			t.Errorf("expected no results, got %d", len(res))
		}
	})

	t.Run("upsert and nearest", func(t *testing.T) {
		records := []models.EmbeddingRecord{
			rec("a.py", 0, 3, 0),
			rec("a.py", 1, 1, 0),
			rec("b.py", 0, 0, 2),
			rec("b.py", 1, 1, 0), // same vector as a.py#1, inserted later
		}
		wrote, err := s.Upsert(ctx, "fp1", records)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if !wrote {
			t.Fatal("expected first Upsert to write")
		}

		ok, err := s.Exists(ctx, "fp1")
		if err != nil || !ok {
			t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
		}

		res, err := s.Nearest(ctx, "fp1", []float32{1, 0}, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 3 {
			t.Fatalf("expected 3 results, got %d", len(res))
		}
		want := []string{"a.py#1", "b.py#1", "a.py#0"}
		for i, w := range want {
			if res[i].ChunkText != w {
				t.Errorf("result %d = %s, want %s", i, res[i].ChunkText, w)
			}
		}
		if res[0].Distance != 0 || res[2].Distance < res[1].Distance {
			t.Errorf("distances not ascending: %+v", res)
		}

		all, err := s.Nearest(ctx, "fp1", []float32{1, 0}, 50)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != len(records) {
			t.Errorf("expected all %d records when k exceeds count, got %d", len(records), len(all))
		}
	})

	t.Run("second upsert is a no-op", func(t *testing.T) {
		wrote, err := s.Upsert(ctx, "fp1", []models.EmbeddingRecord{rec("c.py", 0, 0, 1)})
		if err != nil {
			t.Fatal(err)
		}
		if wrote {
			t.Error("expected Upsert of a complete fingerprint to be skipped")
		}
		res, _ := s.Nearest(ctx, "fp1", []float32{0, 1}, 10)
		for _, r := range res {
			if r.SourcePath == "c.py" {
				t.Error("records from skipped Upsert must not be visible")
			}
		}
	})

	t.Run("fingerprints are isolated", func(t *testing.T) {
		if _, err := s.Upsert(ctx, "fp2", []models.EmbeddingRecord{rec("z.py", 0, 1, 0)}); err != nil {
			t.Fatal(err)
		}
		res, err := s.Nearest(ctx, "fp2", []float32{1, 0}, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 || res[0].SourcePath != "z.py" {
			t.Errorf("expected only fp2 records, got %+v", res)
		}
	})

	t.Run("identical chunks stay isolated", func(t *testing.T) {
		// Same path, text and vector as a record already stored under fp1.
		if _, err := s.Upsert(ctx, "fp5", []models.EmbeddingRecord{rec("a.py", 1, 1, 0)}); err != nil {
			t.Fatal(err)
		}
		res, err := s.Nearest(ctx, "fp5", []float32{1, 0}, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 || res[0].ChunkText != "a.py#1" {
			t.Errorf("expected only the fp5 record, got %+v", res)
		}
		res, err = s.Nearest(ctx, "fp1", []float32{1, 0}, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 4 {
			t.Errorf("expected fp1 to keep its 4 records, got %d", len(res))
		}
	})

	t.Run("invalid records rejected", func(t *testing.T) {
		_, err := s.Upsert(ctx, "fp3", []models.EmbeddingRecord{rec("a", 0, 1, 0), rec("b", 0, 1)})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for mixed dimensions, got %v", err)
		}
		_, err = s.Upsert(ctx, "", []models.EmbeddingRecord{rec("a", 0, 1, 0)})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty fingerprint, got %v", err)
		}
		if ok, _ := s.Exists(ctx, "fp3"); ok {
			t.Error("rejected Upsert must not mark the fingerprint")
		}
	})

	t.Run("concurrent upserts write once", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		writes := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wrote, err := s.Upsert(ctx, "fp4", []models.EmbeddingRecord{rec("x.py", 0, 1, 1), rec("x.py", 1, 2, 2)})
				if err != nil {
					t.Errorf("Upsert failed: %v", err)
					return
				}
				if wrote {
					mu.Lock()
					writes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if writes != 1 {
			t.Errorf("expected exactly one write, got %d", writes)
		}
		res, _ := s.Nearest(ctx, "fp4", []float32{0, 0}, 10)
		if len(res) != 2 {
			t.Errorf("expected 2 records without duplicates, got %d", len(res))
		}
	})

	t.Run("readme cache", func(t *testing.T) {
		if _, ok, err := s.GetReadme(ctx, "octo", "cat"); err != nil || ok {
			t.Fatalf("GetReadme on empty cache = %v, %v", ok, err)
		}
		if err := s.SaveReadme(ctx, models.CachedReadme{Owner: "octo", Repo: "cat", Readme: "# v1"}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveReadme(ctx, models.CachedReadme{Owner: "octo", Repo: "cat", Readme: "# v2", Instructions: "short"}); err != nil {
			t.Fatal(err)
		}
		got, ok, err := s.GetReadme(ctx, "octo", "cat")
		if err != nil || !ok {
			t.Fatalf("GetReadme = %v, %v", ok, err)
		}
		if got.Readme != "# v2" || got.Instructions != "short" {
			t.Errorf("expected latest readme, got %+v", got)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("expected UpdatedAt to be set")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "repolens.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore_DimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repolens.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx, 4); err != nil {
		t.Errorf("re-running Migrate with the same dimension failed: %v", err)
	}
	if err := s.Migrate(ctx, 8); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for dimension change, got %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("REPOLENS_TEST_DB_URL")
	if url == "" {
		t.Skip("REPOLENS_TEST_DB_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	for _, tbl := range []string{"repo_chunks", "repo_index", "readme_cache"} {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+tbl); err != nil {
			t.Fatal(err)
		}
	}
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "memory", opts: Options{Backend: BackendMemory}},
		{name: "sqlite", opts: Options{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")}},
		{name: "sqlite without path", opts: Options{Backend: BackendSQLite}, wantErr: true},
		{name: "postgres without url", opts: Options{Backend: BackendPostgres}, wantErr: true},
		{name: "unknown backend", opts: Options{Backend: "mongo"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.opts)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			_ = s.Close()
		})
	}
}
