package indexer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/fingerprint"
	"github.com/seanblong/repolens/internal/store"
	"github.com/seanblong/repolens/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockEmbedder implements ai.Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
	DimFunc   func() int

	mu    sync.Mutex
	calls [][]string
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), texts...))
	m.mu.Unlock()
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func (m *MockEmbedder) Dim() int {
	if m.DimFunc != nil {
		return m.DimFunc()
	}
	return 3
}

func (m *MockEmbedder) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockEmbedder) TextsEmbedded() int {
	n := 0
	for _, c := range m.Calls() {
		n += len(c)
	}
	return n
}

// MockLocker implements lock.Locker for testing
type MockLocker struct {
	AcquireFunc func(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseFunc func(ctx context.Context, name string) error
}

func (m *MockLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, name, ttl)
	}
	return true, nil
}

func (m *MockLocker) Release(ctx context.Context, name string) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, name)
	}
	return nil
}

var _ ai.Embedder = (*MockEmbedder)(nil)

func sampleFiles() []models.File {
	return []models.File{
		{Path: "a.py", Content: strings.Repeat("a", 1200)},
		{Path: "b.py", Content: "def bar(): pass"},
	}
}

func newTestIndexer(t *testing.T, e ai.Embedder, opts Options) (*Indexer, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemory()
	if err := s.Migrate(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	ix, err := New(s, e, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ix, s
}

func TestNew(t *testing.T) {
	e := &MockEmbedder{}
	tests := []struct {
		name    string
		store   store.Store
		emb     ai.Embedder
		opts    Options
		wantErr bool
	}{
		{name: "defaults", store: store.NewMemory(), emb: e},
		{name: "custom chunking", store: store.NewMemory(), emb: e, opts: Options{ChunkSize: 100, ChunkOverlap: 10}},
		{name: "bad chunking", store: store.NewMemory(), emb: e, opts: Options{ChunkSize: 10, ChunkOverlap: 10}, wantErr: true},
		{name: "missing store", store: nil, emb: e, wantErr: true},
		{name: "missing embedder", store: store.NewMemory(), emb: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix, err := New(tt.store, tt.emb, tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ix.BatchSize != DefaultBatchSize || ix.Workers <= 0 || ix.Locker == nil {
				t.Errorf("defaults not applied: %+v", ix)
			}
		})
	}
}

func TestEnsureEmbedded_EmptySet(t *testing.T) {
	e := &MockEmbedder{}
	ix, s := newTestIndexer(t, e, Options{})

	summary, err := ix.EnsureEmbedded(context.Background(), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Chunks != 0 || summary.Files != 0 || summary.Fingerprint == "" {
		t.Errorf("unexpected summary %+v", summary)
	}
	if len(e.Calls()) != 0 {
		t.Error("expected no embedding calls")
	}
	if ok, _ := s.Exists(context.Background(), summary.Fingerprint); ok {
		t.Error("expected nothing written for an empty set")
	}
}

func TestEnsureEmbedded_BatchesAndStores(t *testing.T) {
	e := &MockEmbedder{}
	ix, s := newTestIndexer(t, e, Options{BatchSize: 2, Workers: 2})
	ctx := context.Background()
	files := sampleFiles()

	summary, err := ix.EnsureEmbedded(ctx, files)
	if err != nil {
		t.Fatalf("EnsureEmbedded failed: %v", err)
	}
	// 1200 runes at 500/50 yields windows at 0, 450, 900; b.py is one chunk.
	if summary.Chunks != 4 || summary.Files != 2 || summary.Cached {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.Fingerprint != fingerprint.Of(files) {
		t.Error("summary fingerprint does not match snapshot fingerprint")
	}
	for _, c := range e.Calls() {
		if len(c) > 2 {
			t.Errorf("batch of %d exceeds batch size 2", len(c))
		}
	}
	if e.TextsEmbedded() != 4 {
		t.Errorf("expected 4 texts embedded, got %d", e.TextsEmbedded())
	}

	res, err := s.Nearest(ctx, summary.Fingerprint, []float32{15, 1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].SourcePath != "b.py" {
		t.Errorf("expected b.py nearest to its own vector, got %+v", res)
	}
}

func TestEnsureEmbedded_Idempotent(t *testing.T) {
	e := &MockEmbedder{}
	ix, _ := newTestIndexer(t, e, Options{})
	ctx := context.Background()

	if _, err := ix.EnsureEmbedded(ctx, sampleFiles()); err != nil {
		t.Fatal(err)
	}
	calls := len(e.Calls())

	// Same snapshot in a different order.
	files := sampleFiles()
	files[0], files[1] = files[1], files[0]
	summary, err := ix.EnsureEmbedded(ctx, files)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Cached {
		t.Error("expected second call to be served from cache")
	}
	if len(e.Calls()) != calls {
		t.Error("expected no new embedding calls")
	}
}

func TestEnsureEmbedded_ConcurrentCallsEmbedOnce(t *testing.T) {
	release := make(chan struct{})
	e := &MockEmbedder{}
	e.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		<-release
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2, 3}
		}
		return out, nil
	}
	ix, _ := newTestIndexer(t, e, Options{})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ix.EnsureEmbedded(context.Background(), sampleFiles()); err != nil {
				failures.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d calls failed", failures.Load())
	}
	if got := e.TextsEmbedded(); got != 4 {
		t.Errorf("expected each chunk embedded once (4), got %d", got)
	}
}

func TestEnsureEmbedded_Failures(t *testing.T) {
	tests := []struct {
		name  string
		embed func(ctx context.Context, texts []string) ([][]float32, error)
	}{
		{
			name: "upstream error",
			embed: func(ctx context.Context, texts []string) ([][]float32, error) {
				return nil, models.ErrUpstreamUnavailable
			},
		},
		{
			name: "vector count mismatch",
			embed: func(ctx context.Context, texts []string) ([][]float32, error) {
				return [][]float32{{1, 2, 3}}, nil
			},
		},
		{
			name: "wrong dimension",
			embed: func(ctx context.Context, texts []string) ([][]float32, error) {
				out := make([][]float32, len(texts))
				for i := range out {
					out[i] = []float32{1}
				}
				return out, nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &MockEmbedder{EmbedFunc: tt.embed}
			ix, s := newTestIndexer(t, e, Options{})
			files := sampleFiles()

			_, err := ix.EnsureEmbedded(context.Background(), files)
			if !errors.Is(err, models.ErrUpstreamUnavailable) {
				t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
			}
			if ok, _ := s.Exists(context.Background(), fingerprint.Of(files)); ok {
				t.Error("failed embedding must leave the fingerprint absent")
			}

			// A later attempt with a healthy upstream succeeds.
			e.EmbedFunc = nil
			if _, err := ix.EnsureEmbedded(context.Background(), files); err != nil {
				t.Errorf("retry failed: %v", err)
			}
		})
	}
}

func TestEnsureEmbedded_LockHeldElsewhere(t *testing.T) {
	e := &MockEmbedder{}
	ix, s := newTestIndexer(t, e, Options{PollInterval: time.Millisecond})
	files := sampleFiles()
	fp := fingerprint.Of(files)
	other := []models.EmbeddingRecord{{SourcePath: "b.py", ChunkText: "x", Vector: []float32{1, 1, 1}}}

	// Another process holds the commit lock and finishes the snapshot meanwhile.
	ix.Locker = &MockLocker{AcquireFunc: func(ctx context.Context, name string, ttl time.Duration) (bool, error) {
		if name != "commit:"+fp {
			t.Errorf("unexpected lock name %s", name)
		}
		_, err := s.Upsert(ctx, fp, other)
		return false, err
	}}

	summary, err := ix.EnsureEmbedded(context.Background(), files)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Cached {
		t.Error("expected snapshot completed elsewhere to be reported as cached")
	}
	if len(e.Calls()) == 0 {
		t.Error("expected vectors to be computed before waiting on the commit lock")
	}
	res, err := s.Nearest(context.Background(), fp, []float32{1, 1, 1}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != len(other) {
		t.Errorf("expected only the other writer's %d records, got %d", len(other), len(res))
	}
}

func TestEnsureEmbedded_NoLockDuringEmbedding(t *testing.T) {
	var held atomic.Bool
	var acquires atomic.Int32
	e := &MockEmbedder{}
	e.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if held.Load() {
			t.Error("embedding call made while holding the lock")
		}
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2, 3}
		}
		return out, nil
	}
	ix, s := newTestIndexer(t, e, Options{BatchSize: 1})
	ix.Locker = &MockLocker{
		AcquireFunc: func(ctx context.Context, name string, ttl time.Duration) (bool, error) {
			acquires.Add(1)
			held.Store(true)
			return true, nil
		},
		ReleaseFunc: func(ctx context.Context, name string) error {
			held.Store(false)
			return nil
		},
	}

	files := sampleFiles()
	if _, err := ix.EnsureEmbedded(context.Background(), files); err != nil {
		t.Fatal(err)
	}
	if acquires.Load() != 1 {
		t.Errorf("expected one commit lock acquisition, got %d", acquires.Load())
	}
	if held.Load() {
		t.Error("lock not released after commit")
	}
	if ok, _ := s.Exists(context.Background(), fingerprint.Of(files)); !ok {
		t.Error("expected snapshot to be stored")
	}
}

func TestEnsureEmbedded_CallerCancelled(t *testing.T) {
	release := make(chan struct{})
	e := &MockEmbedder{}
	e.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		<-release
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2, 3}
		}
		return out, nil
	}
	ix, s := newTestIndexer(t, e, Options{})
	files := sampleFiles()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ix.EnsureEmbedded(ctx, files)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The detached embedding still completes for later callers.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, _ := s.Exists(context.Background(), fingerprint.Of(files))
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("embedding did not complete after caller left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
