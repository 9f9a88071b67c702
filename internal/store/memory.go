package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/repolens/pkg/models"
)

// MemoryStore is a process-local Store for tests and single-shot runs.
type MemoryStore struct {
	mu      sync.RWMutex
	dim     int
	records map[string][]models.EmbeddingRecord
	readmes map[string]models.CachedReadme
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]models.EmbeddingRecord),
		readmes: make(map[string]models.CachedReadme),
	}
}

func (m *MemoryStore) Migrate(_ context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", models.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dim = dim
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, fp string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[fp]
	return ok, nil
}

func (m *MemoryStore) Upsert(_ context.Context, fp string, records []models.EmbeddingRecord) (bool, error) {
	if err := validateRecords(fp, records); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[fp]; ok {
		return false, nil
	}
	if m.dim > 0 && len(records) > 0 && len(records[0].Vector) != m.dim {
		return false, fmt.Errorf("%w: expected %d-dimension vectors, got %d", models.ErrInvalidInput, m.dim, len(records[0].Vector))
	}

	stored := make([]models.EmbeddingRecord, len(records))
	for i, r := range records {
		r.Fingerprint = fp
		r.Vector = append([]float32(nil), r.Vector...)
		stored[i] = r
	}
	m.records[fp] = stored
	return true, nil
}

func (m *MemoryStore) Nearest(_ context.Context, fp string, vec []float32, k int) ([]models.RetrievalResult, error) {
	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	records := m.records[fp]
	m.mu.RUnlock()

	out := make([]models.RetrievalResult, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != len(vec) {
			return nil, fmt.Errorf("%w: query has dimension %d, stored %d", models.ErrInvalidInput, len(vec), len(r.Vector))
		}
		out = append(out, models.RetrievalResult{
			SourcePath: r.SourcePath,
			ChunkText:  r.ChunkText,
			Distance:   l2(vec, r.Vector),
		})
	}
	// Stable sort keeps insertion order among equal distances.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryStore) SaveReadme(_ context.Context, r models.CachedReadme) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.UpdatedAt = time.Now().UTC()
	m.readmes[r.Owner+"/"+r.Repo] = r
	return nil
}

func (m *MemoryStore) GetReadme(_ context.Context, owner, repo string) (models.CachedReadme, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readmes[owner+"/"+repo]
	return r, ok, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
