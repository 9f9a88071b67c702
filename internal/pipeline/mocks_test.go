package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockLLM implements ai.LLM for testing and records every call.
type MockLLM struct {
	mu         sync.Mutex
	StreamFunc func(call int, system string, vars []ai.Var, fn func(string) error) error
	Systems    []string
	Vars       [][]ai.Var
}

func (m *MockLLM) Complete(ctx context.Context, system string, vars []ai.Var) (string, error) {
	var b strings.Builder
	err := m.Stream(ctx, system, vars, func(f string) error {
		b.WriteString(f)
		return nil
	})
	return b.String(), err
}

func (m *MockLLM) Stream(ctx context.Context, system string, vars []ai.Var, fn func(string) error) error {
	m.mu.Lock()
	m.Systems = append(m.Systems, system)
	m.Vars = append(m.Vars, vars)
	call := len(m.Systems) - 1
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(call, system, vars, fn)
	}
	return fn("ok")
}

func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Systems)
}

// scripted streams outputs[call] fragment by fragment.
func scripted(outputs ...[]string) func(int, string, []ai.Var, func(string) error) error {
	return func(call int, _ string, _ []ai.Var, fn func(string) error) error {
		if call >= len(outputs) {
			return errors.New("unexpected call")
		}
		for _, f := range outputs[call] {
			if err := fn(f); err != nil {
				return err
			}
		}
		return nil
	}
}

// MockCounter implements tokens.Counter for testing
type MockCounter struct {
	CountFunc func(text string) int
}

func (m *MockCounter) Count(text string) int {
	if m.CountFunc != nil {
		return m.CountFunc(text)
	}
	return (len(text) + 3) / 4
}

// MockRepos implements Repos for testing
type MockRepos struct {
	OverviewFunc  func(ctx context.Context, owner, repo string) (source.Overview, error)
	ListFilesFunc func(ctx context.Context, repoID string) ([]models.File, error)
}

func (m *MockRepos) Overview(ctx context.Context, owner, repo string) (source.Overview, error) {
	if m.OverviewFunc != nil {
		return m.OverviewFunc(ctx, owner, repo)
	}
	return source.Overview{DefaultBranch: "main", FileTree: "cmd/api/main.go\ninternal/store/store.go", Readme: "# cat"}, nil
}

func (m *MockRepos) ListFiles(ctx context.Context, repoID string) ([]models.File, error) {
	if m.ListFilesFunc != nil {
		return m.ListFilesFunc(ctx, repoID)
	}
	return []models.File{
		{Path: "README.md", Content: "# cat"},
		{Path: "main.go", Content: "package main"},
	}, nil
}

// MockIndexer implements Indexer for testing
type MockIndexer struct {
	EnsureEmbeddedFunc func(ctx context.Context, files []models.File) (models.EmbedSummary, error)
}

func (m *MockIndexer) EnsureEmbedded(ctx context.Context, files []models.File) (models.EmbedSummary, error) {
	if m.EnsureEmbeddedFunc != nil {
		return m.EnsureEmbeddedFunc(ctx, files)
	}
	return models.EmbedSummary{Fingerprint: "fp", Files: len(files), Chunks: len(files)}, nil
}

// MockRetriever implements Retriever for testing
type MockRetriever struct {
	QueryFunc func(ctx context.Context, text, fp string, k int) ([]models.RetrievalResult, error)
}

func (m *MockRetriever) Query(ctx context.Context, text, fp string, k int) ([]models.RetrievalResult, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, text, fp, k)
	}
	return nil, nil
}

// MockReadmeCache implements ReadmeCache for testing
type MockReadmeCache struct {
	SaveReadmeFunc func(ctx context.Context, r models.CachedReadme) error
	Saved          []models.CachedReadme
}

func (m *MockReadmeCache) SaveReadme(ctx context.Context, r models.CachedReadme) error {
	m.Saved = append(m.Saved, r)
	if m.SaveReadmeFunc != nil {
		return m.SaveReadmeFunc(ctx, r)
	}
	return nil
}

// recorder collects emitted events. With failAfter > 0 it refuses every
// event after that many, like a client that went away.
type recorder struct {
	events    []Event
	attempts  int
	failAfter int
}

func (r *recorder) emit(ev Event) error {
	r.attempts++
	if r.failAfter > 0 && r.attempts > r.failAfter {
		return errors.New("write: broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) last() Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) errorEvents() []Error {
	var out []Error
	for _, ev := range r.events {
		if e, ok := ev.(Error); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) chunks(phase string) []Chunk {
	var out []Chunk
	for _, ev := range r.events {
		if c, ok := ev.(Chunk); ok && (phase == "" || c.Phase == phase) {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) stages() []string {
	var out []string
	for _, ev := range r.events {
		switch e := ev.(type) {
		case Started:
			out = append(out, "started")
		case Status:
			out = append(out, e.Stage)
		case Retrieved:
			out = append(out, "retrieved")
		case Complete:
			out = append(out, "complete")
		case Error:
			out = append(out, "error")
		}
	}
	return out
}

func varValue(vars []ai.Var, key string) string {
	for _, v := range vars {
		if v.Key == key {
			return v.Value
		}
	}
	return ""
}

func newTestOrchestrator(llm ai.LLM, d Deps, opts Options) *Orchestrator {
	d.LLM = llm
	if d.Counter == nil {
		d.Counter = &MockCounter{}
	}
	o, err := New(d, opts)
	if err != nil {
		panic(err)
	}
	return o
}
