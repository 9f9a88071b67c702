package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/auth"
	"github.com/seanblong/repolens/internal/indexer"
	"github.com/seanblong/repolens/internal/pipeline"
	"github.com/seanblong/repolens/internal/search"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/internal/store"
	"github.com/seanblong/repolens/internal/tokens"
	"github.com/seanblong/repolens/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type fakeRepos struct {
	overview source.Overview
	files    []models.File
	err      error
}

func (f *fakeRepos) Overview(context.Context, string, string) (source.Overview, error) {
	return f.overview, f.err
}

func (f *fakeRepos) ListFiles(context.Context, string) ([]models.File, error) {
	return f.files, f.err
}

func newTestServer(t *testing.T, repos pipeline.Repos, authn *auth.Authenticator) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	client := ai.NewStubClient(16)
	st := store.NewMemory()
	require.NoError(t, st.Migrate(ctx, client.Dim()))

	ix, err := indexer.New(st, client, indexer.Options{})
	require.NoError(t, err)
	counter, err := tokens.NewTiktoken(tokens.DefaultEncoding)
	require.NoError(t, err)
	if repos == nil {
		repos = &fakeRepos{
			overview: source.Overview{DefaultBranch: "main", FileTree: "cmd/api/main.go\ninternal/store/store.go", Readme: "# demo"},
			files:    []models.File{{Path: "README.md", Content: "# demo"}, {Path: "main.go", Content: "package main"}},
		}
	}
	pipe, err := pipeline.New(pipeline.Deps{
		LLM:       client,
		Counter:   counter,
		Repos:     repos,
		Indexer:   ix,
		Retriever: search.NewService(client, st),
		Readmes:   st,
	}, pipeline.Options{})
	require.NoError(t, err)

	if authn == nil {
		authn, err = auth.New(auth.Config{})
		require.NoError(t, err)
	}
	srv := &server{pipe: pipe, store: st, auth: authn}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, st
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// readEvents decodes every data frame of an event stream.
func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	var out []map[string]any
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func statuses(events []map[string]any) []string {
	var out []string
	for _, e := range events {
		s := e["status"].(string)
		if strings.HasSuffix(s, "_chunk") && len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

func TestChatStream(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	body := `{"question":"where is main","files":[{"path":"main.go","content":"package main\n\nfunc main() {}"}],"selected_file_path":"main.go"}`
	resp := post(t, ts.URL+"/chat/rag", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp)
	assert.Equal(t, []string{"started", "embedding", "embedded", "retrieving", "retrieved", "llm_chunk", "complete"}, statuses(events))
	for i, e := range events {
		assert.EqualValues(t, i+1, e["seq"])
	}
	assert.Equal(t, "Stub response based on context, question.", events[len(events)-1]["response"])
}

func TestDiagramStream(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp := post(t, ts.URL+"/generate/stream", `{"username":"octo","repo":"demo"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp)
	last := events[len(events)-1]
	require.Equal(t, "complete", last["status"], "events: %v", statuses(events))
	assert.Contains(t, statuses(events), "explanation_chunk")
	assert.Contains(t, statuses(events), "mapping_chunk")
	assert.Contains(t, statuses(events), "diagram_chunk")
	assert.NotEmpty(t, last["mapping"])
}

func TestStreamErrorsBecomeEvents(t *testing.T) {
	ts, _ := newTestServer(t, &fakeRepos{err: models.ErrNotFound}, nil)

	resp := post(t, ts.URL+"/readme/generate/stream", `{"username":"octo","repo":"missing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp)
	last := events[len(events)-1]
	assert.Equal(t, "error", last["status"])
	assert.Contains(t, last["error"], "not found")
}

func TestRequestValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"empty body", "/generate/stream", "", "request body is required"},
		{"bad json", "/chat/rag", "{", "invalid request body"},
		{"missing repo", "/generate/stream", `{"username":"octo"}`, "username and repo are required"},
		{"long instructions", "/generate/stream", `{"username":"o","repo":"r","instructions":"` + strings.Repeat("x", 1001) + `"}`, "1000"},
		{"blank question", "/chat/rag", `{"question":"  "}`, "question is required"},
		{"readme without user", "/readme/generate/stream", `{"repo":"r"}`, "username and repo are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			var e map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.Contains(t, e["error"], tt.want)
		})
	}
}

func TestReadmeIsCached(t *testing.T) {
	ts, st := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/readme/cached?username=octo&repo=demo")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, ts.URL+"/readme/generate", `{"username":"octo","repo":"demo","instructions":"short"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got pipeline.ReadmeResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "Stub response based on files.", got.Readme)

	cached, ok, err := st.GetReadme(context.Background(), "octo", "demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "short", cached.Instructions)

	resp, err = http.Get(ts.URL + "/readme/cached?username=octo&repo=demo")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body models.CachedReadme
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, got.Readme, body.Readme)
}

func TestCostRoutes(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	for _, path := range []string{"/generate/cost", "/readme/cost"} {
		t.Run(path, func(t *testing.T) {
			resp := post(t, ts.URL+path, `{"username":"octo","repo":"demo"}`)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var c pipeline.Cost
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
			assert.True(t, strings.HasPrefix(c.Cost, "$"))
			assert.True(t, strings.HasSuffix(c.Cost, " USD"))
			assert.Positive(t, c.InputTokens)
		})
	}

	missing, _ := newTestServer(t, &fakeRepos{err: models.ErrNotFound}, nil)
	resp := post(t, missing.URL+"/generate/cost", `{"username":"octo","repo":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndAuthStatus(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	for path, want := range map[string]string{
		"/db/health":   `"healthy"`,
		"/auth/status": `"enabled":false`,
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		var b strings.Builder
		_, _ = bufio.NewReader(resp.Body).WriteTo(&b)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, b.String(), want, path)
	}
}

func TestStreamsRequireTokenWhenAuthEnabled(t *testing.T) {
	authn, err := auth.New(auth.Config{Enabled: true, JwtSecret: "s", ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	ts, _ := newTestServer(t, nil, authn)

	resp := post(t, ts.URL+"/chat/rag", `{"question":"q"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := authn.GenerateJWT(&auth.GithubUser{Login: "octocat"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/chat/rag", strings.NewReader(`{"question":"q"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp)
	assert.Equal(t, "complete", events[len(events)-1]["status"])
}
