package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/seanblong/repolens/internal/auth"
	"github.com/seanblong/repolens/internal/pipeline"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/internal/sse"
	"github.com/seanblong/repolens/internal/store"
	"github.com/seanblong/repolens/pkg/models"
)

const maxBodyBytes = 32 << 20

type server struct {
	pipe    *pipeline.Orchestrator
	store   store.Store
	auth    *auth.Authenticator
	timeout time.Duration
}

// repoBody is the request body shared by the diagram and README routes.
type repoBody struct {
	Owner        string `json:"username"`
	Repo         string `json:"repo"`
	Instructions string `json:"instructions"`
	AccessToken  string `json:"githubAccessToken"`
}

func (b repoBody) diagram() pipeline.DiagramRequest {
	return pipeline.DiagramRequest{Owner: b.Owner, Repo: b.Repo, Instructions: b.Instructions}
}

func (b repoBody) readme() pipeline.ReadmeRequest {
	return pipeline.ReadmeRequest{Owner: b.Owner, Repo: b.Repo, Instructions: b.Instructions}
}

type chatBody struct {
	pipeline.ChatRequest
	AccessToken string `json:"githubAccessToken"`
}

// flow runs one pipeline session against emit.
type flow func(ctx context.Context, emit pipeline.Emitter) error

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("GET /db/health", s.handleDBHealth)

	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.auth.Enabled()})
	})
	if s.auth.Enabled() {
		s.auth.Register(mux)
	}

	mux.HandleFunc("POST /chat/rag", s.auth.OptionalAuthMiddleware(s.handleChat))
	mux.HandleFunc("POST /generate/stream", s.auth.OptionalAuthMiddleware(s.handleDiagramStream))
	mux.HandleFunc("POST /generate/non-stream", s.auth.OptionalAuthMiddleware(s.handleDiagram))
	mux.HandleFunc("POST /generate/cost", s.auth.OptionalAuthMiddleware(s.handleDiagramCost))
	mux.HandleFunc("POST /readme/generate/stream", s.auth.OptionalAuthMiddleware(s.handleReadmeStream))
	mux.HandleFunc("POST /readme/generate", s.auth.OptionalAuthMiddleware(s.handleReadme))
	mux.HandleFunc("POST /readme/cost", s.auth.OptionalAuthMiddleware(s.handleReadmeCost))
	mux.HandleFunc("GET /readme/cached", s.auth.OptionalAuthMiddleware(s.handleCachedReadme))
	return mux
}

func (s *server) handleDBHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "connected"})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if !decode(w, r, &body) {
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := source.WithAccessToken(r.Context(), body.AccessToken)
	s.stream(ctx, w, r, "chat", func(ctx context.Context, emit pipeline.Emitter) error {
		return s.pipe.Chat(ctx, body.ChatRequest, emit)
	})
}

func (s *server) handleDiagramStream(w http.ResponseWriter, r *http.Request) {
	body, ok := s.repoRequest(w, r, func(b repoBody) error { return b.diagram().Validate() })
	if !ok {
		return
	}
	ctx := source.WithAccessToken(r.Context(), body.AccessToken)
	s.stream(ctx, w, r, "diagram", func(ctx context.Context, emit pipeline.Emitter) error {
		return s.pipe.Diagram(ctx, body.diagram(), emit)
	})
}

func (s *server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	body, ok := s.repoRequest(w, r, func(b repoBody) error { return b.diagram().Validate() })
	if !ok {
		return
	}
	ctx := source.WithAccessToken(r.Context(), body.AccessToken)
	s.collect(ctx, w, r, func(ctx context.Context, emit pipeline.Emitter) error {
		return s.pipe.Diagram(ctx, body.diagram(), emit)
	})
}

func (s *server) handleReadmeStream(w http.ResponseWriter, r *http.Request) {
	body, ok := s.repoRequest(w, r, func(b repoBody) error { return b.readme().Validate() })
	if !ok {
		return
	}
	ctx := source.WithAccessToken(r.Context(), body.AccessToken)
	s.stream(ctx, w, r, "readme", func(ctx context.Context, emit pipeline.Emitter) error {
		return s.pipe.Readme(ctx, body.readme(), emit)
	})
}

func (s *server) handleReadme(w http.ResponseWriter, r *http.Request) {
	body, ok := s.repoRequest(w, r, func(b repoBody) error { return b.readme().Validate() })
	if !ok {
		return
	}
	ctx := source.WithAccessToken(r.Context(), body.AccessToken)
	s.collect(ctx, w, r, func(ctx context.Context, emit pipeline.Emitter) error {
		return s.pipe.Readme(ctx, body.readme(), emit)
	})
}

func (s *server) handleDiagramCost(w http.ResponseWriter, r *http.Request) {
	body, ok := s.repoRequest(w, r, func(b repoBody) error { return b.diagram().Validate() })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(source.WithAccessToken(r.Context(), body.AccessToken), 30*time.Second)
	defer cancel()
	cost, err := s.pipe.DiagramCost(ctx, body.Owner, body.Repo)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

func (s *server) handleReadmeCost(w http.ResponseWriter, r *http.Request) {
	body, ok := s.repoRequest(w, r, func(b repoBody) error { return b.readme().Validate() })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(source.WithAccessToken(r.Context(), body.AccessToken), time.Minute)
	defer cancel()
	cost, err := s.pipe.ReadmeCost(ctx, body.Owner, body.Repo, body.Instructions)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

func (s *server) handleCachedReadme(w http.ResponseWriter, r *http.Request) {
	owner, repo := r.URL.Query().Get("username"), r.URL.Query().Get("repo")
	if owner == "" || repo == "" {
		writeError(w, http.StatusBadRequest, "username and repo are required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	cached, ok, err := s.store.GetReadme(ctx, owner, repo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no cached readme for "+owner+"/"+repo)
		return
	}
	writeJSON(w, http.StatusOK, cached)
}

// repoRequest decodes and validates a repoBody, answering 400 on failure.
func (s *server) repoRequest(w http.ResponseWriter, r *http.Request, validate func(repoBody) error) (repoBody, bool) {
	var body repoBody
	if !decode(w, r, &body) {
		return body, false
	}
	if err := validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return body, false
	}
	return body, true
}

// stream relays a session as server-sent events. Status codes are only
// available until the stream opens; later failures arrive as error events.
func (s *server) stream(ctx context.Context, w http.ResponseWriter, r *http.Request, name string, run flow) {
	start := time.Now()
	sw := sse.NewWriter(w, s.timeout)
	err := run(ctx, sw.Emit)

	ev := hlog.FromRequest(r).Info()
	if err != nil {
		ev = hlog.FromRequest(r).Warn().Err(err)
	}
	ev.Str("flow", name).Bool("client_gone", errors.Is(err, pipeline.ErrClientGone)).Dur("dur", time.Since(start)).Msg("session finished")
}

// collect runs a session to completion and answers with its result.
func (s *server) collect(ctx context.Context, w http.ResponseWriter, r *http.Request, run flow) {
	var result pipeline.Result
	err := run(ctx, func(ev pipeline.Event) error {
		if c, ok := ev.(pipeline.Complete); ok {
			result = c.Result
		}
		return nil
	})
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("generation failed")
		writeError(w, statusFor(err), pipeline.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInstructionsRejected),
		errors.Is(err, models.ErrBudgetExceeded),
		errors.Is(err, pipeline.ErrNoFiles):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUpstreamUnavailable), errors.Is(err, models.ErrMalformedOutput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
