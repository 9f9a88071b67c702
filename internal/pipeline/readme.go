package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/pkg/models"
)

var ErrNoFiles = errors.New("no files found in repository")

type ReadmeRequest struct {
	Owner        string `json:"username"`
	Repo         string `json:"repo"`
	Instructions string `json:"instructions"`
}

func (r ReadmeRequest) Validate() error {
	if r.Owner == "" || r.Repo == "" {
		return fmt.Errorf("%w: username and repo are required", models.ErrInvalidInput)
	}
	return nil
}

// Readme fetches the repository's key files and streams a generated
// README. The result is cached after the client has it.
func (o *Orchestrator) Readme(ctx context.Context, req ReadmeRequest, emit Emitter) error {
	s := NewSession("readme "+req.Owner+"/"+req.Repo, emit, PhaseAnswer)
	if err := req.Validate(); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.Emit(Started{SessionID: s.ID, Message: "Starting README generation..."}); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.status("fetching", "Fetching repository files..."); err != nil {
		return s.fail(ctx, err)
	}
	files, err := o.fetchFiles(ctx, req.Owner, req.Repo)
	if err != nil {
		return s.fail(ctx, err)
	}
	if err := s.status("fetched", fmt.Sprintf("Fetched %d files from repository", len(files))); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.status("analyzing", "Analyzing repository structure and content..."); err != nil {
		return s.fail(ctx, err)
	}
	system := readmePrompt
	if req.Instructions != "" {
		system += "\n\nAdditional Instructions: " + req.Instructions
	}
	formatted := FormatFiles(files)
	if err := o.checkHardLimit("repository content", formatted, req.Instructions); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.status("generating", "Generating README content..."); err != nil {
		return s.fail(ctx, err)
	}
	out := runPhase(ctx, o.LLM, s, Phase{
		Name:   PhaseAnswer,
		System: system,
		Vars:   []ai.Var{{Key: "files", Value: formatted}},
	})
	if out.Kind != OutcomeOK {
		return s.fail(ctx, out.Err)
	}
	if err := s.Emit(Complete{Result: ReadmeResult{Readme: out.Text}}); err != nil {
		return s.fail(ctx, err)
	}

	o.cacheReadme(ctx, models.CachedReadme{
		Owner:        req.Owner,
		Repo:         req.Repo,
		Readme:       out.Text,
		Instructions: req.Instructions,
	})
	return nil
}

func (o *Orchestrator) fetchFiles(ctx context.Context, owner, repo string) ([]models.File, error) {
	repos, err := o.repos()
	if err != nil {
		return nil, err
	}
	files, err := repos.ListFiles(ctx, owner+"/"+repo)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch repository files: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	return files, nil
}

// cacheReadme stores r without failing the session. The client may already
// be gone, so the write is detached from ctx.
func (o *Orchestrator) cacheReadme(ctx context.Context, r models.CachedReadme) {
	if o.Readmes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.Readmes.SaveReadme(ctx, r); err != nil {
		log.Warn().Err(err).Str("repo", r.Owner+"/"+r.Repo).Msg("failed to cache readme")
	}
}

// FormatFiles renders files for the README prompt.
func FormatFiles(files []models.File) string {
	parts := make([]string, len(files))
	for i, f := range files {
		parts[i] = `<file path="` + f.Path + `">` + "\n" + f.Content + "\n</file>"
	}
	return strings.Join(parts, "\n\n")
}
