package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/assemble"
	"github.com/seanblong/repolens/pkg/models"
)

// PhaseAnswer names the single phase of chat and README sessions.
const PhaseAnswer = "llm"

type ChatRequest struct {
	Question         string        `json:"question"`
	Files            []models.File `json:"files"`
	SelectedFilePath string        `json:"selected_file_path"`
}

func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: question is required", models.ErrInvalidInput)
	}
	return nil
}

var errNoRetrieval = errors.New("no embedding index configured")

// Chat embeds the files if needed, assembles context for the question and
// streams the answer.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest, emit Emitter) error {
	s := NewSession("chat", emit, PhaseAnswer)
	if err := req.Validate(); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.Emit(Started{SessionID: s.ID, Message: "Processing question..."}); err != nil {
		return s.fail(ctx, err)
	}
	if o.Indexer == nil || o.Retriever == nil {
		return s.fail(ctx, errNoRetrieval)
	}

	if err := s.status("embedding", "Embedding files..."); err != nil {
		return s.fail(ctx, err)
	}
	summary, err := o.Indexer.EnsureEmbedded(ctx, req.Files)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("embed files: %w", err))
	}
	if err := s.status("embedded", embedMessage(summary)); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.status("retrieving", "Retrieving relevant chunks..."); err != nil {
		return s.fail(ctx, err)
	}
	var retrieved []models.RetrievalResult
	if summary.Chunks > 0 {
		retrieved, err = o.Retriever.Query(ctx, req.Question, summary.Fingerprint, o.RetrievalK)
		if err != nil {
			return s.fail(ctx, fmt.Errorf("retrieve chunks: %w", err))
		}
	}

	assembled := o.assembler.Assemble(assemble.Input{
		Question:     req.Question,
		Files:        req.Files,
		SelectedPath: req.SelectedFilePath,
		Retrieved:    retrieved,
		MaxTokens:    o.ContextTokens,
	})
	log.Debug().
		Str("session", s.ID).
		Str("fingerprint", summary.Fingerprint).
		Int("retrieved", len(retrieved)).
		Int("tokens", assembled.Tokens).
		Bool("truncated", assembled.Truncated).
		Msg("context assembled")

	if err := o.checkHardLimit("question and context", req.Question, assembled.Context); err != nil {
		return s.fail(ctx, err)
	}

	if err := s.Emit(Retrieved{
		Sections: assembled.Candidates,
		Tokens:   assembled.Tokens,
		Summary:  fmt.Sprintf("Retrieved %d context sections (%d tokens)", assembled.Candidates, assembled.Tokens),
	}); err != nil {
		return s.fail(ctx, err)
	}

	out := runPhase(ctx, o.LLM, s, Phase{
		Name:   PhaseAnswer,
		System: chatPrompt,
		Vars: []ai.Var{
			{Key: "context", Value: assembled.Context},
			{Key: "question", Value: req.Question},
		},
	})
	if out.Kind != OutcomeOK {
		return s.fail(ctx, out.Err)
	}
	if err := s.Emit(Complete{Result: ChatResult{Response: out.Text}}); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

func embedMessage(s models.EmbedSummary) string {
	if s.Cached {
		return fmt.Sprintf("Using cached embeddings for %d files (%d chunks)", s.Files, s.Chunks)
	}
	return fmt.Sprintf("Embedded %d chunks from %d files", s.Chunks, s.Files)
}
