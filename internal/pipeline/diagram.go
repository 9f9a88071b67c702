package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/pkg/models"
)

const (
	PhaseExplanation = "explanation"
	PhaseMapping     = "mapping"
	PhaseDiagram     = "diagram"

	mappingStart = "<component_mapping>"
	mappingEnd   = "</component_mapping>"
)

type DiagramRequest struct {
	Owner        string `json:"username"`
	Repo         string `json:"repo"`
	Instructions string `json:"instructions"`
}

// Validate checks the request before any stream is opened.
func (r DiagramRequest) Validate() error {
	if r.Owner == "" || r.Repo == "" {
		return fmt.Errorf("%w: username and repo are required", models.ErrInvalidInput)
	}
	if utf8.RuneCountInString(r.Instructions) > MaxInstructions {
		return fmt.Errorf("%w: instructions exceed maximum length of %d characters", models.ErrInvalidInput, MaxInstructions)
	}
	return nil
}

// Diagram runs explanation, component mapping and diagram phases in
// order. Each phase sees the complete output of the phases before it.
// The returned error is the one reported to the client, if any.
func (o *Orchestrator) Diagram(ctx context.Context, req DiagramRequest, emit Emitter) error {
	s := NewSession("diagram "+req.Owner+"/"+req.Repo, emit, PhaseExplanation, PhaseMapping, PhaseDiagram)
	if err := req.Validate(); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.Emit(Started{SessionID: s.ID, Message: "Starting generation process..."}); err != nil {
		return s.fail(ctx, err)
	}

	repos, err := o.repos()
	if err != nil {
		return s.fail(ctx, err)
	}
	ov, err := repos.Overview(ctx, req.Owner, req.Repo)
	if err != nil {
		return s.fail(ctx, err)
	}
	branch := ov.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	if err := o.CheckBudget(ov.FileTree, ov.Readme); err != nil {
		return s.fail(ctx, err)
	}

	first, third := explanationPrompt, diagramPrompt
	if req.Instructions != "" {
		first += "\n" + additionalInstructionsPrompt
		third += "\n" + additionalInstructionsPrompt
	}

	if err := s.announce(PhaseExplanation, "Starting phase 1... Requesting an explanation of the repository", "Analyzing repository structure..."); err != nil {
		return s.fail(ctx, err)
	}
	out := runPhase(ctx, o.LLM, s, Phase{
		Name:   PhaseExplanation,
		System: first,
		Vars: []ai.Var{
			{Key: "file_tree", Value: ov.FileTree},
			{Key: "readme", Value: ov.Readme},
			{Key: "instructions", Value: req.Instructions},
		},
		Rejectable: true,
	})
	if out.Kind != OutcomeOK {
		return s.fail(ctx, out.Err)
	}
	explanation := out.Text

	if err := s.announce(PhaseMapping, "Starting phase 2... Requesting a component mapping", "Creating component mapping..."); err != nil {
		return s.fail(ctx, err)
	}
	out = runPhase(ctx, o.LLM, s, Phase{
		Name:   PhaseMapping,
		System: mappingPrompt,
		Vars: []ai.Var{
			{Key: "explanation", Value: explanation},
			{Key: "file_tree", Value: ov.FileTree},
		},
		Rejectable: true,
	})
	if out.Kind != OutcomeOK {
		return s.fail(ctx, out.Err)
	}
	mapping, err := ExtractMapping(out.Text)
	if err != nil {
		s.Phase(PhaseMapping).Status = PhaseFailed
		return s.fail(ctx, err)
	}

	if err := s.announce(PhaseDiagram, "Starting phase 3... Requesting the diagram", "Generating diagram..."); err != nil {
		return s.fail(ctx, err)
	}
	out = runPhase(ctx, o.LLM, s, Phase{
		Name:   PhaseDiagram,
		System: third,
		Vars: []ai.Var{
			{Key: "explanation", Value: explanation},
			{Key: "component_mapping", Value: mapping},
			{Key: "instructions", Value: req.Instructions},
		},
		Rejectable: true,
	})
	if out.Kind != OutcomeOK {
		return s.fail(ctx, out.Err)
	}

	diagram := source.LinkClickEvents(StripFences(out.Text), req.Owner, req.Repo, branch)
	log.Info().Str("session", s.ID).Str("repo", req.Owner+"/"+req.Repo).Int("diagram_chars", len(diagram)).Msg("diagram generated")

	if err := s.Emit(Complete{Result: DiagramResult{
		Diagram:     diagram,
		Explanation: explanation,
		Mapping:     mapping,
	}}); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// announce emits the "<phase>_sent" and "<phase>" status pair that
// precedes a phase.
func (s *Session) announce(phase, sent, running string) error {
	if err := s.status(phase+"_sent", sent); err != nil {
		return err
	}
	return s.status(phase, running)
}

// CheckBudget rejects a file tree and README whose combined size is over
// the soft or hard ceiling. It runs before any model call.
func (o *Orchestrator) CheckBudget(tree, readme string) error {
	n := o.Counter.Count(tree + "\n" + readme)
	switch {
	case n > o.HardLimit:
		return &models.BudgetError{Tokens: n, Limit: o.HardLimit, Reason: "repository is too large for analysis"}
	case n > o.SoftLimit:
		return &models.BudgetError{Tokens: n, Limit: o.SoftLimit, Reason: "file tree and README combined exceed the token limit"}
	}
	return nil
}

// checkHardLimit rejects a prompt whose inputs together count more than
// the hard ceiling. It runs before the model call.
func (o *Orchestrator) checkHardLimit(what string, parts ...string) error {
	n := o.Counter.Count(strings.Join(parts, "\n"))
	if n > o.HardLimit {
		return &models.BudgetError{Tokens: n, Limit: o.HardLimit, Reason: what + " is too large for generation"}
	}
	return nil
}

// ExtractMapping returns the text between the component mapping tags.
func ExtractMapping(text string) (string, error) {
	start := strings.Index(text, mappingStart)
	if start < 0 {
		return "", fmt.Errorf("%w: component mapping has no %s tag", models.ErrMalformedOutput, mappingStart)
	}
	body := text[start+len(mappingStart):]
	end := strings.Index(body, mappingEnd)
	if end < 0 {
		return "", fmt.Errorf("%w: component mapping has no %s tag", models.ErrMalformedOutput, mappingEnd)
	}
	return strings.TrimSpace(body[:end]), nil
}

// StripFences removes Markdown code fences a model may wrap the diagram in.
func StripFences(diagram string) string {
	diagram = strings.ReplaceAll(diagram, "```mermaid", "")
	diagram = strings.ReplaceAll(diagram, "```", "")
	return strings.TrimSpace(diagram)
}
