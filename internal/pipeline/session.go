package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/pkg/models"
)

// RejectionSentinel is what a model answers when it declines the
// user's additional instructions.
const RejectionSentinel = "BAD_INSTRUCTIONS"

var (
	// ErrClientGone wraps emit failures. No further events are attempted.
	ErrClientGone = errors.New("client disconnected")

	ErrSessionClosed = errors.New("session already ended")
)

type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseStreaming PhaseStatus = "streaming"
	PhaseDone      PhaseStatus = "done"
	PhaseFailed    PhaseStatus = "failed"
)

// PhaseResult is the accumulated output of one phase.
type PhaseResult struct {
	Name   string
	Text   string
	Status PhaseStatus
}

// Session tracks one generation request. It is driven by a single
// goroutine and is not safe for concurrent use.
type Session struct {
	ID     string
	Task   string
	Phases []*PhaseResult

	emit   Emitter
	seq    int
	closed bool
}

// NewSession creates a session whose phases start out pending.
func NewSession(task string, emit Emitter, phases ...string) *Session {
	s := &Session{
		ID:   uuid.NewString(),
		Task: task,
		emit: emit,
	}
	for _, p := range phases {
		s.Phases = append(s.Phases, &PhaseResult{Name: p, Status: PhasePending})
	}
	return s
}

// Phase returns the named phase, or nil.
func (s *Session) Phase(name string) *PhaseResult {
	for _, p := range s.Phases {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Closed reports whether a terminal event was emitted or the client left.
func (s *Session) Closed() bool { return s.closed }

// Emit relays ev to the client. Nothing is relayed after a terminal event.
func (s *Session) Emit(ev Event) error {
	if s.closed {
		return ErrSessionClosed
	}
	if ev.Terminal() {
		s.closed = true
	}
	if err := s.emit(ev); err != nil {
		s.closed = true
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	return nil
}

func (s *Session) status(stage, message string) error {
	return s.Emit(Status{Stage: stage, Message: message})
}

// fail ends the session with exactly one Error event unless the client
// is already gone, and returns err for the caller to log.
func (s *Session) fail(ctx context.Context, err error) error {
	logger := log.With().Str("session", s.ID).Str("task", s.Task).Logger()
	if s.closed || errors.Is(err, ErrClientGone) || ctx.Err() != nil {
		s.closed = true
		logger.Debug().Err(err).Msg("session abandoned")
		return err
	}
	logger.Warn().Err(err).Msg("session failed")
	_ = s.Emit(Error{Message: Message(err)})
	return err
}

// Message renders err for the client.
func Message(err error) string {
	if errors.Is(err, models.ErrInstructionsRejected) {
		return "Invalid or unclear instructions provided"
	}
	return err.Error()
}

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRejected
	OutcomeFailed
)

// Outcome is the tagged result of one phase.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

// Phase describes one LLM call in a session.
type Phase struct {
	Name   string
	System string
	Vars   []ai.Var
	// Rejectable phases are checked for RejectionSentinel.
	Rejectable bool
}

// runPhase streams one phase, relaying every fragment as it arrives and
// accumulating the full text for the next phase.
func runPhase(ctx context.Context, llm ai.LLM, s *Session, p Phase) Outcome {
	res := s.Phase(p.Name)
	if res == nil {
		res = &PhaseResult{Name: p.Name}
		s.Phases = append(s.Phases, res)
	}
	res.Status = PhaseStreaming

	if err := ctx.Err(); err != nil {
		res.Status = PhaseFailed
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	var b strings.Builder
	err := llm.Stream(ctx, p.System, p.Vars, func(fragment string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.WriteString(fragment)
		s.seq++
		return s.Emit(Chunk{Phase: p.Name, Seq: s.seq, Text: fragment})
	})
	res.Text = b.String()

	log.Debug().Str("session", s.ID).Str("phase", p.Name).Int("chars", len(res.Text)).Err(err).Msg("phase finished")

	switch {
	case err != nil:
		res.Status = PhaseFailed
		return Outcome{Kind: OutcomeFailed, Text: res.Text, Err: err}
	case p.Rejectable && strings.Contains(res.Text, RejectionSentinel):
		res.Status = PhaseFailed
		return Outcome{Kind: OutcomeRejected, Text: res.Text, Err: models.ErrInstructionsRejected}
	}
	res.Status = PhaseDone
	return Outcome{Kind: OutcomeOK, Text: res.Text}
}
