// Package pipeline orchestrates the streamed generation flows: the three
// phase diagram, retrieval-augmented chat and README generation. Phases
// run strictly in order and every fragment is relayed as it arrives.
package pipeline

import (
	"context"
	"errors"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/assemble"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/internal/tokens"
	"github.com/seanblong/repolens/pkg/models"
)

const (
	DefaultSoftLimit  = 50000
	DefaultHardLimit  = 195000
	DefaultRetrievalK = 5

	// MaxInstructions bounds user supplied instructions, in characters.
	MaxInstructions = 1000
)

// Repos fetches repository data from the upstream file source.
type Repos interface {
	Overview(ctx context.Context, owner, repo string) (source.Overview, error)
	ListFiles(ctx context.Context, repoID string) ([]models.File, error)
}

// Indexer makes sure a file set is embedded.
type Indexer interface {
	EnsureEmbedded(ctx context.Context, files []models.File) (models.EmbedSummary, error)
}

// Retriever finds chunks of an embedded snapshot near a question.
type Retriever interface {
	Query(ctx context.Context, text, fp string, k int) ([]models.RetrievalResult, error)
}

// ReadmeCache keeps generated READMEs.
type ReadmeCache interface {
	SaveReadme(ctx context.Context, r models.CachedReadme) error
}

// Deps are the collaborators of an Orchestrator. LLM and Counter are
// required; flows report a missing optional dependency as an error event.
type Deps struct {
	LLM       ai.LLM
	Counter   tokens.Counter
	Repos     Repos
	Indexer   Indexer
	Retriever Retriever
	Readmes   ReadmeCache
}

// Options tunes an Orchestrator. Zero values select defaults.
type Options struct {
	SoftLimit     int
	HardLimit     int
	RetrievalK    int
	ContextTokens int
}

type Orchestrator struct {
	Deps
	Options

	assembler *assemble.Assembler
}

// New creates an Orchestrator.
func New(d Deps, opts Options) (*Orchestrator, error) {
	if d.LLM == nil || d.Counter == nil {
		return nil, errors.New("pipeline requires an LLM and a token counter")
	}
	if opts.SoftLimit <= 0 {
		opts.SoftLimit = DefaultSoftLimit
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = DefaultHardLimit
	}
	if opts.RetrievalK <= 0 {
		opts.RetrievalK = DefaultRetrievalK
	}
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = assemble.DefaultMaxTokens
	}
	return &Orchestrator{
		Deps:      d,
		Options:   opts,
		assembler: assemble.New(d.Counter),
	}, nil
}

var errNoRepos = errors.New("no repository source configured")

func (o *Orchestrator) repos() (Repos, error) {
	if o.Repos == nil {
		return nil, errNoRepos
	}
	return o.Repos, nil
}
