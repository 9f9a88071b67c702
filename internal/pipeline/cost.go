package pipeline

import (
	"context"
	"fmt"

	"github.com/seanblong/repolens/internal/tokens"
	"github.com/seanblong/repolens/pkg/models"
)

const (
	inputPricePerToken  = 1.10 / 1_000_000
	outputPricePerToken = 4.40 / 1_000_000

	// Prompt text around the tree and README across the three phases.
	diagramPromptOverhead = 3000
	diagramOutputTokens   = 8000
	readmeOutputTokens    = 2000
)

// Cost is an estimate of one generation's price.
type Cost struct {
	Cost         string  `json:"cost"`
	USD          float64 `json:"usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"estimated_output_tokens"`
}

func newCost(in, out int) Cost {
	usd := float64(in)*inputPricePerToken + float64(out)*outputPricePerToken
	return Cost{
		Cost:         fmt.Sprintf("$%.2f USD", usd),
		USD:          usd,
		InputTokens:  in,
		OutputTokens: out,
	}
}

// EstimateDiagramCost prices a diagram session. The file tree is sent to
// two phases, the README to one.
func EstimateDiagramCost(c tokens.Counter, tree, readme string) Cost {
	in := 2*c.Count(tree) + c.Count(readme) + diagramPromptOverhead
	return newCost(in, diagramOutputTokens)
}

// EstimateReadmeCost prices a README session over files.
func EstimateReadmeCost(c tokens.Counter, files []models.File, instructions string) Cost {
	in := 0
	for _, f := range files {
		in += c.Count(f.Content)
	}
	in += c.Count(instructions)
	return newCost(in, readmeOutputTokens)
}

// DiagramCost fetches the repository overview and prices a diagram session.
func (o *Orchestrator) DiagramCost(ctx context.Context, owner, repo string) (Cost, error) {
	repos, err := o.repos()
	if err != nil {
		return Cost{}, err
	}
	ov, err := repos.Overview(ctx, owner, repo)
	if err != nil {
		return Cost{}, err
	}
	return EstimateDiagramCost(o.Counter, ov.FileTree, ov.Readme), nil
}

// ReadmeCost fetches the files a README session would send and prices it.
func (o *Orchestrator) ReadmeCost(ctx context.Context, owner, repo, instructions string) (Cost, error) {
	files, err := o.fetchFiles(ctx, owner, repo)
	if err != nil {
		return Cost{}, err
	}
	return EstimateReadmeCost(o.Counter, files, instructions), nil
}
