package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

// Embedder turns texts into vectors. Indexing and querying must share one Embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// QueryEmbedder is implemented by embedders that encode search queries
// differently from the documents they are matched against.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// LLM issues prompt calls. Stream invokes fn once per fragment in arrival
// order and stops at the first error fn returns.
type LLM interface {
	Complete(ctx context.Context, system string, vars []Var) (string, error)
	Stream(ctx context.Context, system string, vars []Var, fn func(fragment string) error) error
}

// Client provides both embedding and generation capabilities
type Client interface {
	Embedder
	LLM
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	EmbedModel      string
	ChatModel       string
	Dim             int
	ProjectID       string
	Provider        Provider
	Location        string
	BaseURL         string
	ReasoningEffort string
	MaxOutputTokens int
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		c, err := NewOpenAIClient(config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderVertexAI:
		c, err := NewVertexAIClient(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

const defaultStubDim = 256

// StubClient is a deterministic offline Client for local runs and tests.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

// Embed returns unit vectors seeded by a hash of each text, so equal texts
// map to equal vectors across processes.
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(t))
		r := rand.New(rand.NewSource(int64(h.Sum64())))

		v := make([]float32, s.dim)
		var norm float64
		for j := range v {
			x := r.Float64()*2 - 1
			v[j] = float32(x)
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range v {
				v[j] = float32(float64(v[j]) / norm)
			}
		}
		out[i] = v
	}
	return out, nil
}

func (s *StubClient) Complete(ctx context.Context, system string, vars []Var) (string, error) {
	var b strings.Builder
	err := s.Stream(ctx, system, vars, func(f string) error {
		b.WriteString(f)
		return nil
	})
	return b.String(), err
}

// Stream emits a canned answer word by word. Prompts that ask for a
// component mapping get a well-formed mapping block.
func (s *StubClient) Stream(ctx context.Context, system string, vars []Var, fn func(string) error) error {
	var text string
	if strings.Contains(system, "<component_mapping>") {
		text = "<component_mapping>\n1. Repository root: .\n</component_mapping>"
	} else {
		keys := make([]string, 0, len(vars))
		for _, v := range vars {
			if strings.TrimSpace(v.Value) != "" {
				keys = append(keys, v.Key)
			}
		}
		text = "Stub response based on " + strings.Join(keys, ", ") + "."
	}

	for i, word := range strings.SplitAfter(text, " ") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if word == "" && i > 0 {
			continue
		}
		if err := fn(word); err != nil {
			return err
		}
	}
	return nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}
