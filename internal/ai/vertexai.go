package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/seanblong/repolens/pkg/models"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	// Defaults for Gemini API
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gemini-2.5-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = defaultMaxOutputTokens
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

const (
	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

// Embed embeds all texts in a single request as retrieval documents.
func (c *VertexAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, taskDocument)
}

// EmbedQuery embeds a search query against documents from Embed.
func (c *VertexAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := c.embed(ctx, []string{text}, taskQuery)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *VertexAIClient) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if c.client == nil {
		return nil, errors.New("gemini client not initialized")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, c.embedConfig(task))
	if err != nil {
		return nil, fmt.Errorf("%w: embedding failed: %v", models.ErrUpstreamUnavailable, err)
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: embedding count mismatch", models.ErrUpstreamUnavailable)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func (c *VertexAIClient) embedConfig(task string) *genai.EmbedContentConfig {
	dim := int32(c.config.Dim)
	return &genai.EmbedContentConfig{
		TaskType:             task,
		OutputDimensionality: &dim,
	}
}

func (c *VertexAIClient) Complete(ctx context.Context, system string, vars []Var) (string, error) {
	if c.client == nil {
		return "", errors.New("gemini client not initialized")
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.config.ChatModel, genai.Text(FormatUserMessage(vars)), c.generateConfig(system))
	if err != nil {
		return "", fmt.Errorf("%w: generation failed: %v", models.ErrUpstreamUnavailable, err)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("%w: no content returned", models.ErrUpstreamUnavailable)
	}
	return text, nil
}

func (c *VertexAIClient) Stream(ctx context.Context, system string, vars []Var, fn func(string) error) error {
	if c.client == nil {
		return errors.New("gemini client not initialized")
	}
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.ChatModel, genai.Text(FormatUserMessage(vars)), c.generateConfig(system)) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: generation stream failed: %v", models.ErrUpstreamUnavailable, err)
		}
		if text := responseText(resp); text != "" {
			if err := fn(text); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}

func (c *VertexAIClient) generateConfig(system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(c.config.MaxOutputTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return cfg
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
