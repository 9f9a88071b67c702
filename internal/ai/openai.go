package ai

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/seanblong/repolens/pkg/models"
)

const defaultMaxOutputTokens = 12000

type OpenAIClient struct {
	config *ClientConfig
	api    *openai.Client
}

func NewOpenAIClient(config *ClientConfig) (*OpenAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}

	// Set default models if not provided
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.ChatModel == "" {
		config.ChatModel = "o4-mini"
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = defaultMaxOutputTokens
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("REPOLENS_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	oc := openai.DefaultConfig(config.APIKey)
	oc.HTTPClient = &http.Client{
		Timeout:   5 * time.Minute,
		Transport: transport,
	}
	if config.BaseURL != "" {
		oc.BaseURL = config.BaseURL
	}
	if strings.HasPrefix(config.APIKey, "sk-proj-") && config.ProjectID != "" {
		oc.OrgID = config.ProjectID
	}

	return &OpenAIClient{
		config: config,
		api:    openai.NewClientWithConfig(oc),
	}, nil
}

// Embed requests vectors for all texts in one call and returns them in input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.EmbedModel),
	})
	if err != nil {
		return nil, upstreamError("embedding", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", models.ErrUpstreamUnavailable, len(texts), len(resp.Data))
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, system string, vars []Var) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(system, vars, false))
	if err != nil {
		return "", upstreamError("completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", models.ErrUpstreamUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, system string, vars []Var, fn func(string) error) error {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.request(system, vars, true))
	if err != nil {
		return upstreamError("completion stream", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close completion stream")
		}
	}()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return upstreamError("completion stream", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := fn(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) request(system string, vars []Var, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: c.config.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: FormatUserMessage(vars)},
		},
		MaxCompletionTokens: c.config.MaxOutputTokens,
		Stream:              stream,
	}
	if c.config.ReasoningEffort != "" {
		req.ReasoningEffort = c.config.ReasoningEffort
	}
	return req
}

// upstreamError tags provider failures so callers can map them to a single
// failure kind without inspecting provider types.
func upstreamError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: openai %s failed (status %d): %s", models.ErrUpstreamUnavailable, op, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: openai %s failed: %v", models.ErrUpstreamUnavailable, op, err)
}
