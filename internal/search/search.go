package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/pkg/models"
)

// Index is the part of the store a query needs.
type Index interface {
	Nearest(ctx context.Context, fp string, vec []float32, k int) ([]models.RetrievalResult, error)
}

type Service struct {
	Embedder ai.Embedder
	Index    Index
}

// NewService creates a new search service. The embedder must be the one
// used to index the snapshot.
func NewService(embedder ai.Embedder, index Index) *Service {
	return &Service{
		Embedder: embedder,
		Index:    index,
	}
}

// Query returns up to k chunks of the fp snapshot nearest to text. An
// unknown or partially indexed fingerprint yields no results. A failed
// query embedding is an upstream error.
func (s *Service) Query(ctx context.Context, text, fp string, k int) ([]models.RetrievalResult, error) {
	text = strings.TrimSpace(text)
	if text == "" || k <= 0 {
		return nil, nil
	}

	vecs, err := s.embedQuery(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, models.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
		}
		log.Warn().Err(err).Str("fingerprint", fp).Msg("query embedding failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: expected 1 query vector, got %d", models.ErrMalformedOutput, len(vecs))
	}

	res, err := s.Index.Nearest(ctx, fp, vecs[0], k)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// embedQuery prefers the embedder's query encoding when it has one.
func (s *Service) embedQuery(ctx context.Context, text string) ([][]float32, error) {
	if qe, ok := s.Embedder.(ai.QueryEmbedder); ok {
		v, err := qe.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	}
	return s.Embedder.Embed(ctx, []string{text})
}
