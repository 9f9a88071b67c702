package indexer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/chunker"
	"github.com/seanblong/repolens/internal/fingerprint"
	"github.com/seanblong/repolens/internal/lock"
	"github.com/seanblong/repolens/internal/store"
	"github.com/seanblong/repolens/pkg/models"
)

const (
	DefaultBatchSize = 100
	defaultLockTTL   = time.Minute
	defaultPoll      = 500 * time.Millisecond
)

// Options tunes an Indexer. Zero values select defaults.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Workers      int
	Locker       lock.Locker
	LockTTL      time.Duration
	PollInterval time.Duration
}

// Indexer embeds repository snapshots once per fingerprint.
type Indexer struct {
	Store     store.Store
	Embedder  ai.Embedder
	Chunker   *chunker.Chunker
	Locker    lock.Locker
	BatchSize int
	Workers   int
	LockTTL   time.Duration
	Poll      time.Duration

	group singleflight.Group
}

// New creates a new Indexer instance.
func New(s store.Store, e ai.Embedder, opts Options) (*Indexer, error) {
	if s == nil || e == nil {
		return nil, errors.New("indexer requires a store and an embedder")
	}

	c := chunker.Default()
	if opts.ChunkSize != 0 || opts.ChunkOverlap != 0 {
		var err error
		if c, err = chunker.New(opts.ChunkSize, opts.ChunkOverlap); err != nil {
			return nil, err
		}
	}

	ix := &Indexer{
		Store:     s,
		Embedder:  e,
		Chunker:   c,
		Locker:    opts.Locker,
		BatchSize: opts.BatchSize,
		Workers:   opts.Workers,
		LockTTL:   opts.LockTTL,
		Poll:      opts.PollInterval,
	}
	if ix.Locker == nil {
		ix.Locker = lock.Nop{}
	}
	if ix.BatchSize <= 0 {
		ix.BatchSize = DefaultBatchSize
	}
	if ix.Workers <= 0 {
		// Cap to avoid overwhelming the AI API
		ix.Workers = min(runtime.NumCPU(), 4)
	}
	if ix.LockTTL <= 0 {
		ix.LockTTL = defaultLockTTL
	}
	if ix.Poll <= 0 {
		ix.Poll = defaultPoll
	}
	return ix, nil
}

// EnsureEmbedded makes sure every chunk of files is stored under the
// snapshot's fingerprint. Repeated and concurrent calls for the same
// snapshot embed it at most once.
func (ix *Indexer) EnsureEmbedded(ctx context.Context, files []models.File) (models.EmbedSummary, error) {
	fp := fingerprint.Of(files)
	chunks := ix.Chunker.Chunk(files)
	summary := models.EmbedSummary{Fingerprint: fp, Files: len(files), Chunks: len(chunks)}
	logger := log.With().Str("fingerprint", fp).Int("files", len(files)).Int("chunks", len(chunks)).Logger()

	if len(chunks) == 0 {
		logger.Debug().Msg("nothing to embed")
		return summary, nil
	}

	ok, err := ix.Store.Exists(ctx, fp)
	if err != nil {
		return summary, fmt.Errorf("check fingerprint: %w", err)
	}
	if ok {
		logger.Debug().Msg("snapshot already embedded")
		summary.Cached = true
		return summary, nil
	}

	// Shared work is detached from any one caller's cancellation.
	work := context.WithoutCancel(ctx)
	ch := ix.group.DoChan(fp, func() (any, error) {
		return ix.embed(work, fp, chunks)
	})

	select {
	case <-ctx.Done():
		return summary, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return summary, res.Err
		}
		summary.Cached = res.Val.(bool)
		logger.Info().Bool("cached", summary.Cached).Msg("snapshot ready")
		return summary, nil
	}
}

// embed returns true when another writer completed the fingerprint first.
// Vectors are computed without holding any lock; concurrent processes may
// embed the same snapshot, and the commit keeps one record set.
func (ix *Indexer) embed(ctx context.Context, fp string, chunks []models.Chunk) (bool, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedAll(ctx, texts)
	if err != nil {
		return false, err
	}

	records := make([]models.EmbeddingRecord, len(chunks))
	for i, c := range chunks {
		records[i] = models.EmbeddingRecord{
			Fingerprint: fp,
			SourcePath:  c.SourcePath,
			Seq:         c.Seq,
			ChunkText:   c.Text,
			Vector:      vectors[i],
		}
	}
	return ix.commit(ctx, fp, records)
}

// commit writes records under the fingerprint's commit lock. Only the
// existence re-check and the store write run while it is held.
func (ix *Indexer) commit(ctx context.Context, fp string, records []models.EmbeddingRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ix.LockTTL)
	defer cancel()

	name := "commit:" + fp
	exists := func(ctx context.Context) (bool, error) { return ix.Store.Exists(ctx, fp) }
	acquired, err := lock.Wait(ctx, ix.Locker, name, ix.LockTTL, ix.Poll, exists)
	if err != nil {
		return false, fmt.Errorf("wait for commit lock: %w", err)
	}
	if !acquired {
		return true, nil
	}
	defer func() {
		if err := ix.Locker.Release(context.WithoutCancel(ctx), name); err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("failed to release commit lock")
		}
	}()

	if done, err := exists(ctx); err != nil {
		return false, err
	} else if done {
		return true, nil
	}

	wrote, err := ix.Store.Upsert(ctx, fp, records)
	if err != nil {
		return false, fmt.Errorf("store embeddings: %w", err)
	}
	log.Info().Str("fingerprint", fp).Int("chunks", len(records)).Bool("wrote", wrote).Msg("embedded snapshot")
	return !wrote, nil
}

// batch represents a slice of texts to embed in one upstream call
type batch struct {
	start int
	texts []string
}

// embedAll embeds texts in batches of at most BatchSize using a bounded
// worker pool, and returns vectors in input order.
func (ix *Indexer) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	vectors := make([][]float32, len(texts))
	workChan := make(chan batch)
	errorChan := make(chan error, 1)
	wantDim := ix.Embedder.Dim()

	var wg sync.WaitGroup
	for i := 0; i < ix.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for b := range workChan {
				log.Debug().Int("worker", workerID).Int("batch", b.start/ix.BatchSize).Int("size", len(b.texts)).Msg("embedding batch")
				out, err := ix.Embedder.Embed(ctx, b.texts)
				if err == nil {
					err = checkVectors(out, len(b.texts), wantDim)
				}
				if err != nil {
					select {
					case errorChan <- err:
					default:
					}
					cancel()
					continue
				}
				copy(vectors[b.start:], out)
			}
		}(i)
	}

	sendErr := func() error {
		for start := 0; start < len(texts); start += ix.BatchSize {
			end := min(start+ix.BatchSize, len(texts))
			select {
			case workChan <- batch{start: start, texts: texts[start:end]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}()
	close(workChan)
	wg.Wait()

	select {
	case err := <-errorChan:
		return nil, err
	default:
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return vectors, nil
}

func checkVectors(out [][]float32, n, dim int) error {
	if len(out) != n {
		return fmt.Errorf("%w: requested %d embeddings, got %d", models.ErrUpstreamUnavailable, n, len(out))
	}
	for i, v := range out {
		if len(v) == 0 || (dim > 0 && len(v) != dim) {
			return fmt.Errorf("%w: embedding %d has dimension %d, expected %d", models.ErrUpstreamUnavailable, i, len(v), dim)
		}
	}
	return nil
}
