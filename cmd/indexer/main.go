package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/config"
	"github.com/seanblong/repolens/internal/indexer"
	"github.com/seanblong/repolens/internal/lock"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/internal/store"
	"github.com/seanblong/repolens/pkg/models"
)

// The indexer pre-embeds a repository so the first chat against it is
// served from the cache.
func main() {
	fs := pflag.NewFlagSet("repolens-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("indexing failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Specification) error {
	log.Info().Str("provider", cfg.Provider).Msg("using provider")
	client, err := ai.NewClient(ctx, clientConfig(cfg))
	if err != nil {
		return fmt.Errorf("create AI client: %w", err)
	}
	if client.Dim() == 0 {
		return fmt.Errorf("embedding dimension must be set")
	}

	st, err := store.Open(ctx, store.Options{
		Backend:     store.Backend(cfg.StoreBackend),
		DatabaseURL: cfg.Database,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx, client.Dim()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var locker lock.Locker = lock.Nop{}
	if cfg.RedisURL != "" {
		rl, err := lock.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rl.Close() }()
		locker = rl
	}

	ix, err := indexer.New(st, client, indexer.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.EmbedBatchSize,
		Locker:       locker,
	})
	if err != nil {
		return err
	}

	files, origin, err := loadFiles(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().Str("source", origin).Int("files", len(files)).Msg("files loaded")

	start := time.Now()
	sum, err := ix.EnsureEmbedded(ctx, files)
	if err != nil {
		return err
	}
	log.Info().
		Str("source", origin).
		Str("fingerprint", sum.Fingerprint).
		Int("files", sum.Files).
		Int("chunks", sum.Chunks).
		Bool("cached", sum.Cached).
		Dur("took", time.Since(start)).
		Msg("indexing complete")
	return nil
}

// loadFiles reads the GitHub repository named by RepoURL, or the local
// RepoRoot when no URL is configured.
func loadFiles(ctx context.Context, cfg config.Specification) ([]models.File, string, error) {
	if cfg.RepoURL == "" {
		files, err := source.NewLocal(cfg.RepoRoot).ListFiles(ctx, "")
		return files, cfg.RepoRoot, err
	}
	repoID := repoID(cfg.RepoURL)
	files, err := source.NewGitHub(cfg.GithubToken, cfg.ReadmeMaxFiles).ListFiles(ctx, repoID)
	return files, repoID, err
}

// repoID accepts owner/repo or a github.com URL.
func repoID(raw string) string {
	s := strings.TrimSpace(raw)
	for _, p := range []string{"https://", "http://", "github.com/", "www.github.com/"} {
		s = strings.TrimPrefix(s, p)
	}
	return strings.TrimSuffix(strings.Trim(s, "/"), ".git")
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	c := &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		c.Provider = ai.ProviderOpenAI
	case "vertexai", "google":
		c.Provider = ai.ProviderVertexAI
	default:
		c.Provider = ai.ProviderStub
	}
	return c
}
