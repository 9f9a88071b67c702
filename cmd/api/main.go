package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/repolens/internal/ai"
	"github.com/seanblong/repolens/internal/auth"
	"github.com/seanblong/repolens/internal/config"
	"github.com/seanblong/repolens/internal/indexer"
	"github.com/seanblong/repolens/internal/lock"
	"github.com/seanblong/repolens/internal/pipeline"
	"github.com/seanblong/repolens/internal/search"
	"github.com/seanblong/repolens/internal/source"
	"github.com/seanblong/repolens/internal/sse"
	"github.com/seanblong/repolens/internal/store"
	"github.com/seanblong/repolens/internal/tokens"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("repolens-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("store", cfg.StoreBackend).Str("log_level", cfg.LogLevel).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting repolens api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ai.NewClient(ctx, clientConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create AI client")
	}
	logger.Info().Int("embedding_dim", client.Dim()).Str("embed_model", cfg.EmbedModel).Str("chat_model", cfg.ChatModel).Msg("AI client initialized")

	st, err := store.Open(ctx, store.Options{
		Backend:     store.Backend(cfg.StoreBackend),
		DatabaseURL: cfg.Database,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() { _ = st.Close() }()

	// Use the AI client's dimension for database migration
	if err := st.Migrate(ctx, client.Dim()); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate store")
	}

	var locker lock.Locker = lock.Nop{}
	if cfg.RedisURL != "" {
		rl, err := lock.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer func() { _ = rl.Close() }()
		locker = rl
		logger.Info().Str("owner", rl.OwnerID()).Msg("distributed indexing locks enabled")
	}

	ix, err := indexer.New(st, client, indexer.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.EmbedBatchSize,
		Locker:       locker,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create indexer")
	}

	counter, err := tokens.NewTiktoken(cfg.TokenEncoding)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load tokenizer")
	}

	pipe, err := pipeline.New(pipeline.Deps{
		LLM:       client,
		Counter:   counter,
		Repos:     source.NewGitHub(cfg.GithubToken, cfg.ReadmeMaxFiles),
		Indexer:   ix,
		Retriever: search.NewService(client, st),
		Readmes:   st,
	}, pipeline.Options{
		SoftLimit:     cfg.PromptSoftLimit,
		HardLimit:     cfg.PromptHardLimit,
		RetrievalK:    cfg.RetrievalK,
		ContextTokens: cfg.ContextMaxTokens,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pipeline")
	}

	authn, err := auth.New(auth.Config{
		Enabled:      cfg.Auth.Enabled,
		JwtSecret:    cfg.Auth.JwtSecret,
		ClientID:     cfg.Auth.GithubClientID,
		ClientSecret: cfg.Auth.GithubClientSecret,
		RedirectURL:  cfg.Auth.GithubRedirectURL,
		AllowedOrg:   cfg.Auth.GithubAllowedOrg,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure auth")
	}
	if authn.Enabled() {
		logger.Info().Msg("Authentication is ENABLED")
	} else {
		logger.Info().Msg("Authentication is DISABLED - running in open mode")
	}

	srv := &server{pipe: pipe, store: st, auth: authn, timeout: sse.DefaultWriteTimeout}
	handler := hlog.NewHandler(logger)(
		hlog.RequestIDHandler("req_id", "X-Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
			})(srv.routes()),
		),
	)

	// No WriteTimeout: streams run for minutes and bound each write instead.
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	c := &ai.ClientConfig{
		APIKey:          cfg.APIKey,
		EmbedModel:      cfg.EmbedModel,
		ChatModel:       cfg.ChatModel,
		Dim:             cfg.Dim,
		ProjectID:       cfg.ProjectID,
		Location:        cfg.Location,
		ReasoningEffort: cfg.ReasoningEffort,
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
