package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/hsn0918/bookrag/internal/answer"
	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/hsn0918/bookrag/internal/expand"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/internal/ingest"
	"github.com/hsn0918/bookrag/internal/retrieve"
	"github.com/hsn0918/bookrag/pkg/clients/embedding"
	"github.com/hsn0918/bookrag/pkg/clients/openai"
	"github.com/hsn0918/bookrag/pkg/config"
	"github.com/hsn0918/bookrag/pkg/logger"
	"github.com/hsn0918/bookrag/pkg/prompts"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Module is the top-level fx dependency injection module.
var Module = fx.Options(
	InfrastructureModule,
	ClientsModule,
	CoreModule,
	HTTPServerModule,
	fx.Invoke(RunIngestion),
	fx.Invoke(StartHTTPServer),
)

// InfrastructureModule provides configuration and logging.
var InfrastructureModule = fx.Module("infrastructure",
	fx.Provide(
		NewAppConfig,
		NewAppLogger,
	),
)

// ClientsModule provides the external model clients.
var ClientsModule = fx.Module("clients",
	fx.Provide(
		NewEmbeddingClient,
		NewGeneratorClient,
	),
)

// CoreModule provides the retrieval core: index, chunker, ingestor,
// expander, retriever, answerer, and the evaluation harness.
var CoreModule = fx.Module("core",
	fx.Provide(
		NewPromptManager,
		NewIndex,
		NewChunker,
		NewIngestor,
		NewExpander,
		NewRetriever,
		NewAnswerer,
		NewTestSetGenerator,
		NewEvalRunner,
		NewServer,
	),
)

// HTTPServerModule provides the HTTP server.
var HTTPServerModule = fx.Module("http_server",
	fx.Provide(
		NewHTTPHandler,
	),
)

// NewAppConfig loads the application configuration from the working directory.
func NewAppConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// NewAppLogger initialises the global logger.
func NewAppLogger() (*zap.Logger, error) {
	if err := logger.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Get(), nil
}

// NewEmbeddingClient creates the embedder client.
func NewEmbeddingClient(cfg *config.Config) *embedding.Client {
	return embedding.NewClient(cfg.Services.Embedding)
}

// NewGeneratorClient creates the generator client.
func NewGeneratorClient(cfg *config.Config) *openai.Client {
	return openai.NewClient(cfg.Services.LLM)
}

// NewPromptManager creates the prompt template manager.
func NewPromptManager() *prompts.Manager {
	return prompts.NewManager()
}

// NewIndex creates the empty index; ingestion fills it on startup.
func NewIndex() *index.Index {
	return index.New()
}

// NewChunker creates the semantic chunker from configuration.
func NewChunker(cfg *config.Config, embedder *embedding.Client) (*chunk.SemanticChunker, error) {
	return chunk.NewSemanticChunker(
		cfg.Chunking.MaxChunkSize,
		cfg.Chunking.MinChunkSize,
		embedder,
		chunk.WithBreakpointThreshold(cfg.Chunking.BreakpointThreshold),
		chunk.WithHardThreshold(cfg.Chunking.HardThreshold),
		chunk.WithChildWindow(cfg.Chunking.ChildSize, cfg.Chunking.ChildOverlap),
	)
}

// NewIngestor creates the ingestion pipeline.
func NewIngestor(chunker *chunk.SemanticChunker, embedder *embedding.Client, idx *index.Index, cfg *config.Config) *ingest.Ingestor {
	return ingest.New(chunker, embedder, idx, cfg.Document.Path, cfg.Document.SnapshotPath)
}

// NewExpander creates the query expander with the configured ablation flags.
func NewExpander(gen *openai.Client, pm *prompts.Manager, cfg *config.Config) *expand.Expander {
	return expand.NewExpander(gen, pm, cfg.Retrieval.StepBack, cfg.Retrieval.Hyde)
}

// NewRetriever creates the retrieval pipeline.
func NewRetriever(cfg *config.Config, idx *index.Index, embedder *embedding.Client, expander *expand.Expander) *retrieve.Retriever {
	return retrieve.New(retrieve.Config{
		Hyde:         cfg.Retrieval.Hyde,
		StepBack:     cfg.Retrieval.StepBack,
		Rerank:       cfg.Retrieval.Rerank,
		HybridSearch: cfg.Retrieval.HybridSearch,
		RRFK:         cfg.Retrieval.RRFK,
		Candidates:   cfg.Retrieval.Candidates,
		TopParents:   cfg.Retrieval.TopParents,
	}, idx, embedder, expander)
}

// NewAnswerer creates the answerer.
func NewAnswerer(retriever *retrieve.Retriever, gen *openai.Client, pm *prompts.Manager) *answer.Answerer {
	return answer.New(retriever, gen, pm)
}

// NewTestSetGenerator creates the evaluation test-set generator.
func NewTestSetGenerator(gen *openai.Client, pm *prompts.Manager) *eval.TestSetGenerator {
	return eval.NewTestSetGenerator(gen, pm, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewEvalRunner creates the evaluation batch runner.
func NewEvalRunner(answerer *answer.Answerer, gen *openai.Client, pm *prompts.Manager) *eval.Runner {
	return eval.NewRunner(answerer, gen, pm, 0)
}

// NewHTTPHandler builds the route table and HTTP server. The handler is
// wrapped in h2c so streaming responses work over HTTP/2 without TLS.
func NewHTTPHandler(s *Server, cfg *config.Config) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/ai/chat", s.handleChat)
	mux.HandleFunc("POST /api/ai/stream", s.handleStream)
	mux.HandleFunc("POST /api/ai/clear", s.handleClear)
	mux.HandleFunc("POST /api/evaluation/generate-test-set", s.handleGenerateTestSet)
	mux.HandleFunc("POST /api/evaluation/run-batch-test", s.handleRunBatchTest)
	mux.HandleFunc("POST /api/evaluation/run-full-evaluation", s.handleRunFullEvaluation)
	mux.HandleFunc("GET /api/evaluation/report", s.handleReport)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.Get().Info("HTTP server configured", zap.String("address", serverAddr))

	return &http.Server{
		Addr:    serverAddr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}
}

// RunIngestion loads or rebuilds the index in the background once the
// application starts; requests arriving before completion get 503.
func RunIngestion(ingestor *ingest.Ingestor, lifecycle fx.Lifecycle, shutdowner fx.Shutdowner) {
	ingestCtx, cancel := context.WithCancel(context.Background())

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := ingestor.EnsureReady(ingestCtx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logger.Get().Error("ingestion failed", zap.Error(err))
					if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
						logger.Get().Error("application shutdown failed", zap.Error(shutdownErr))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

// StartHTTPServer binds the HTTP server to the application lifecycle.
func StartHTTPServer(httpServer *http.Server, lifecycle fx.Lifecycle, shutdowner fx.Shutdowner) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Get().Info("starting HTTP server", zap.String("addr", httpServer.Addr))
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Get().Error("HTTP server failed", zap.Error(err))
					if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
						logger.Get().Error("application shutdown failed", zap.Error(shutdownErr))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Get().Info("stopping HTTP server")
			return httpServer.Shutdown(ctx)
		},
	})
}
