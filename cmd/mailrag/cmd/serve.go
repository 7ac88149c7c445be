package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxlab/mailrag/internal/chunk"
	"github.com/inboxlab/mailrag/internal/config"
	"github.com/inboxlab/mailrag/internal/index"
	"github.com/inboxlab/mailrag/internal/llm"
	"github.com/inboxlab/mailrag/internal/logging"
	"github.com/inboxlab/mailrag/internal/mail"
	"github.com/inboxlab/mailrag/internal/metrics"
	"github.com/inboxlab/mailrag/internal/schedule"
	"github.com/inboxlab/mailrag/internal/search"
	"github.com/inboxlab/mailrag/internal/server"
	"github.com/inboxlab/mailrag/internal/store"
	"github.com/inboxlab/mailrag/internal/telemetry"
)

// rebuildTimeout bounds one background BM25 rebuild.
const rebuildTimeout = 5 * time.Minute

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mail loop and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), &cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer cleanup()

	vectors, err := newVectorStore(cfg)
	if err != nil {
		return err
	}

	registry := index.NewRegistry(vectors, cfg.Storage.BM25Root,
		store.BM25Backend(cfg.Search.BM25Backend), logger)
	defer registry.Close()
	attachExisting(ctx, vectors, registry, logger)

	rebuilder := index.NewRebuilder(vectors, registry, logger, rebuildTimeout)

	var client llm.Client = llm.NewOpenAIClient(cfg.LLM)
	client = llm.NewCachedClient(client, cfg.LLM.EmbedModel, cfg.LLM.EmbedCacheSize)

	splitter, err := chunk.NewSplitter(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return err
	}
	ingestor := index.NewIngestor(vectors, registry, rebuilder, client, splitter, logger)

	var reranker search.Reranker
	if cfg.LLM.RerankURL != "" {
		reranker = search.NewHTTPReranker(cfg.LLM.RerankURL, "", cfg.LLM.RequestTimeout.Std())
	} else {
		reranker = search.NewLLMReranker(client)
	}
	retriever := search.NewHybridRetriever(vectors, registry, client, reranker, cfg.Search, logger)
	answerer := search.NewAnswerGenerator(client, cfg, logger)

	recorder, err := telemetry.Open(cfg.Storage.TelemetryDB)
	if err != nil {
		return err
	}
	defer recorder.Close()

	// The mail loop only runs when a spool is configured; the HTTP API is
	// always up.
	var (
		pool    *schedule.Pool[mail.Job]
		depthFn func() int
	)
	if cfg.Mail.SpoolDir != "" {
		depthFn = func() int {
			if pool == nil {
				return 0
			}
			return pool.Depth()
		}
	}

	m := metrics.New(depthFn)
	rebuilder.SetOnRebuild(func(collection string, err error) {
		status := metrics.StatusOK
		if err != nil {
			status = metrics.StatusError
		}
		m.BM25Rebuilds.WithLabelValues(status).Inc()
	})
	retriever.SetOnRetrieve(func(collection string, hits int, degraded bool, took time.Duration) {
		m.RetrieveSeconds.WithLabelValues(collection).Observe(took.Seconds())
	})
	ingestor.SetOnIngest(func(collection string, chunks int) {
		m.IngestedChunks.WithLabelValues(collection).Add(float64(chunks))
	})

	if cfg.Mail.SpoolDir != "" {
		var loop *mail.Loop
		pool, loop, err = buildMailPipeline(cfg, registry, ingestor, retriever, answerer, logger, m)
		if err != nil {
			return err
		}
		pool.Start(ctx)
		go loop.Run(ctx)
		defer pool.Shutdown(cfg.Workers.DrainTimeout.Std())
	}

	api := server.New(cfg, vectors, registry, ingestor, rebuilder, retriever, answerer,
		client, recorder, m.Handler(), logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", slog.String("addr", cfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", slog.String("error", err.Error()))
	}
	rebuilder.Wait()
	return nil
}

func newVectorStore(cfg *config.Config) (store.VectorStore, error) {
	switch cfg.Vector.Provider {
	case "memory":
		return store.NewMemoryStore(), nil
	case "qdrant":
		return store.NewQdrantStore(store.QdrantConfig{
			Host:    cfg.Vector.Host,
			Port:    cfg.Vector.Port,
			APIKey:  cfg.Vector.APIKey,
			Timeout: cfg.Vector.Timeout.Std(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown vector provider %q", cfg.Vector.Provider)
	}
}

// attachExisting registers collections that already live in the vector
// store so they are queryable before their first ingest of this process.
func attachExisting(ctx context.Context, vectors store.VectorStore, registry *index.Registry, logger *slog.Logger) {
	names, err := vectors.ListCollections(ctx)
	if err != nil {
		logger.Warn("collection_discovery_failed", slog.String("error", err.Error()))
		return
	}
	for _, name := range names {
		if err := registry.Attach(name); err != nil {
			logger.Warn("collection_attach_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
	}
}

// buildMailPipeline assembles the file-spool transport, processor and
// worker pool. m may be nil during early wiring.
func buildMailPipeline(cfg *config.Config, registry *index.Registry, ingestor *index.Ingestor,
	retriever *search.HybridRetriever, answerer *search.AnswerGenerator,
	logger *slog.Logger, m *metrics.Metrics) (*schedule.Pool[mail.Job], *mail.Loop, error) {

	source, err := mail.NewFileSource(cfg.Mail.SpoolDir)
	if err != nil {
		return nil, nil, err
	}
	sender, err := mail.NewFileSender(cfg.Mail.OutboxDir)
	if err != nil {
		return nil, nil, err
	}
	cursor, err := mail.OpenCursorStore(cfg.Storage.CursorPath)
	if err != nil {
		return nil, nil, err
	}
	archive, err := mail.NewArchiveStore(cfg.Storage.ArchiveRoot)
	if err != nil {
		return nil, nil, err
	}
	router, err := mail.NewRouter(cfg.Mail)
	if err != nil {
		return nil, nil, err
	}

	processor := mail.NewProcessor(router, ingestor, retriever, answerer, sender,
		archive, nil, cfg, logger)

	handler := func(ctx context.Context, job mail.Job) {
		jobType := metrics.JobTypeIngest
		if mail.IsQuestion(&job.Message) {
			jobType = metrics.JobTypeQuery
		}
		if m != nil {
			defer func() {
				if r := recover(); r != nil {
					m.JobsTotal.WithLabelValues(jobType, metrics.StatusPanic).Inc()
					panic(r)
				}
				m.JobsTotal.WithLabelValues(jobType, metrics.StatusOK).Inc()
			}()
		}
		processor.Process(ctx, job)
	}

	pool := schedule.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, handler, logger)
	loop := mail.NewLoop(source, pool, cursor, archive, cfg.Mail, logger)
	return pool, loop, nil
}

