// Docqd is a local document question-answering daemon.
//
// It serves an HTTP API over a set of persisted vector corpora: questions
// are classified, context is retrieved from documents and optionally the
// web, and answers are generated by a local Ollama model and streamed
// back as server-sent events.
//
// Configuration is loaded from a YAML file plus DOCQD_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	docqd
//
//	# Point at a config file
//	docqd -config /etc/docqd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/config"
	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/embeddings"
	"github.com/hollowaylabs/docqd/internal/engine"
	dochttp "github.com/hollowaylabs/docqd/internal/http"
	"github.com/hollowaylabs/docqd/internal/lifecycle"
	"github.com/hollowaylabs/docqd/internal/logging"
	"github.com/hollowaylabs/docqd/internal/queue"
	"github.com/hollowaylabs/docqd/internal/retrieval"
	"github.com/hollowaylabs/docqd/internal/websearch"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  docqd           Start the docqd daemon\n")
			fmt.Fprintf(os.Stderr, "  docqd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("docqd by Holloway Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires all services and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("Starting docqd",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("default_model", cfg.LLM.DefaultModel),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	embedder, err := initEmbedder(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize embeddings: %w", err)
	}

	store, err := corpus.NewStore(corpus.StoreConfig{
		Dir:           cfg.Storage.VectorStoreDir,
		CheckpointDir: cfg.Storage.CheckpointDir,
	}, embedder, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize corpus store: %w", err)
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		MaxCorpora: cfg.Retention.MaxCorpora,
		MaxAge:     time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
		Interval:   cfg.Retention.CleanupInterval.Duration(),
		UploadDir:  cfg.Storage.UploadDir,
		UploadTTL:  cfg.Retention.UploadTTL.Duration(),
	}, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize lifecycle manager: %w", err)
	}
	go manager.Run(ctx)

	webClient := websearch.NewClient(websearch.Config{
		Timeout:         cfg.WebSearch.FetchTimeout.Duration(),
		CacheTTL:        cfg.WebSearch.CacheTTL.Duration(),
		CacheSize:       cfg.WebSearch.CacheEntries,
		MaxContentChars: cfg.WebSearch.MaxPageChars,
		UserAgent:       cfg.WebSearch.UserAgent,
	}, logger)

	selector := retrieval.NewSelector(store, webClient, embedder, logger)

	eng := engine.New(cfg.LLM, selector, store, logger,
		engine.WithWebSearch(cfg.WebSearch.Enabled))

	q, err := queue.New(queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		MaxQueueSize:   cfg.Queue.MaxQueueSize,
		RequestTimeout: cfg.Queue.RequestTimeout.Duration(),
		HistoryLimit:   cfg.Queue.HistoryLimit,
	}, askHandler(eng), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize request queue: %w", err)
	}
	q.Start(ctx)

	srv, err := dochttp.NewServer(cfg.Server, queuedStream(q), store, manager, q, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("web_search", cfg.WebSearch.Enabled),
		zap.Int("queue_workers", cfg.Queue.MaxConcurrent))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown", zap.Error(err))
	}
	return nil
}

// initEmbedder builds the embedding pipeline: a primary backend, an
// optional CPU fallback, and the batcher that drives them.
func initEmbedder(cfg *config.Config, logger *zap.Logger) (embeddings.Embedder, error) {
	primary, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		APIKey:  cfg.Embedding.APIKey.Value(),
	})
	if err != nil {
		return nil, err
	}

	var fallback embeddings.Embedder
	if cfg.Embedding.FallbackBaseURL != "" {
		svc, err := embeddings.NewService(embeddings.Config{
			BaseURL: cfg.Embedding.FallbackBaseURL,
			Model:   cfg.Embedding.Model,
			APIKey:  cfg.Embedding.APIKey.Value(),
		})
		if err != nil {
			return nil, err
		}
		fallback = svc
	}

	return embeddings.NewBatcher(primary, fallback, cfg.Embedding.BatchSize, logger), nil
}

// askJob carries one question through the queue to the answer engine.
type askJob struct {
	ctx    context.Context
	query  engine.Query
	events chan engine.Event
}

// askHandler runs one queued question against the engine, forwarding
// stream events to the job's channel. The channel always closes after
// the terminal event.
func askHandler(eng *engine.Engine) queue.Handler {
	return func(ctx context.Context, req *queue.Request) (any, error) {
		job, ok := req.Payload.(*askJob)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", req.Payload)
		}
		defer close(job.events)

		// Cancel generation when the client disconnects.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(job.ctx, cancel)
		defer stop()

		var answer *engine.Answer
		var genErr error
		for ev := range eng.Stream(runCtx, job.query) {
			switch ev.Kind {
			case engine.EventFinal:
				answer = ev.Answer
			case engine.EventError:
				genErr = ev.Err
			}
			job.events <- ev
		}

		if genErr != nil {
			return nil, genErr
		}
		return answer, nil
	}
}

// queuedStream adapts the queue into the HTTP layer's stream contract.
// Submissions that never reach a worker (cancelled while pending or lost
// to shutdown) still terminate the stream with an error event.
func queuedStream(q *queue.Queue) dochttp.StreamFunc {
	return func(ctx context.Context, query engine.Query) (<-chan engine.Event, error) {
		job := &askJob{
			ctx:    ctx,
			query:  query,
			events: make(chan engine.Event, 16),
		}

		id, err := q.Submit("ask", job, 0)
		if err != nil {
			return nil, err
		}

		go func() {
			req, err := q.Await(context.Background(), id)
			if err != nil || req == nil {
				return
			}
			if req.Status == queue.StatusCancelled {
				job.events <- engine.Event{Kind: engine.EventError, Err: errors.New("request was cancelled before processing")}
				close(job.events)
			}
		}()

		return job.events, nil
	}
}
