package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"photosearch/internal/applog"
	"photosearch/internal/blob"
	"photosearch/internal/config"
	"photosearch/internal/handlers"
	mw "photosearch/internal/middleware"
	"photosearch/internal/models"
	"photosearch/internal/queue"
	"photosearch/internal/runner"
	"photosearch/internal/search"
	"photosearch/internal/services"
	"photosearch/internal/store"
	"photosearch/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	flush := applog.Init(applog.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	defer flush()

	ctx := context.Background()

	// Database
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		applog.Fatal("connect to db", "error", err)
	}
	defer dbPool.Close()

	st := store.New(dbPool)
	if err := st.Migrate(ctx); err != nil {
		applog.Fatal("migrate", "error", err)
	}

	// Object storage
	blobs, err := blob.NewS3Store(ctx, blob.S3Options{
		Bucket:          cfg.S3.Bucket,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	})
	if err != nil {
		applog.Fatal("object storage", "error", err)
	}

	// Redis backs the job queue and the shared query vector cache.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Fatal("parse redis url", "error", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	jobs := queue.New(rdb, queue.Options{
		MaxAttempts:  cfg.Worker.MaxAttempts,
		StallTimeout: cfg.Worker.StallTimeout,
	})
	maintenance, err := queue.NewMaintenance(jobs, applog.With("component", "queue"))
	if err != nil {
		applog.Fatal("queue maintenance", "error", err)
	}
	maintenance.Start()

	// Model runners
	imageEmbedder := runner.NewProcessImageEmbedder(runner.Command{Argv: cfg.Runners.ImageEmbedCmd, Timeout: cfg.Runners.RunTimeout})
	captioner := runner.NewProcessCaptioner(runner.Command{Argv: cfg.Runners.CaptionCmd, Timeout: cfg.Runners.RunTimeout})

	var textEmbedder runner.TextEmbedder
	var closeText func()
	switch cfg.Runners.TextEmbedder {
	case "onnx":
		onnx, err := services.NewOnnxTextEmbedder(cfg.Runners.OnnxLibrary, cfg.Runners.OnnxModelPath, cfg.Runners.OnnxTokenizer)
		if err != nil {
			applog.Fatal("onnx text embedder", "error", err)
		}
		textEmbedder, closeText = onnx, onnx.Close
	default:
		server := runner.NewTextServer(cfg.Runners.TextServerCmd, cfg.Runners.TextTimeout)
		textEmbedder, closeText = server, func() { _ = server.Close() }
	}

	// Search
	tuning := search.DefaultTuning()
	tuning.MaxDistance = cfg.Search.MaxDistance
	tuning.SemanticOnlyMaxDistance = cfg.Search.SemanticOnlyMaxDistance
	tuning.MinSeparation = cfg.Search.MinSeparation
	engine := search.NewEngine(st, textEmbedder, search.TieredCache{
		Local:  search.NewMemoryCache(cfg.Search.CacheTTL),
		Shared: search.NewRedisCache(rdb, cfg.Search.CacheTTL),
	}, tuning)
	eff := engine.Tuning()
	slog.Info("search tuning",
		"max_distance", eff.MaxDistance,
		"semantic_only_max_distance", eff.SemanticOnlyMaxDistance,
		"min_separation", eff.MinSeparation)

	// WebSocket Hub
	hub := ws.NewHub()
	go hub.Run()

	// Image Processor (derivatives + metadata + embedding + caption)
	pipeline := services.NewPipeline(st, blobs, imageEmbedder, captioner, cfg.Runners.EmbeddingModel,
		func(ev services.StatusEvent) {
			msg := ws.Message{PhotoID: ev.PhotoID, Status: ev.Status, Error: ev.Error}
			if ev.Status == models.StatusReady {
				msg.ThumbnailURL = "/media/" + models.ThumbnailKey(ev.PhotoID)
			}
			hub.Broadcast(msg)
		},
	)
	processor := services.NewImageProcessor(jobs, pipeline, cfg.Worker.Concurrency, cfg.JobTimeout())

	// Re-enqueue photos left QUEUED by a previous run
	go enqueuePending(ctx, st, jobs, time.Now())

	// Handlers
	limiter := mw.NewRateLimiter(cfg.Server.SearchRPS, cfg.Server.SearchBurst)
	api := &handlers.API{
		Uploads: handlers.NewUploadHandler(st, blobs, jobs, cfg.S3.PresignTTL),
		Photos:  handlers.NewFeedHandler(st, blobs, jobs),
		Search:  handlers.NewSearchHandler(st, engine),
		Media:   handlers.NewMediaHandler(blobs),
		Limiter: limiter.Middleware,
	}

	// Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(mw.Cors(cfg.Server.CORSOrigin))

	r.Get("/health", handlers.HealthHandler(map[string]func(context.Context) error{
		"database": dbPool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, func(ctx context.Context) (any, error) { return jobs.Stats(ctx) }))
	api.Register(r)

	// WebSocket
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.HandleWebSocket(hub, w, r)
	})

	// graceful shutdown!
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Fatal("server", "error", err)
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	hub.Shutdown()
	processor.Shutdown(shutdownCtx)
	maintenance.Stop()
	closeText()
}

// enqueuePending hands photos that were QUEUED before startup back to the
// queue. Enqueue is idempotent per photo, so photos that still have a job
// are left alone.
func enqueuePending(ctx context.Context, st *store.Store, jobs *queue.Queue, before time.Time) {
	ids, err := st.ListQueued(ctx, before)
	if err != nil {
		slog.Error("failed to list pending photos", "error", err)
		return
	}

	count := 0
	for _, id := range ids {
		created, err := jobs.Enqueue(ctx, id)
		if err != nil {
			slog.Error("failed to enqueue pending photo", "photo_id", id, "error", err)
			continue
		}
		if created {
			count++
		}
	}
	if count > 0 {
		slog.Info("queued pending photos", "count", count)
	}
}
