package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"photosearch/internal/media"
	"photosearch/internal/models"
	"photosearch/internal/queue"
	"photosearch/internal/runner"
	"photosearch/internal/store"
)

type PhotoStore interface {
	GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error)
	ClaimForProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	UpsertEmbedding(ctx context.Context, id uuid.UUID, model string, vector []float32) error
	MarkReady(ctx context.Context, id uuid.UUID, meta models.Metadata, caption *string, tags []string, assets []models.Asset) error
	MarkError(ctx context.Context, id uuid.UUID, msg string) error
}

type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (bool, error)
}

// ErrShutdown is the cancellation cause of jobs aborted because the
// processor is stopping.
var ErrShutdown = errors.New("processor shutting down")

type StatusEvent struct {
	PhotoID uuid.UUID
	Status  models.PhotoStatus
	Error   string
}

type OnComplete func(ev StatusEvent)

// Pipeline turns one uploaded original into derivatives, an embedding and
// caption text, moving the photo through PROCESSING to READY or ERROR.
type Pipeline struct {
	store     PhotoStore
	blobs     Blobs
	embedder  runner.ImageEmbedder
	captioner runner.Captioner
	model     string
	onStatus  OnComplete
	logger    *slog.Logger
}

func NewPipeline(st PhotoStore, blobs Blobs, embedder runner.ImageEmbedder, captioner runner.Captioner, model string, onStatus OnComplete) *Pipeline {
	return &Pipeline{
		store:     st,
		blobs:     blobs,
		embedder:  embedder,
		captioner: captioner,
		model:     model,
		onStatus:  onStatus,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Process runs the pipeline for one photo. A photo that no longer exists,
// or is not in a claimable state, is skipped without error. A returned error
// means the attempt failed and the job should be retried. When ctx is
// cancelled with ErrShutdown the photo is left PROCESSING for redelivery
// rather than marked ERROR.
func (p *Pipeline) Process(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	logger := p.logger.With("photo_id", id)

	photo, err := p.store.GetPhoto(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("photo gone, skipping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load photo: %w", err)
	}

	claimed, err := p.store.ClaimForProcessing(ctx, id)
	if err != nil {
		return fmt.Errorf("claim photo: %w", err)
	}
	if !claimed {
		logger.Info("photo not claimable, skipping job", "status", photo.Status)
		return nil
	}
	p.emit(StatusEvent{PhotoID: id, Status: models.StatusProcessing})

	if err := p.run(ctx, logger, photo); err != nil {
		if errors.Is(context.Cause(ctx), ErrShutdown) {
			logger.Warn("processing interrupted by shutdown", "elapsed_ms", time.Since(start).Milliseconds())
			return err
		}
		msg := models.TruncateError(err.Error())
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if merr := p.store.MarkError(mctx, id, msg); merr != nil {
			logger.Error("failed to record processing error", "error", merr)
		}
		p.emit(StatusEvent{PhotoID: id, Status: models.StatusError, Error: msg})
		logger.Warn("processing failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return err
	}

	p.emit(StatusEvent{PhotoID: id, Status: models.StatusReady})
	logger.Info("photo ready", "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, photo *models.Photo) error {
	original, err := p.blobs.Get(ctx, photo.OriginalKey)
	if err != nil {
		return fmt.Errorf("download original: %w", err)
	}

	var (
		meta           models.Metadata
		thumb, preview media.Derivative
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		m, err := media.ExtractMetadata(original)
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
		meta = m
		return nil
	})
	g.Go(func() error {
		t, pv, err := media.MakeDerivatives(original)
		if err != nil {
			return fmt.Errorf("derivatives: %w", err)
		}
		thumb, preview = t, pv
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	thumbKey, previewKey := models.ThumbnailKey(photo.ID), models.PreviewKey(photo.ID)
	if err := p.blobs.Put(ctx, thumbKey, thumb.Data, "image/jpeg"); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	if err := p.blobs.Put(ctx, previewKey, preview.Data, "image/jpeg"); err != nil {
		return fmt.Errorf("store preview: %w", err)
	}

	vec, err := p.embedder.EmbedImage(ctx, preview.Data)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := p.store.UpsertEmbedding(ctx, photo.ID, p.model, vec); err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}

	var caption *string
	var tags []string
	if c, err := p.captioner.Caption(ctx, preview.Data); err != nil {
		logger.Warn("caption failed, continuing without", "error", err)
	} else {
		if c.Text != "" {
			caption = &c.Text
		}
		tags = c.Tags
	}

	assets := []models.Asset{
		{PhotoID: photo.ID, Type: models.AssetThumbnail, StorageKey: thumbKey, Width: thumb.Width, Height: thumb.Height},
		{PhotoID: photo.ID, Type: models.AssetPreview, StorageKey: previewKey, Width: preview.Width, Height: preview.Height},
	}
	if err := p.store.MarkReady(ctx, photo.ID, meta, caption, tags, assets); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

func (p *Pipeline) emit(ev StatusEvent) {
	if p.onStatus != nil {
		p.onStatus(ev)
	}
}

// ImageProcessor runs a fixed pool of queue consumers.
type ImageProcessor struct {
	queue      JobQueue
	pipeline   *Pipeline
	maxWorkers int
	jobTimeout time.Duration
	logger     *slog.Logger

	stopCtx  context.Context
	stop     context.CancelFunc
	jobCtx   context.Context
	abortJob context.CancelCauseFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func NewImageProcessor(q JobQueue, pipeline *Pipeline, maxWorkers int, jobTimeout time.Duration) *ImageProcessor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	p := &ImageProcessor{
		queue:      q,
		pipeline:   pipeline,
		maxWorkers: maxWorkers,
		jobTimeout: jobTimeout,
		logger:     slog.Default().With("component", "processor"),
	}
	p.stopCtx, p.stop = context.WithCancel(context.Background())
	p.jobCtx, p.abortJob = context.WithCancelCause(context.Background())

	p.startWorkers()
	return p
}

func (p *ImageProcessor) startWorkers() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *ImageProcessor) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for p.stopCtx.Err() == nil {
		job, err := p.queue.Dequeue(p.stopCtx, 2*time.Second)
		if err != nil {
			if p.stopCtx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			select {
			case <-p.stopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.handle(logger, job)
	}
}

func (p *ImageProcessor) handle(logger *slog.Logger, job *queue.Job) {
	logger = logger.With("photo_id", job.PhotoID, "attempt", job.Attempt)

	ctx, cancel := context.WithTimeout(p.jobCtx, p.jobTimeout)
	err := p.pipeline.Process(ctx, job.PhotoID)
	cancel()

	if p.jobCtx.Err() != nil {
		// aborted by shutdown; the job stays active and stall recovery redelivers it
		logger.Warn("job interrupted by shutdown")
		return
	}

	qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer qcancel()
	if err == nil {
		if err := p.queue.Complete(qctx, job); err != nil {
			logger.Error("failed to complete job", "error", err)
		}
		return
	}

	retry, ferr := p.queue.Fail(qctx, job, err)
	if ferr != nil {
		logger.Error("failed to record job failure", "error", ferr)
		return
	}
	if retry {
		logger.Info("job will be retried")
	} else {
		logger.Error("job failed permanently", "error", err)
	}
}

// Shutdown stops taking new jobs and waits for in-flight ones. If ctx
// expires first the running jobs are cancelled.
func (p *ImageProcessor) Shutdown(ctx context.Context) {
	p.once.Do(func() {
		p.stop()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			p.abortJob(ErrShutdown)
			<-done
		}
		p.abortJob(ErrShutdown)
	})
}
