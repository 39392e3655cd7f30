// Package upload drains a bounded queue of chunk-upload jobs produced by
// the scan engine with a fixed-size worker pool, re-reading large chunks
// from their source file and uploading small ones straight from memory.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"coldvault/internal/bufarbiter"
	"coldvault/internal/cverrors"
	"coldvault/internal/logging"
	"coldvault/internal/objectstore"

	"golang.org/x/sync/errgroup"
)

// Job describes one content chunk awaiting upload.
type Job struct {
	Path       string // source file path, for chunks that must be re-read
	ChunkIndex int
	Hash       string
	Size       int64
	// Tail holds the chunk's full content when the chunker read it in a
	// single buffer; Direct uploads skip re-opening Path entirely.
	Tail []byte
}

// Direct reports whether Tail already holds this job's complete payload.
func (j Job) Direct() bool {
	return int64(len(j.Tail)) == j.Size
}

// Scheduler is the bounded upload worker pool. Workers pull jobs from an
// internal channel sized to the configured queue bound, so Enqueue
// blocks (providing backpressure to the scan walker) once the queue is
// full.
type Scheduler struct {
	pool      *objectstore.Pool
	arbiter   *bufarbiter.Arbiter
	chunkSize int64
	workers   int
	queue     chan Job
	logger    *slog.Logger

	mu     sync.Mutex
	failed []error
}

// Config carries the tunables the scheduler needs at construction.
type Config struct {
	Workers   int // <= s3_pool_size
	QueueSize int // s3_max: bounded pending-upload queue depth
	ChunkSize int64
}

// New returns a Scheduler that is not yet running; call Run to start its
// worker goroutines.
func New(pool *objectstore.Pool, arbiter *bufarbiter.Arbiter, cfg Config, logger *slog.Logger) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers
	}
	logger = logging.Default(logger).With("component", "upload")
	return &Scheduler{
		pool:      pool,
		arbiter:   arbiter,
		chunkSize: cfg.ChunkSize,
		workers:   workers,
		queue:     make(chan Job, queueSize),
		logger:    logger,
	}
}

// Enqueue hands job to a worker, blocking while the queue is full — the
// backpressure signal the scan engine watches.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) error {
	select {
	case s.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of jobs currently queued and not yet taken
// by a worker.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Failed returns every job failure recorded so far. A job failure never
// cancels the worker pool or sibling jobs — per §7 it is fatal only for
// the file it belongs to — so callers inspect Failed after the run to
// decide the run's overall exit status.
func (s *Scheduler) Failed() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failed...)
}

// Run starts the worker pool and blocks until ctx is cancelled or Close
// is called and every queued job has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("upload scheduler starting", "workers", s.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			return s.worker(gctx)
		})
	}
	err := g.Wait()
	s.logger.Info("upload scheduler stopped", "failed_jobs", len(s.Failed()))
	return err
}

// Close signals that no further jobs will be enqueued, letting workers
// drain the remaining queue and exit.
func (s *Scheduler) Close() {
	close(s.queue)
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		select {
		case job, ok := <-s.queue:
			if !ok {
				return nil
			}
			if err := s.upload(ctx, job); err != nil {
				wrapped := cverrors.Wrap(cverrors.KindFatalPerTask, fmt.Sprintf("upload %s chunk %d", job.Path, job.ChunkIndex), err)
				s.logger.Error("chunk upload failed", "path", job.Path, "chunk_index", job.ChunkIndex, "hash", job.Hash, "err", err)
				s.mu.Lock()
				s.failed = append(s.failed, wrapped)
				s.mu.Unlock()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) upload(ctx context.Context, job Job) error {
	gw, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire object store client: %w", err)
	}
	defer release()

	if job.Direct() {
		return gw.PutBytes(ctx, job.Hash, job.Tail)
	}

	return bufarbiter.WithBuffer(ctx, s.arbiter, job.Size, func(buf []byte) error {
		f, err := os.Open(job.Path)
		if err != nil {
			return fmt.Errorf("reopen %q: %w", job.Path, err)
		}
		defer f.Close()

		offset := int64(job.ChunkIndex) * s.chunkSize
		if _, err := f.ReadAt(buf, offset); err != nil {
			return fmt.Errorf("read chunk %d of %q at offset %d: %w", job.ChunkIndex, job.Path, offset, err)
		}

		return gw.PutBytes(ctx, job.Hash, buf)
	})
}
