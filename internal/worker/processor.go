// Package worker runs the job processor: a single loop that claims pending
// jobs from the ledger, dispatches them to a provider adapter, and settles
// the outcome. Inference is treated as a serialized resource, one call at a
// time.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"hark/internal/audio"
	"hark/internal/domain"
	"hark/internal/event"
	"hark/internal/provider"
	"hark/internal/repository"
	"hark/internal/storage"
)

// Hooks receives terminal job outcomes so the upload side can record
// transcripts, chain follow-up work, and mirror failures. Hook errors are
// logged, never re-tried; the ledger transition has already committed.
type Hooks interface {
	OnJobCompleted(ctx context.Context, job domain.Job, result domain.Result) error
	OnJobFailed(ctx context.Context, job domain.Job, errorMessage string) error
}

type Config struct {
	// PollInterval bounds how long a pending job waits when no wake signal
	// arrives.
	PollInterval time.Duration

	// MaxRetries is the requeue ceiling for transient failures. A job fails
	// for good once retry_count reaches it.
	MaxRetries int

	// RetryBaseDelay doubles per consumed retry, capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = 10 * time.Minute
	}
	return c
}

type Dependencies struct {
	Store     repository.JobStore
	Providers *provider.Registry
	Blobs     storage.Blobs
	Events    *event.Broadcaster
	Hooks     Hooks
	Logger    zerolog.Logger
}

// Processor claims and executes jobs until its context is canceled.
type Processor struct {
	cfg       Config
	store     repository.JobStore
	providers *provider.Registry
	blobs     storage.Blobs
	events    *event.Broadcaster
	hooks     Hooks
	log       zerolog.Logger

	wake    chan struct{}
	running atomic.Bool

	currentJob atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
}

// Status is a point-in-time report of the loop: whether it is alive, the job
// being worked (0 when idle), and cumulative outcome counters.
type Status struct {
	Running      bool  `json:"running"`
	CurrentJobID int64 `json:"currentJobId"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
}

func NewProcessor(cfg Config, deps Dependencies) *Processor {
	return &Processor{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		providers: deps.Providers,
		blobs:     deps.Blobs,
		events:    deps.Events,
		hooks:     deps.Hooks,
		log:       deps.Logger.With().Str("component", "processor").Logger(),
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the loop out of its idle wait. Non-blocking; a pending nudge
// is enough, the loop drains the whole queue every pass.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is alive, for queue status events.
func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) Status() Status {
	return Status{
		Running:      p.running.Load(),
		CurrentJobID: p.currentJob.Load(),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Retried:      p.retried.Load(),
	}
}

// Start blocks until ctx is canceled or the ledger becomes unavailable.
// Cancellation stops the claiming of new work and returns nil; a job already
// claimed is run to completion on a detached context, so shutdown abandonment
// is the caller's grace timeout, not a half-written ledger row. A ledger
// error is fatal: the loop stops, Running flips false, and the error is
// returned. Provider errors never reach here.
func (p *Processor) Start(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)

	p.flagOrphans(ctx)
	p.log.Info().
		Dur("pollInterval", p.cfg.PollInterval).
		Int("maxRetries", p.cfg.MaxRetries).
		Msg("processor started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.drain(ctx); err != nil {
			p.log.Error().Err(err).Msg("processor stopped: ledger unavailable")
			return err
		}
		select {
		case <-ctx.Done():
			p.log.Info().Msg("processor stopped")
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// drain claims and runs jobs until the queue is empty or ctx is canceled.
// Any error it returns is a ledger failure.
func (p *Processor) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		job, err := p.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim next job: %w", err)
		}
		if job == nil {
			return nil
		}
		if err := p.process(ctx, *job); err != nil {
			return err
		}
	}
	return nil
}

// claim atomically takes the oldest pending job and publishes job_claimed in
// the same step, so the claim event can never outrun the creation event.
func (p *Processor) claim(ctx context.Context) (*domain.Job, error) {
	var job *domain.Job
	err := p.events.PublishAfter(func() ([]event.Event, error) {
		var err error
		job, err = p.store.ClaimNext(ctx)
		if err != nil || job == nil {
			return nil, err
		}
		return []event.Event{event.JobClaimed(*job)}, nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// process runs one claimed job to a terminal state. The error it returns is
// always a ledger write failure; provider outcomes are settled in place.
func (p *Processor) process(ctx context.Context, job domain.Job) error {
	p.log.Info().
		Int64("jobId", job.ID).
		Str("type", string(job.Type)).
		Str("provider", string(job.Provider)).
		Int("retryCount", job.RetryCount).
		Msg("processing job")

	p.currentJob.Store(job.ID)
	defer p.currentJob.Store(0)

	// A claimed job settles fully even while shutting down; whether the
	// process sticks around that long is the caller's grace window.
	jobCtx := context.WithoutCancel(ctx)

	start := time.Now()
	result, err := p.dispatch(jobCtx, job)
	if err != nil {
		return p.settleFailure(ctx, job, err)
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	if err := p.store.MarkCompleted(jobCtx, job.ID, result); err != nil {
		return fmt.Errorf("mark job %d completed: %w", job.ID, err)
	}
	p.completed.Add(1)
	completedAt := time.Now().UTC()
	p.events.Publish(event.JobCompleted(job.ID, result.ProcessingTimeMs, result.Confidence, completedAt))
	p.publishQueueStatus(jobCtx)

	p.log.Info().
		Int64("jobId", job.ID).
		Int64("processingTimeMs", result.ProcessingTimeMs).
		Str("model", result.Model).
		Msg("job completed")

	if p.hooks != nil {
		if err := p.hooks.OnJobCompleted(jobCtx, job, result); err != nil {
			p.log.Error().Err(err).Int64("jobId", job.ID).Msg("completion hook")
		}
	}
	return nil
}

// dispatch resolves the adapter and runs the inference call for one job.
func (p *Processor) dispatch(ctx context.Context, job domain.Job) (domain.Result, error) {
	adapter, err := p.providers.Get(job.Provider)
	if err != nil {
		return domain.Result{}, err
	}

	switch job.Type {
	case domain.JobTypeTranscription:
		return p.transcribe(ctx, adapter, job)
	case domain.JobTypeSummarization:
		return p.summarize(ctx, adapter, job)
	default:
		return domain.Result{}, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (p *Processor) transcribe(ctx context.Context, adapter provider.Adapter, job domain.Job) (domain.Result, error) {
	blob, err := p.blobs.Get(ctx, job.PayloadRef)
	if err != nil {
		return domain.Result{}, fmt.Errorf("fetch audio %s: %w", job.PayloadRef, err)
	}
	defer blob.Close()

	return adapter.Transcribe(ctx, provider.TranscribeRequest{
		Filename: job.PayloadRef,
		MimeType: audio.MimeTypeForFile(job.PayloadRef),
		Audio:    blob,
	})
}

func (p *Processor) summarize(ctx context.Context, adapter provider.Adapter, job domain.Job) (domain.Result, error) {
	// A summarization job carries its transcript inline; an empty one can
	// never succeed, no matter how often it is retried.
	if strings.TrimSpace(job.PayloadRef) == "" {
		return domain.Result{}, fmt.Errorf("summarization job %d has no transcript text", job.ID)
	}

	return adapter.Summarize(ctx, provider.SummarizeRequest{
		Text: job.PayloadRef,
		OnProgress: func(tokenCount int, elapsed time.Duration) {
			p.events.Publish(event.JobProgress(job.ID, tokenCount, elapsed))
		},
	})
}

// settleFailure applies the retry policy: transient errors below the ceiling
// wait out a backoff and requeue, everything else fails the job for good.
// The backoff wait is the one step shutdown may cut short; the ledger write
// that follows it still lands. A non-nil return is a ledger write failure.
func (p *Processor) settleFailure(ctx context.Context, job domain.Job, cause error) error {
	jobCtx := context.WithoutCancel(ctx)
	message := cause.Error()

	if provider.IsTransient(cause) && job.RetryCount < p.cfg.MaxRetries {
		delay := p.backoff(job.RetryCount)
		p.log.Warn().Err(cause).
			Int64("jobId", job.ID).
			Int("retryCount", job.RetryCount).
			Dur("backoff", delay).
			Msg("transient failure, will retry")

		p.sleep(ctx, delay)

		if err := p.store.RequeueForRetry(jobCtx, job.ID); err != nil {
			return fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		p.retried.Add(1)
		p.publishQueueStatus(jobCtx)
		return nil
	}

	p.log.Error().Err(cause).Int64("jobId", job.ID).Msg("job failed")
	if err := p.store.MarkFailed(jobCtx, job.ID, message); err != nil {
		return fmt.Errorf("mark job %d failed: %w", job.ID, err)
	}
	p.failed.Add(1)
	p.events.Publish(event.JobFailed(job.ID, message, time.Now().UTC()))
	p.publishQueueStatus(jobCtx)

	if p.hooks != nil {
		if err := p.hooks.OnJobFailed(jobCtx, job, message); err != nil {
			p.log.Error().Err(err).Int64("jobId", job.ID).Msg("failure hook")
		}
	}
	return nil
}

// backoff returns the wait before retry n+1: base doubled per consumed
// retry, capped.
func (p *Processor) backoff(retryCount int) time.Duration {
	delay := p.cfg.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.cfg.RetryMaxDelay {
			return p.cfg.RetryMaxDelay
		}
	}
	return delay
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Processor) publishQueueStatus(ctx context.Context) {
	counts, err := p.store.StatusSnapshot(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("snapshot queue status")
		return
	}
	p.events.Publish(event.QueueStatusChanged(domain.QueueStatus{
		QueueCounts:      counts,
		ProcessorRunning: p.running.Load(),
	}))
}

// flagOrphans logs jobs left in processing by an earlier run. They are not
// healed automatically; the record of what was interrupted matters more than
// a guessed retry.
func (p *Processor) flagOrphans(ctx context.Context) {
	orphans, err := p.store.ProcessingJobs(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("scan for orphaned jobs")
		return
	}
	for _, job := range orphans {
		entry := p.log.Warn().Int64("jobId", job.ID).Str("type", string(job.Type))
		if job.StartedAt != nil {
			entry = entry.Time("startedAt", *job.StartedAt)
		}
		entry.Msg("job orphaned in processing state by a previous run")
	}
}
