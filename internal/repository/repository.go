package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hark/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidState guards the job state machine: terminal writes and
	// requeues are only legal while a job is processing.
	ErrInvalidState = errors.New("job is not in the required state")

	ErrInvalidSpec = errors.New("invalid job spec")
)

// JobStore is the durable ledger of inference jobs. Writes are committed
// before the calls return; ClaimNext is a single atomic read-modify-write
// and stays correct under concurrent callers.
type JobStore interface {
	// Enqueue persists a new pending job and returns it with its assigned id.
	Enqueue(ctx context.Context, spec domain.JobSpec) (domain.Job, error)

	// ClaimNext transitions the lowest-id pending job to processing and
	// returns it, or nil when nothing is pending.
	ClaimNext(ctx context.Context) (*domain.Job, error)

	// MarkCompleted and MarkFailed finalize a processing job; both return
	// ErrInvalidState when the job is in any other status.
	MarkCompleted(ctx context.Context, id int64, result domain.Result) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error

	// RequeueForRetry moves a processing job back to pending, increments
	// retry_count and clears started_at. The retry ceiling is the caller's
	// responsibility.
	RequeueForRetry(ctx context.Context, id int64) error

	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	JobsForSubmission(ctx context.Context, submissionID string) ([]domain.Job, error)

	// ProcessingJobs reports jobs stuck in processing, used at startup to
	// flag work orphaned by an earlier shutdown.
	ProcessingJobs(ctx context.Context) ([]domain.Job, error)

	StatusSnapshot(ctx context.Context) (domain.QueueCounts, error)
}

// UploadStore persists the metadata record of each uploaded file.
type UploadStore interface {
	CreateUpload(ctx context.Context, upload *domain.Upload) error
	GetUpload(ctx context.Context, id string) (*domain.Upload, error)
	ListUploads(ctx context.Context) ([]domain.Upload, error)
	SetUploadStatus(ctx context.Context, id string, status domain.UploadStatus) error
	SetUploadTranscript(ctx context.Context, id string, jobID int64, transcript string) error
	SetUploadSummary(ctx context.Context, id string, jobID int64, summary string) error
	SetUploadError(ctx context.Context, id string, message string) error
	DeleteUpload(ctx context.Context, id string) error
}

// Store is the full persistence surface backed by SQLite or PostgreSQL.
type Store interface {
	JobStore
	UploadStore
	Close() error
}

func validateSpec(spec domain.JobSpec) error {
	if strings.TrimSpace(spec.SubmissionID) == "" {
		return fmt.Errorf("%w: submission id is required", ErrInvalidSpec)
	}
	switch spec.Type {
	case domain.JobTypeTranscription, domain.JobTypeSummarization:
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidSpec, spec.Type)
	}
	switch spec.Provider {
	case domain.ProviderLocal, domain.ProviderRemote:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidSpec, spec.Provider)
	}
	if strings.TrimSpace(spec.PayloadRef) == "" {
		return fmt.Errorf("%w: payload ref is required", ErrInvalidSpec)
	}
	return nil
}
