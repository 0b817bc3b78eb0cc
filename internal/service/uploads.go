package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hark/internal/audio"
	"hark/internal/domain"
	"hark/internal/event"
	"hark/internal/repository"
	"hark/internal/storage"
)

// Prober extracts metadata from a local audio file.
type Prober interface {
	Probe(ctx context.Context, path string) (audio.Metadata, error)
}

// processorHandle is the slice of the job processor the service needs:
// nudging it after an enqueue and reporting liveness in status events.
type processorHandle interface {
	Wake()
	Running() bool
}

type UploadDependencies struct {
	Store          repository.Store
	Blobs          storage.Blobs
	Prober         Prober
	Events         *event.Broadcaster
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// UploadService owns the upload lifecycle: accepting audio, queueing the
// transcription job, and reacting to job outcomes. It is the only creator of
// jobs, so the transcription-before-summarization ordering is enforced here.
type UploadService struct {
	store          repository.Store
	blobs          storage.Blobs
	prober         Prober
	events         *event.Broadcaster
	maxUploadBytes int64
	log            zerolog.Logger

	proc processorHandle
}

func NewUploadService(deps UploadDependencies) *UploadService {
	return &UploadService{
		store:          deps.Store,
		blobs:          deps.Blobs,
		prober:         deps.Prober,
		events:         deps.Events,
		maxUploadBytes: deps.MaxUploadBytes,
		log:            deps.Logger,
	}
}

// AttachProcessor wires the processor in after both sides exist. Call it
// before the service starts taking requests; until then status events report
// the processor as down and enqueues rely on its poll interval.
func (s *UploadService) AttachProcessor(p processorHandle) {
	s.proc = p
}

type CreateUploadInput struct {
	Filename  string
	Size      int64
	Content   io.Reader
	Provider  domain.ProviderKind
	Summarize bool
}

// CreateUpload validates and stores one audio file, records it, and queues
// its transcription. The returned job is already visible to observers.
func (s *UploadService) CreateUpload(ctx context.Context, input CreateUploadInput) (*domain.Upload, *domain.Job, error) {
	if err := audio.ValidateUpload(input.Filename, input.Size, s.maxUploadBytes); err != nil {
		return nil, nil, err
	}

	provider := input.Provider
	if provider == "" {
		provider = domain.ProviderLocal
	}
	switch provider {
	case domain.ProviderLocal, domain.ProviderRemote:
	default:
		return nil, nil, fmt.Errorf("%w: unknown provider %q", repository.ErrInvalidSpec, provider)
	}

	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(input.Filename))
	key := id + ext

	size, tmpPath, err := s.spool(input.Content)
	if err != nil {
		return nil, nil, err
	}
	defer os.Remove(tmpPath)

	meta := s.probe(ctx, tmpPath)

	if err := s.putBlob(ctx, key, tmpPath); err != nil {
		return nil, nil, err
	}

	upload := &domain.Upload{
		ID:               id,
		Filename:         key,
		OriginalFilename: input.Filename,
		MimeType:         audio.MimeTypeForFile(input.Filename),
		SizeBytes:        size,
		DurationSeconds:  meta.DurationSeconds,
		Status:           domain.UploadStatusPending,
	}
	if err := s.store.CreateUpload(ctx, upload); err != nil {
		s.discardBlob(ctx, key)
		return nil, nil, fmt.Errorf("create upload record: %w", err)
	}

	job, err := s.enqueue(ctx, domain.JobSpec{
		SubmissionID: id,
		Type:         domain.JobTypeTranscription,
		Provider:     provider,
		PayloadRef:   key,
		Metadata: domain.JobMetadata{
			AutoSummarize:   input.Summarize,
			DurationSeconds: meta.DurationSeconds,
			Channels:        meta.Channels,
			SampleRate:      meta.SampleRate,
		},
	})
	if err != nil {
		if delErr := s.store.DeleteUpload(ctx, id); delErr != nil {
			s.log.Warn().Err(delErr).Str("uploadId", id).Msg("orphaned upload record after enqueue failure")
		}
		s.discardBlob(ctx, key)
		return nil, nil, fmt.Errorf("enqueue transcription: %w", err)
	}

	if err := s.store.SetUploadStatus(ctx, id, domain.UploadStatusTranscribing); err != nil {
		s.log.Warn().Err(err).Str("uploadId", id).Msg("set upload status")
	} else {
		upload.Status = domain.UploadStatusTranscribing
	}

	return upload, &job, nil
}

// GetUpload returns one upload together with the derived view of the jobs
// that share its submission id.
func (s *UploadService) GetUpload(ctx context.Context, id string) (*domain.Upload, domain.Submission, error) {
	upload, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return nil, domain.Submission{}, err
	}
	jobs, err := s.store.JobsForSubmission(ctx, id)
	if err != nil {
		return nil, domain.Submission{}, fmt.Errorf("list jobs for submission %s: %w", id, err)
	}
	return upload, domain.DeriveSubmission(id, jobs), nil
}

func (s *UploadService) ListUploads(ctx context.Context) ([]domain.Upload, error) {
	return s.store.ListUploads(ctx)
}

// DeleteUpload removes the stored bytes and the upload record. Jobs already
// in the ledger stay, the ledger is append-only history.
func (s *UploadService) DeleteUpload(ctx context.Context, id string) error {
	upload, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, upload.Filename); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn().Err(err).Str("uploadId", id).Msg("delete stored audio")
	}
	return s.store.DeleteUpload(ctx, id)
}

// OnJobCompleted is the processor's completion hook. For a transcription it
// records the transcript and, when requested at upload time, queues the
// follow-up summarization; for a summarization it closes out the upload.
func (s *UploadService) OnJobCompleted(ctx context.Context, job domain.Job, result domain.Result) error {
	switch job.Type {
	case domain.JobTypeTranscription:
		return s.transcriptionDone(ctx, job, result)
	case domain.JobTypeSummarization:
		return s.summarizationDone(ctx, job, result)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// OnJobFailed mirrors a terminal job failure onto the upload record.
func (s *UploadService) OnJobFailed(ctx context.Context, job domain.Job, errorMessage string) error {
	err := s.store.SetUploadError(ctx, job.SubmissionID, errorMessage)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Debug().Str("submissionId", job.SubmissionID).Msg("no upload record for failed job")
		return nil
	}
	return err
}

func (s *UploadService) transcriptionDone(ctx context.Context, job domain.Job, result domain.Result) error {
	err := s.store.SetUploadTranscript(ctx, job.SubmissionID, job.ID, result.Text)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Warn().Str("submissionId", job.SubmissionID).Int64("jobId", job.ID).
			Msg("upload gone before transcript landed, not chaining")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record transcript: %w", err)
	}

	if !job.Metadata.AutoSummarize {
		return s.store.SetUploadStatus(ctx, job.SubmissionID, domain.UploadStatusCompleted)
	}

	_, err = s.enqueue(ctx, domain.JobSpec{
		SubmissionID: job.SubmissionID,
		Type:         domain.JobTypeSummarization,
		Provider:     job.Provider,
		PayloadRef:   result.Text,
		Metadata:     domain.JobMetadata{SourceJobID: job.ID},
	})
	if err != nil {
		setErr := s.store.SetUploadError(ctx, job.SubmissionID, "queue summarization: "+err.Error())
		if setErr != nil && !errors.Is(setErr, repository.ErrNotFound) {
			s.log.Warn().Err(setErr).Str("submissionId", job.SubmissionID).Msg("set upload error")
		}
		return fmt.Errorf("enqueue summarization: %w", err)
	}

	return s.store.SetUploadStatus(ctx, job.SubmissionID, domain.UploadStatusSummarizing)
}

func (s *UploadService) summarizationDone(ctx context.Context, job domain.Job, result domain.Result) error {
	err := s.store.SetUploadSummary(ctx, job.SubmissionID, job.ID, result.Text)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Debug().Str("submissionId", job.SubmissionID).Msg("no upload record for summary")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record summary: %w", err)
	}
	return s.store.SetUploadStatus(ctx, job.SubmissionID, domain.UploadStatusCompleted)
}

// enqueue writes the job and publishes job_created and queue_status as one
// atomic step with the ledger write, so the processor's job_claimed can never
// reach observers first. The processor is nudged once the events are out.
func (s *UploadService) enqueue(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	var job domain.Job
	err := s.events.PublishAfter(func() ([]event.Event, error) {
		var err error
		job, err = s.store.Enqueue(ctx, spec)
		if err != nil {
			return nil, err
		}
		events := []event.Event{event.JobCreated(job)}
		status, statusErr := s.QueueStatus(ctx)
		if statusErr != nil {
			s.log.Warn().Err(statusErr).Msg("snapshot queue status")
			return events, nil
		}
		return append(events, event.QueueStatusChanged(status)), nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	if s.proc != nil {
		s.proc.Wake()
	}
	return job, nil
}

// spool copies the request body to a temp file so it can be probed and then
// streamed to blob storage. The size is re-checked while copying, the
// declared multipart size is not trusted.
func (s *UploadService) spool(content io.Reader) (int64, string, error) {
	tmp, err := os.CreateTemp("", "hark-upload-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}

	reader := content
	if s.maxUploadBytes > 0 {
		reader = io.LimitReader(content, s.maxUploadBytes+1)
	}
	size, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, "", fmt.Errorf("spool upload: %w", err)
	}
	if s.maxUploadBytes > 0 && size > s.maxUploadBytes {
		os.Remove(tmp.Name())
		return 0, "", fmt.Errorf("%w: body larger than declared size", audio.ErrTooLarge)
	}
	if size == 0 {
		os.Remove(tmp.Name())
		return 0, "", audio.ErrEmptyFile
	}
	return size, tmp.Name(), nil
}

func (s *UploadService) probe(ctx context.Context, path string) audio.Metadata {
	if s.prober == nil {
		return audio.Metadata{}
	}
	meta, err := s.prober.Probe(ctx, path)
	if err != nil {
		s.log.Warn().Err(err).Msg("probe audio metadata")
		return audio.Metadata{}
	}
	return meta
}

func (s *UploadService) putBlob(ctx context.Context, key, tmpPath string) error {
	file, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("reopen spooled upload: %w", err)
	}
	defer file.Close()
	if err := s.blobs.Put(ctx, key, file); err != nil {
		return fmt.Errorf("store audio: %w", err)
	}
	return nil
}

func (s *UploadService) discardBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn().Err(err).Str("key", key).Msg("discard stored audio")
	}
}
