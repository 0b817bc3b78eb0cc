package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hark/internal/domain"
)

const jobColumns = `id, submission_id, type, provider, status, payload_ref, metadata,
	result_text, confidence, model_used, prompt_tokens, completion_tokens, total_tokens,
	processing_time_ms, raw_response, error_message, retry_count, created_at, started_at, completed_at`

const uploadColumns = `id, filename, original_filename, mime_type, size_bytes, duration_seconds,
	status, transcript, transcript_job_id, transcribed_at, summary, summary_job_id, summarized_at,
	error_message, created_at, updated_at`

// PostgresStore backs the ledger with PostgreSQL for multi-replica
// deployments. Claims rely on FOR UPDATE SKIP LOCKED so competing workers
// never block each other on the head of the queue.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by a pgx connection pool. The
// schema must already be migrated, see RunMigrations.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) Enqueue(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	if err := validateSpec(spec); err != nil {
		return domain.Job{}, err
	}
	meta, err := json.Marshal(spec.Metadata)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode job metadata: %w", err)
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO jobs (submission_id, type, provider, status, payload_ref, metadata, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6)
		RETURNING `+jobColumns,
		spec.SubmissionID, string(spec.Type), string(spec.Provider), spec.PayloadRef, meta, time.Now().UTC(),
	)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (p *PostgresStore) ClaimNext(ctx context.Context) (*domain.Job, error) {
	row := p.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs
		SET status = 'processing', started_at = $1
		WHERE id IN (SELECT id FROM next)
		RETURNING `+jobColumns,
		time.Now().UTC(),
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, id int64, result domain.Result) error {
	var raw any
	if len(result.Raw) > 0 {
		raw = []byte(result.Raw)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result_text = $2, confidence = $3, model_used = $4,
			prompt_tokens = $5, completion_tokens = $6, total_tokens = $7,
			processing_time_ms = $8, raw_response = $9, error_message = '', completed_at = $10
		WHERE id = $1 AND status = 'processing'`,
		id, result.Text, result.Confidence, result.Model,
		result.TokenUsage.Prompt, result.TokenUsage.Completion, result.TokenUsage.Total,
		result.ProcessingTimeMs, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.notProcessing(ctx, id)
	}
	return nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', error_message = $2, completed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, errorMessage, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.notProcessing(ctx, id)
	}
	return nil
}

func (p *PostgresStore) RequeueForRetry(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', retry_count = retry_count + 1, started_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return p.notProcessing(ctx, id)
	}
	return nil
}

func (p *PostgresStore) notProcessing(ctx context.Context, id int64) error {
	var exists bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job %d: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

func (p *PostgresStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &job, nil
}

func (p *PostgresStore) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return p.queryJobs(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY id ASC")
}

func (p *PostgresStore) JobsForSubmission(ctx context.Context, submissionID string) ([]domain.Job, error) {
	return p.queryJobs(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE submission_id = $1 ORDER BY id ASC", submissionID)
}

func (p *PostgresStore) ProcessingJobs(ctx context.Context) ([]domain.Job, error) {
	return p.queryJobs(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = 'processing' ORDER BY id ASC")
}

func (p *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (p *PostgresStore) StatusSnapshot(ctx context.Context) (domain.QueueCounts, error) {
	rows, err := p.pool.Query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var counts domain.QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueCounts{}, fmt.Errorf("scan status count: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobStatusPending:
			counts.Pending = n
		case domain.JobStatusProcessing:
			counts.Processing = n
		case domain.JobStatusCompleted:
			counts.Completed = n
		case domain.JobStatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueCounts{}, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg *float64
	err = p.pool.QueryRow(ctx,
		"SELECT AVG(processing_time_ms) FROM jobs WHERE status = 'completed' AND processing_time_ms > 0",
	).Scan(&avg)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("average processing time: %w", err)
	}
	if avg != nil {
		counts.AvgProcessingTimeMs = *avg
	}
	return counts, nil
}

func (p *PostgresStore) CreateUpload(ctx context.Context, upload *domain.Upload) error {
	now := time.Now().UTC()
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = now
	}
	upload.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO uploads (id, filename, original_filename, mime_type, size_bytes, duration_seconds,
			status, transcript, transcript_job_id, transcribed_at, summary, summary_job_id, summarized_at,
			error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		upload.ID, upload.Filename, upload.OriginalFilename, upload.MimeType, upload.SizeBytes,
		upload.DurationSeconds, string(upload.Status), upload.Transcript, upload.TranscriptJobID,
		upload.TranscribedAt, upload.Summary, upload.SummaryJobID, upload.SummarizedAt,
		upload.ErrorMessage, upload.CreatedAt, upload.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetUpload(ctx context.Context, id string) (*domain.Upload, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE id = $1", id)
	upload, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	return &upload, nil
}

func (p *PostgresStore) ListUploads(ctx context.Context) ([]domain.Upload, error) {
	rows, err := p.pool.Query(ctx, "SELECT "+uploadColumns+" FROM uploads ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []domain.Upload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, upload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	return uploads, nil
}

func (p *PostgresStore) SetUploadStatus(ctx context.Context, id string, status domain.UploadStatus) error {
	return p.updateUpload(ctx, id,
		"UPDATE uploads SET status = $2, updated_at = $3 WHERE id = $1",
		string(status), time.Now().UTC())
}

func (p *PostgresStore) SetUploadTranscript(ctx context.Context, id string, jobID int64, transcript string) error {
	return p.updateUpload(ctx, id,
		"UPDATE uploads SET transcript = $2, transcript_job_id = $3, transcribed_at = $4, updated_at = $4 WHERE id = $1",
		transcript, jobID, time.Now().UTC())
}

func (p *PostgresStore) SetUploadSummary(ctx context.Context, id string, jobID int64, summary string) error {
	return p.updateUpload(ctx, id,
		"UPDATE uploads SET summary = $2, summary_job_id = $3, summarized_at = $4, updated_at = $4 WHERE id = $1",
		summary, jobID, time.Now().UTC())
}

func (p *PostgresStore) SetUploadError(ctx context.Context, id string, message string) error {
	return p.updateUpload(ctx, id,
		"UPDATE uploads SET status = 'failed', error_message = $2, updated_at = $3 WHERE id = $1",
		message, time.Now().UTC())
}

func (p *PostgresStore) updateUpload(ctx context.Context, id string, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteUpload(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM uploads WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job              domain.Job
		typ, provider    string
		status           string
		meta, raw        []byte
		resultText       string
		confidence       *float64
		modelUsed        string
		promptTokens     int
		completionTokens int
		totalTokens      int
		processingTimeMs int64
	)
	err := row.Scan(&job.ID, &job.SubmissionID, &typ, &provider, &status, &job.PayloadRef, &meta,
		&resultText, &confidence, &modelUsed, &promptTokens, &completionTokens, &totalTokens,
		&processingTimeMs, &raw, &job.ErrorMessage, &job.RetryCount,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	job.Type = domain.JobType(typ)
	job.Provider = domain.ProviderKind(provider)
	job.Status = domain.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("decode metadata for job %d: %w", job.ID, err)
		}
	}
	if job.Status == domain.JobStatusCompleted {
		job.Result = &domain.Result{
			Text:       resultText,
			Confidence: confidence,
			Model:      modelUsed,
			TokenUsage: domain.TokenUsage{
				Prompt:     promptTokens,
				Completion: completionTokens,
				Total:      totalTokens,
			},
			ProcessingTimeMs: processingTimeMs,
		}
		if len(raw) > 0 {
			job.Result.Raw = json.RawMessage(raw)
		}
	}
	return job, nil
}

func scanUpload(row rowScanner) (domain.Upload, error) {
	var (
		upload domain.Upload
		status string
	)
	err := row.Scan(&upload.ID, &upload.Filename, &upload.OriginalFilename, &upload.MimeType,
		&upload.SizeBytes, &upload.DurationSeconds, &status, &upload.Transcript,
		&upload.TranscriptJobID, &upload.TranscribedAt, &upload.Summary, &upload.SummaryJobID,
		&upload.SummarizedAt, &upload.ErrorMessage, &upload.CreatedAt, &upload.UpdatedAt)
	if err != nil {
		return domain.Upload{}, err
	}
	upload.Status = domain.UploadStatus(status)
	return upload, nil
}
