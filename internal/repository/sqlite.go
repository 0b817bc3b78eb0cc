package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"hark/internal/domain"
)

const sqliteBusyTimeoutMs = 30000

// jobRecord is the jobs table row. Result columns live inline so a
// completed job is a single row, same as the rest of its lifecycle.
type jobRecord struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	SubmissionID     string `gorm:"size:64;not null;index"`
	Type             string `gorm:"size:32;not null"`
	Provider         string `gorm:"size:16;not null"`
	Status           string `gorm:"size:16;not null;index"`
	PayloadRef       string `gorm:"not null"`
	Metadata         string
	ResultText       string
	Confidence       *float64
	ModelUsed        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ProcessingTimeMs int64
	RawResponse      string
	ErrorMessage     string
	RetryCount       int       `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func (jobRecord) TableName() string { return "jobs" }

type uploadRecord struct {
	ID               string `gorm:"primaryKey;size:64"`
	Filename         string `gorm:"not null"`
	OriginalFilename string `gorm:"not null"`
	MimeType         string
	SizeBytes        int64
	DurationSeconds  float64
	Status           string `gorm:"size:16;not null;index"`
	Transcript       string
	TranscriptJobID  int64
	TranscribedAt    *time.Time
	Summary          string
	SummaryJobID     int64
	SummarizedAt     *time.Time
	ErrorMessage     string
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (uploadRecord) TableName() string { return "uploads" }

// SQLiteStore is the default single-node ledger. WAL keeps readers off the
// writer's lock and the busy timeout serializes concurrent claimers.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, sqliteBusyTimeoutMs)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&jobRecord{}, &uploadRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	// Composite index backing the claim subselect.
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_status_id ON jobs(status, id)").Error; err != nil {
		return nil, fmt.Errorf("create claim index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	if err := validateSpec(spec); err != nil {
		return domain.Job{}, err
	}
	meta, err := json.Marshal(spec.Metadata)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode job metadata: %w", err)
	}
	rec := jobRecord{
		SubmissionID: spec.SubmissionID,
		Type:         string(spec.Type),
		Provider:     string(spec.Provider),
		Status:       string(domain.JobStatusPending),
		PayloadRef:   spec.PayloadRef,
		Metadata:     string(meta),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return rec.toDomain()
}

// ClaimNext runs the claim as one statement so two concurrent pollers can
// never take the same row: the status guard on the outer UPDATE rejects the
// row if it changed between the subselect and the write.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*domain.Job, error) {
	var rec jobRecord
	res := s.db.WithContext(ctx).Raw(`
		UPDATE jobs
		SET status = ?, started_at = ?
		WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY id LIMIT 1)
		  AND status = ?
		RETURNING *`,
		string(domain.JobStatusProcessing), time.Now().UTC(),
		string(domain.JobStatusPending), string(domain.JobStatusPending),
	).Scan(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("claim job: %w", res.Error)
	}
	if res.RowsAffected == 0 || rec.ID == 0 {
		return nil, nil
	}
	job, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id int64, result domain.Result) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status = ?", id, string(domain.JobStatusProcessing)).
		Updates(map[string]any{
			"status":             string(domain.JobStatusCompleted),
			"result_text":        result.Text,
			"confidence":         result.Confidence,
			"model_used":         result.Model,
			"prompt_tokens":      result.TokenUsage.Prompt,
			"completion_tokens":  result.TokenUsage.Completion,
			"total_tokens":       result.TokenUsage.Total,
			"processing_time_ms": result.ProcessingTimeMs,
			"raw_response":       string(result.Raw),
			"error_message":      "",
			"completed_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("complete job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.notProcessing(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status = ?", id, string(domain.JobStatusProcessing)).
		Updates(map[string]any{
			"status":        string(domain.JobStatusFailed),
			"error_message": errorMessage,
			"completed_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.notProcessing(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) RequeueForRetry(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND status = ?", id, string(domain.JobStatusProcessing)).
		Updates(map[string]any{
			"status":      string(domain.JobStatusPending),
			"retry_count": gorm.Expr("retry_count + 1"),
			"started_at":  nil,
		})
	if res.Error != nil {
		return fmt.Errorf("requeue job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.notProcessing(ctx, id)
	}
	return nil
}

// notProcessing distinguishes a missing job from one in the wrong status
// after a guarded update touched zero rows.
func (s *SQLiteStore) notProcessing(ctx context.Context, id int64) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("check job %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrInvalidState
}

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	job, err := rec.toDomain()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]domain.Job, error) {
	var recs []jobRecord
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return recordsToDomain(recs)
}

func (s *SQLiteStore) JobsForSubmission(ctx context.Context, submissionID string) ([]domain.Job, error) {
	var recs []jobRecord
	err := s.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs for submission %s: %w", submissionID, err)
	}
	return recordsToDomain(recs)
}

func (s *SQLiteStore) ProcessingJobs(ctx context.Context) ([]domain.Job, error) {
	var recs []jobRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.JobStatusProcessing)).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	return recordsToDomain(recs)
}

func (s *SQLiteStore) StatusSnapshot(ctx context.Context) (domain.QueueCounts, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&jobRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	var counts domain.QueueCounts
	for _, row := range rows {
		switch domain.JobStatus(row.Status) {
		case domain.JobStatusPending:
			counts.Pending = row.N
		case domain.JobStatusProcessing:
			counts.Processing = row.N
		case domain.JobStatusCompleted:
			counts.Completed = row.N
		case domain.JobStatusFailed:
			counts.Failed = row.N
		}
	}
	var avg *float64
	err = s.db.WithContext(ctx).Raw(
		"SELECT AVG(processing_time_ms) FROM jobs WHERE status = ? AND processing_time_ms > 0",
		string(domain.JobStatusCompleted),
	).Row().Scan(&avg)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("average processing time: %w", err)
	}
	if avg != nil {
		counts.AvgProcessingTimeMs = *avg
	}
	return counts, nil
}

func (s *SQLiteStore) CreateUpload(ctx context.Context, upload *domain.Upload) error {
	now := time.Now().UTC()
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = now
	}
	upload.UpdatedAt = now
	rec := uploadToRecord(upload)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*domain.Upload, error) {
	var rec uploadRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	upload := rec.toDomain()
	return &upload, nil
}

func (s *SQLiteStore) ListUploads(ctx context.Context) ([]domain.Upload, error) {
	var recs []uploadRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	uploads := make([]domain.Upload, 0, len(recs))
	for _, rec := range recs {
		uploads = append(uploads, rec.toDomain())
	}
	return uploads, nil
}

func (s *SQLiteStore) SetUploadStatus(ctx context.Context, id string, status domain.UploadStatus) error {
	return s.updateUpload(ctx, id, map[string]any{"status": string(status)})
}

func (s *SQLiteStore) SetUploadTranscript(ctx context.Context, id string, jobID int64, transcript string) error {
	return s.updateUpload(ctx, id, map[string]any{
		"transcript":        transcript,
		"transcript_job_id": jobID,
		"transcribed_at":    time.Now().UTC(),
	})
}

func (s *SQLiteStore) SetUploadSummary(ctx context.Context, id string, jobID int64, summary string) error {
	return s.updateUpload(ctx, id, map[string]any{
		"summary":        summary,
		"summary_job_id": jobID,
		"summarized_at":  time.Now().UTC(),
	})
}

func (s *SQLiteStore) SetUploadError(ctx context.Context, id string, message string) error {
	return s.updateUpload(ctx, id, map[string]any{
		"status":        string(domain.UploadStatusFailed),
		"error_message": message,
	})
}

func (s *SQLiteStore) updateUpload(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&uploadRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update upload %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteUpload(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&uploadRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete upload %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func recordsToDomain(recs []jobRecord) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(recs))
	for _, rec := range recs {
		job, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r jobRecord) toDomain() (domain.Job, error) {
	var meta domain.JobMetadata
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return domain.Job{}, fmt.Errorf("decode metadata for job %d: %w", r.ID, err)
		}
	}
	job := domain.Job{
		ID:           r.ID,
		SubmissionID: r.SubmissionID,
		Type:         domain.JobType(r.Type),
		Provider:     domain.ProviderKind(r.Provider),
		Status:       domain.JobStatus(r.Status),
		PayloadRef:   r.PayloadRef,
		Metadata:     meta,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	if job.Status == domain.JobStatusCompleted {
		job.Result = &domain.Result{
			Text:       r.ResultText,
			Confidence: r.Confidence,
			Model:      r.ModelUsed,
			TokenUsage: domain.TokenUsage{
				Prompt:     r.PromptTokens,
				Completion: r.CompletionTokens,
				Total:      r.TotalTokens,
			},
			ProcessingTimeMs: r.ProcessingTimeMs,
		}
		if r.RawResponse != "" {
			job.Result.Raw = json.RawMessage(r.RawResponse)
		}
	}
	return job, nil
}

func uploadToRecord(u *domain.Upload) uploadRecord {
	return uploadRecord{
		ID:               u.ID,
		Filename:         u.Filename,
		OriginalFilename: u.OriginalFilename,
		MimeType:         u.MimeType,
		SizeBytes:        u.SizeBytes,
		DurationSeconds:  u.DurationSeconds,
		Status:           string(u.Status),
		Transcript:       u.Transcript,
		TranscriptJobID:  u.TranscriptJobID,
		TranscribedAt:    u.TranscribedAt,
		Summary:          u.Summary,
		SummaryJobID:     u.SummaryJobID,
		SummarizedAt:     u.SummarizedAt,
		ErrorMessage:     u.ErrorMessage,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func (r uploadRecord) toDomain() domain.Upload {
	return domain.Upload{
		ID:               r.ID,
		Filename:         r.Filename,
		OriginalFilename: r.OriginalFilename,
		MimeType:         r.MimeType,
		SizeBytes:        r.SizeBytes,
		DurationSeconds:  r.DurationSeconds,
		Status:           domain.UploadStatus(r.Status),
		Transcript:       r.Transcript,
		TranscriptJobID:  r.TranscriptJobID,
		TranscribedAt:    r.TranscribedAt,
		Summary:          r.Summary,
		SummaryJobID:     r.SummaryJobID,
		SummarizedAt:     r.SummarizedAt,
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
