package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeTranscription JobType = "transcription"
	JobTypeSummarization JobType = "summarization"
)

type ProviderKind string

const (
	ProviderLocal  ProviderKind = "local"
	ProviderRemote ProviderKind = "remote"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// TokenUsage carries the token accounting a provider reports for one call.
// Providers that do not report usage leave everything at zero.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Result is the normalized outcome of a completed inference call,
// regardless of which backend produced it.
type Result struct {
	Text             string          `json:"text"`
	Confidence       *float64        `json:"confidence"`
	Model            string          `json:"model"`
	TokenUsage       TokenUsage      `json:"tokenUsage"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// JobMetadata travels with the job from creation. AutoSummarize asks the
// processor to chain a summarization job after the transcription completes;
// SourceJobID points a chained job back at the transcription that fed it.
type JobMetadata struct {
	AutoSummarize   bool    `json:"autoSummarize,omitempty"`
	SourceJobID     int64   `json:"sourceJobId,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	SampleRate      int     `json:"sampleRate,omitempty"`
}

// Job is one unit of inference work tracked through the ledger. IDs are
// assigned by the store at enqueue time and increase monotonically; they
// double as the FIFO claim order.
type Job struct {
	ID           int64        `json:"id"`
	SubmissionID string       `json:"submissionId"`
	Type         JobType      `json:"type"`
	Provider     ProviderKind `json:"provider"`
	Status       JobStatus    `json:"status"`
	PayloadRef   string       `json:"payloadRef"`
	Metadata     JobMetadata  `json:"metadata"`
	Result       *Result      `json:"result,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	RetryCount   int          `json:"retryCount"`
	CreatedAt    time.Time    `json:"createdAt"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// JobSpec is what collaborators hand to the ledger; everything else on Job
// is assigned by the store.
type JobSpec struct {
	SubmissionID string
	Type         JobType
	Provider     ProviderKind
	PayloadRef   string
	Metadata     JobMetadata
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// QueueCounts is the per-status census of the ledger plus the average wall
// time of completed jobs, used by status queries and queue_status events.
type QueueCounts struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
}

func (c QueueCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// QueueStatus is QueueCounts plus whether the processor loop is alive.
type QueueStatus struct {
	QueueCounts
	ProcessorRunning bool `json:"processorRunning"`
}
