// Package event carries the live feed of queue activity: typed frames,
// an in-process broadcaster, and an optional Redis stream relay.
package event

import (
	"encoding/json"
	"time"

	"hark/internal/domain"
)

type Type string

const (
	TypeJobCreated   Type = "job_created"
	TypeJobClaimed   Type = "job_claimed"
	TypeJobProgress  Type = "job_progress"
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"
	TypeQueueStatus  Type = "queue_status"
	TypeInitialState Type = "initial_state"
)

// Event is one pre-encoded frame. Data is the full JSON object including
// the type discriminator, encoded once at publish time.
type Event struct {
	Type Type
	Data []byte
}

type jobCreatedPayload struct {
	Type Type       `json:"type"`
	Job  domain.Job `json:"job"`
}

type jobClaimedPayload struct {
	Type      Type                `json:"type"`
	JobID     int64               `json:"jobId"`
	JobType   domain.JobType      `json:"jobType"`
	Provider  domain.ProviderKind `json:"provider"`
	StartedAt time.Time           `json:"startedAt"`
}

type jobProgressPayload struct {
	Type       Type  `json:"type"`
	JobID      int64 `json:"jobId"`
	TokenCount int   `json:"tokenCount"`
	ElapsedMs  int64 `json:"elapsedMs"`
}

type jobCompletedPayload struct {
	Type             Type      `json:"type"`
	JobID            int64     `json:"jobId"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Confidence       *float64  `json:"confidence"`
	CompletedAt      time.Time `json:"completedAt"`
}

type jobFailedPayload struct {
	Type         Type      `json:"type"`
	JobID        int64     `json:"jobId"`
	ErrorMessage string    `json:"errorMessage"`
	FailedAt     time.Time `json:"failedAt"`
}

type queueStatusPayload struct {
	Type   Type               `json:"type"`
	Status domain.QueueStatus `json:"status"`
}

type initialStatePayload struct {
	Type   Type               `json:"type"`
	Jobs   []domain.Job       `json:"jobs"`
	Status domain.QueueStatus `json:"status"`
}

func newEvent(t Type, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: t, Data: data}
}

func JobCreated(job domain.Job) Event {
	return newEvent(TypeJobCreated, jobCreatedPayload{Type: TypeJobCreated, Job: job})
}

func JobClaimed(job domain.Job) Event {
	var startedAt time.Time
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	return newEvent(TypeJobClaimed, jobClaimedPayload{
		Type:      TypeJobClaimed,
		JobID:     job.ID,
		JobType:   job.Type,
		Provider:  job.Provider,
		StartedAt: startedAt,
	})
}

func JobProgress(jobID int64, tokenCount int, elapsed time.Duration) Event {
	return newEvent(TypeJobProgress, jobProgressPayload{
		Type:       TypeJobProgress,
		JobID:      jobID,
		TokenCount: tokenCount,
		ElapsedMs:  elapsed.Milliseconds(),
	})
}

func JobCompleted(jobID int64, processingTimeMs int64, confidence *float64, completedAt time.Time) Event {
	return newEvent(TypeJobCompleted, jobCompletedPayload{
		Type:             TypeJobCompleted,
		JobID:            jobID,
		ProcessingTimeMs: processingTimeMs,
		Confidence:       confidence,
		CompletedAt:      completedAt,
	})
}

func JobFailed(jobID int64, errorMessage string, failedAt time.Time) Event {
	return newEvent(TypeJobFailed, jobFailedPayload{
		Type:         TypeJobFailed,
		JobID:        jobID,
		ErrorMessage: errorMessage,
		FailedAt:     failedAt,
	})
}

func QueueStatusChanged(status domain.QueueStatus) Event {
	return newEvent(TypeQueueStatus, queueStatusPayload{Type: TypeQueueStatus, Status: status})
}

func InitialState(jobs []domain.Job, status domain.QueueStatus) Event {
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return newEvent(TypeInitialState, initialStatePayload{Type: TypeInitialState, Jobs: jobs, Status: status})
}
