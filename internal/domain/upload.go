package domain

import "time"

type UploadStatus string

const (
	UploadStatusPending      UploadStatus = "pending"
	UploadStatusTranscribing UploadStatus = "transcribing"
	UploadStatusSummarizing  UploadStatus = "summarizing"
	UploadStatusCompleted    UploadStatus = "completed"
	UploadStatusFailed       UploadStatus = "failed"
)

// Upload is the metadata record for one stored audio file. The ID doubles as
// the submission id shared by every job created for the file.
type Upload struct {
	ID               string       `json:"id"`
	Filename         string       `json:"filename"`
	OriginalFilename string       `json:"originalFilename"`
	MimeType         string       `json:"mimeType"`
	SizeBytes        int64        `json:"sizeBytes"`
	DurationSeconds  float64      `json:"durationSeconds,omitempty"`
	Status           UploadStatus `json:"status"`
	Transcript       string       `json:"transcript,omitempty"`
	TranscriptJobID  int64        `json:"transcriptJobId,omitempty"`
	TranscribedAt    *time.Time   `json:"transcribedAt,omitempty"`
	Summary          string       `json:"summary,omitempty"`
	SummaryJobID     int64        `json:"summaryJobId,omitempty"`
	SummarizedAt     *time.Time   `json:"summarizedAt,omitempty"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

type ArtifactStatus string

const (
	ArtifactPending   ArtifactStatus = "pending"
	ArtifactCompleted ArtifactStatus = "completed"
	ArtifactFailed    ArtifactStatus = "failed"
)

// Submission is the read-side grouping of jobs that share a submission id.
// It is derived on demand, never stored.
type Submission struct {
	SubmissionID     string         `json:"submissionId"`
	Jobs             []Job          `json:"jobs"`
	TranscriptStatus ArtifactStatus `json:"transcriptStatus"`
	SummaryStatus    ArtifactStatus `json:"summaryStatus"`
}

// DeriveSubmission folds an ordered job list into the aggregate view. The
// latest job of each type wins, so an in-place retry keeps the artifact
// pending until its attempt settles.
func DeriveSubmission(submissionID string, jobs []Job) Submission {
	sub := Submission{
		SubmissionID:     submissionID,
		Jobs:             jobs,
		TranscriptStatus: ArtifactPending,
		SummaryStatus:    ArtifactPending,
	}
	for _, job := range jobs {
		status := artifactStatus(job.Status)
		switch job.Type {
		case JobTypeTranscription:
			sub.TranscriptStatus = status
		case JobTypeSummarization:
			sub.SummaryStatus = status
		}
	}
	return sub
}

func artifactStatus(status JobStatus) ArtifactStatus {
	switch status {
	case JobStatusCompleted:
		return ArtifactCompleted
	case JobStatusFailed:
		return ArtifactFailed
	default:
		return ArtifactPending
	}
}
