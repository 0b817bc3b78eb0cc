package service

import (
	"context"
	"fmt"

	"hark/internal/domain"
	"hark/internal/event"
)

// QueueStatus combines the ledger census with processor liveness.
func (s *UploadService) QueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	counts, err := s.store.StatusSnapshot(ctx)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("status snapshot: %w", err)
	}
	return domain.QueueStatus{
		QueueCounts:      counts,
		ProcessorRunning: s.proc != nil && s.proc.Running(),
	}, nil
}

func (s *UploadService) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *UploadService) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return s.store.ListJobs(ctx)
}

// InitialState builds the catch-up frame a new observer receives before any
// live event. Meant to run inside the broadcaster's subscribe snapshot so the
// frame and the live feed cannot interleave.
func (s *UploadService) InitialState(ctx context.Context) (event.Event, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return event.Event{}, fmt.Errorf("list jobs: %w", err)
	}
	status, err := s.QueueStatus(ctx)
	if err != nil {
		return event.Event{}, err
	}
	return event.InitialState(jobs, status), nil
}
