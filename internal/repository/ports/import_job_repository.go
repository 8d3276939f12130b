package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/equipcare/backend/internal/domain"
)

type ImportJobRepository interface {
	CreateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error)
	UpdateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error)
	UpdateCounts(ctx context.Context, jobID uuid.UUID, counts domain.ImportCounts) error
	FindJobByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error)
	ListJobs(ctx context.Context, limit int) ([]domain.ImportJob, error)

	InsertOutcome(ctx context.Context, outcome *domain.ImportRecordOutcome) error
	ListOutcomes(ctx context.Context, jobID uuid.UUID, kinds []domain.RecordOutcomeKind) ([]domain.ImportRecordOutcome, error)

	AppendEvent(ctx context.Context, event *domain.LiveUpdateEvent) error
	ListEventsAfter(ctx context.Context, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.LiveUpdateEvent, error)
	LatestEvent(ctx context.Context, jobID uuid.UUID) (*domain.LiveUpdateEvent, error)
}
