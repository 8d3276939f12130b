package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/equipcare/backend/internal/domain"
)

type ImportJobRepository struct {
	db *sqlx.DB
}

func NewImportJobRepo(db *sqlx.DB) *ImportJobRepository {
	return &ImportJobRepository{db: db}
}

// importJobRow flattens the counts columns for sqlx scanning.
type importJobRow struct {
	ID           uuid.UUID             `db:"id"`
	Kind         domain.ImportJobKind  `db:"kind"`
	State        domain.ImportJobState `db:"state"`
	FileKey      string                `db:"file_key"`
	TotalRecords int                   `db:"total_records"`
	Processed    int                   `db:"processed_count"`
	Succeeded    int                   `db:"succeeded_count"`
	Failed       int                   `db:"failed_count"`
	Derived      int                   `db:"derived_count"`
	Error        sql.NullString        `db:"error"`
	CreatedAt    time.Time             `db:"created_at"`
	StartedAt    sql.NullTime          `db:"started_at"`
	FinishedAt   sql.NullTime          `db:"finished_at"`
	UpdatedAt    time.Time             `db:"updated_at"`
}

func (r importJobRow) toDomain() *domain.ImportJob {
	job := &domain.ImportJob{
		ID:           r.ID,
		Kind:         r.Kind,
		State:        r.State,
		FileKey:      r.FileKey,
		TotalRecords: r.TotalRecords,
		Counts: domain.ImportCounts{
			Processed:      r.Processed,
			Succeeded:      r.Succeeded,
			Failed:         r.Failed,
			DerivedCreated: r.Derived,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Error.Valid {
		job.Error = &r.Error.String
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	return job
}

const importJobColumns = `
	id, kind, state, file_key, total_records,
	processed_count, succeeded_count, failed_count, derived_count,
	error, created_at, started_at, finished_at, updated_at
`

func (r *ImportJobRepository) CreateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error) {
	const query = `
		INSERT INTO import_job (
			id, kind, state, file_key, total_records,
			processed_count, succeeded_count, failed_count, derived_count,
			error, created_at, started_at, finished_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, NOW(), $11, $12, NOW()
		)
		RETURNING ` + importJobColumns

	var inserted importJobRow
	if err := r.db.GetContext(ctx, &inserted, query,
		job.ID,
		job.Kind,
		job.State,
		job.FileKey,
		job.TotalRecords,
		job.Counts.Processed,
		job.Counts.Succeeded,
		job.Counts.Failed,
		job.Counts.DerivedCreated,
		nullStringPtr(job.Error),
		nullTimePtr(job.StartedAt),
		nullTimePtr(job.FinishedAt),
	); err != nil {
		return nil, wrapStoreError(err)
	}
	return inserted.toDomain(), nil
}

func (r *ImportJobRepository) UpdateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error) {
	const query = `
		UPDATE import_job
		SET state = $2,
		    total_records = $3,
		    processed_count = $4,
		    succeeded_count = $5,
		    failed_count = $6,
		    derived_count = $7,
		    error = $8,
		    started_at = $9,
		    finished_at = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + importJobColumns

	var updated importJobRow
	if err := r.db.GetContext(ctx, &updated, query,
		job.ID,
		job.State,
		job.TotalRecords,
		job.Counts.Processed,
		job.Counts.Succeeded,
		job.Counts.Failed,
		job.Counts.DerivedCreated,
		nullStringPtr(job.Error),
		nullTimePtr(job.StartedAt),
		nullTimePtr(job.FinishedAt),
	); err != nil {
		return nil, wrapStoreError(err)
	}
	return updated.toDomain(), nil
}

func (r *ImportJobRepository) UpdateCounts(ctx context.Context, jobID uuid.UUID, counts domain.ImportCounts) error {
	const query = `
		UPDATE import_job
		SET processed_count = $2,
		    succeeded_count = $3,
		    failed_count = $4,
		    derived_count = $5,
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, jobID,
		counts.Processed, counts.Succeeded, counts.Failed, counts.DerivedCreated,
	); err != nil {
		return wrapStoreError(err)
	}
	return nil
}

func (r *ImportJobRepository) FindJobByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error) {
	const query = `SELECT ` + importJobColumns + ` FROM import_job WHERE id = $1`

	var row importJobRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, wrapStoreError(err)
	}
	return row.toDomain(), nil
}

func (r *ImportJobRepository) ListJobs(ctx context.Context, limit int) ([]domain.ImportJob, error) {
	const query = `
		SELECT ` + importJobColumns + `
		FROM import_job
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows := make([]importJobRow, 0, limit)
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, wrapStoreError(err)
	}
	jobs := make([]domain.ImportJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, *row.toDomain())
	}
	return jobs, nil
}

func (r *ImportJobRepository) InsertOutcome(ctx context.Context, outcome *domain.ImportRecordOutcome) error {
	const query = `
		INSERT INTO import_record_outcome (job_id, row_index, natural_key, outcome, message, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		outcome.JobID,
		outcome.RowIndex,
		outcome.NaturalKey,
		outcome.Outcome,
		outcome.Message,
	).Scan(&outcome.ID, &outcome.CreatedAt); err != nil {
		return wrapStoreError(err)
	}
	return nil
}

func (r *ImportJobRepository) ListOutcomes(ctx context.Context, jobID uuid.UUID, kinds []domain.RecordOutcomeKind) ([]domain.ImportRecordOutcome, error) {
	outcomes := make([]domain.ImportRecordOutcome, 0)

	if len(kinds) == 0 {
		const query = `
			SELECT id, job_id, row_index, natural_key, outcome, message, created_at
			FROM import_record_outcome
			WHERE job_id = $1
			ORDER BY row_index ASC
		`
		if err := r.db.SelectContext(ctx, &outcomes, query, jobID); err != nil {
			return nil, wrapStoreError(err)
		}
		return outcomes, nil
	}

	filter := make([]string, 0, len(kinds))
	for _, k := range kinds {
		filter = append(filter, string(k))
	}
	const query = `
		SELECT id, job_id, row_index, natural_key, outcome, message, created_at
		FROM import_record_outcome
		WHERE job_id = $1 AND outcome = ANY($2)
		ORDER BY row_index ASC
	`
	if err := r.db.SelectContext(ctx, &outcomes, query, jobID, pq.StringArray(filter)); err != nil {
		return nil, wrapStoreError(err)
	}
	return outcomes, nil
}

func (r *ImportJobRepository) AppendEvent(ctx context.Context, event *domain.LiveUpdateEvent) error {
	const query = `
		INSERT INTO import_event (job_id, seq, severity, message, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		event.JobID,
		event.Seq,
		event.Severity,
		event.Message,
	).Scan(&event.CreatedAt); err != nil {
		return wrapStoreError(err)
	}
	return nil
}

func (r *ImportJobRepository) ListEventsAfter(ctx context.Context, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.LiveUpdateEvent, error) {
	const query = `
		SELECT job_id, seq, severity, message, created_at
		FROM import_event
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`
	events := make([]domain.LiveUpdateEvent, 0)
	if err := r.db.SelectContext(ctx, &events, query, jobID, afterSeq, limit); err != nil {
		return nil, wrapStoreError(err)
	}
	return events, nil
}

func (r *ImportJobRepository) LatestEvent(ctx context.Context, jobID uuid.UUID) (*domain.LiveUpdateEvent, error) {
	const query = `
		SELECT job_id, seq, severity, message, created_at
		FROM import_event
		WHERE job_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`
	var event domain.LiveUpdateEvent
	if err := r.db.GetContext(ctx, &event, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapStoreError(err)
	}
	return &event, nil
}

func nullStringPtr(ptr *string) sql.NullString {
	if ptr == nil || *ptr == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullTimePtr(ptr *time.Time) sql.NullTime {
	if ptr == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *ptr, Valid: true}
}
