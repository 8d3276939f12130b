package domain

import (
	"time"

	"github.com/google/uuid"
)

type ImportJobKind string

const (
	ImportKindEquipment ImportJobKind = "equipment_import"
	ImportKindPM        ImportJobKind = "pm_import"
)

func (k ImportJobKind) Valid() bool {
	return k == ImportKindEquipment || k == ImportKindPM
}

type ImportJobState string

const (
	ImportStatePending    ImportJobState = "pending"
	ImportStateProcessing ImportJobState = "processing"
	ImportStateCompleted  ImportJobState = "completed"
	ImportStateFailed     ImportJobState = "failed"
	ImportStateCancelled  ImportJobState = "cancelled"
)

// Terminal reports whether no further transition out of the state is allowed.
func (s ImportJobState) Terminal() bool {
	switch s {
	case ImportStateCompleted, ImportStateFailed, ImportStateCancelled:
		return true
	}
	return false
}

// ImportCounts holds the running tallies for a job. Invariant maintained by
// the progress tracker: Processed == Succeeded + Failed.
type ImportCounts struct {
	Processed      int `db:"processed_count" json:"processed"`
	Succeeded      int `db:"succeeded_count" json:"succeeded"`
	Failed         int `db:"failed_count" json:"failed"`
	DerivedCreated int `db:"derived_count" json:"derived_created"`
}

type ImportJob struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	Kind         ImportJobKind  `db:"kind" json:"kind"`
	State        ImportJobState `db:"state" json:"state"`
	FileKey      string         `db:"file_key" json:"file_key"`
	TotalRecords int            `db:"total_records" json:"total_records"`
	Counts       ImportCounts   `db:"-" json:"counts"`
	Error        *string        `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	StartedAt    *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

type RecordOutcomeKind string

const (
	OutcomeSuccess          RecordOutcomeKind = "success"
	OutcomeValidationError  RecordOutcomeKind = "validation_error"
	OutcomePersistError     RecordOutcomeKind = "persist_error"
	OutcomeSkippedDuplicate RecordOutcomeKind = "skipped_duplicate"
)

// ImportRecordOutcome is the immutable per-row result. Exactly one is written
// per input row that reached a worker; rows are addressable by RowIndex.
type ImportRecordOutcome struct {
	ID         int64             `db:"id" json:"id"`
	JobID      uuid.UUID         `db:"job_id" json:"job_id"`
	RowIndex   int               `db:"row_index" json:"row_index"`
	NaturalKey string            `db:"natural_key" json:"natural_key"`
	Outcome    RecordOutcomeKind `db:"outcome" json:"outcome"`
	Message    string            `db:"message" json:"message"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

type EventSeverity string

const (
	EventInfo    EventSeverity = "info"
	EventSuccess EventSeverity = "success"
	EventWarning EventSeverity = "warning"
	EventError   EventSeverity = "error"
)

// LiveUpdateEvent is one line of the append-only per-job log tailed by
// polling clients. Seq increases monotonically in emission order and is
// meaningful only as a cursor.
type LiveUpdateEvent struct {
	JobID     uuid.UUID     `db:"job_id" json:"job_id"`
	Seq       int64         `db:"seq" json:"seq"`
	Severity  EventSeverity `db:"severity" json:"severity"`
	Message   string        `db:"message" json:"message"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// ProgressSnapshot is what GET /import-jobs/:id reports while a client polls.
type ProgressSnapshot struct {
	ProcessedRecords int    `json:"processed_records"`
	TotalRecords     int    `json:"total_records"`
	Percentage       int    `json:"percentage"`
	CurrentOperation string `json:"current_operation"`
}

// Percentage computes floor(100*processed/total) clamped to [0,100]. A zero
// total reports 0 so a job that has not finished decoding shows no progress.
func Percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := processed * 100 / total
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
