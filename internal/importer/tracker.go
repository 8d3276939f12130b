package importer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/equipcare/backend/internal/domain"
	"github.com/equipcare/backend/internal/repository/ports"
)

const trackerPersistTimeout = 5 * time.Second

// Tracker owns all mutable progress state for one job. Workers never touch
// counts directly: every outcome travels over a channel to a single consumer
// goroutine, which keeps processed == succeeded + failed free of races and
// assigns event sequence numbers in emission order.
type Tracker struct {
	repo  ports.ImportJobRepository
	jobID uuid.UUID
	total int

	msgs chan trackerMsg
	done chan struct{}
}

type trackerMsg struct {
	outcome  *domain.ImportRecordOutcome
	derived  int
	event    *domain.LiveUpdateEvent
	snapshot chan domain.ProgressSnapshot
	counts   chan domain.ImportCounts
}

func NewTracker(repo ports.ImportJobRepository, jobID uuid.UUID, totalRecords int) *Tracker {
	return &Tracker{
		repo:  repo,
		jobID: jobID,
		total: totalRecords,
		msgs:  make(chan trackerMsg, 64),
		done:  make(chan struct{}),
	}
}

// Start launches the consumer goroutine. The tracker keeps draining until
// Close so that in-flight rows of a cancelled job still get recorded.
func (t *Tracker) Start() {
	go t.loop()
}

func (t *Tracker) loop() {
	defer close(t.done)

	var counts domain.ImportCounts
	var seq int64
	currentOp := "waiting to start"

	for msg := range t.msgs {
		switch {
		case msg.outcome != nil:
			o := msg.outcome
			counts.Processed++
			switch o.Outcome {
			case domain.OutcomeValidationError, domain.OutcomePersistError:
				counts.Failed++
			default:
				counts.Succeeded++
			}
			counts.DerivedCreated += msg.derived
			currentOp = operationLabel(o.RowIndex, msg.derived, counts.Processed, t.total)

			t.persistOutcome(o)
			t.persistCounts(counts)
			seq++
			t.persistEvent(&domain.LiveUpdateEvent{
				JobID:    t.jobID,
				Seq:      seq,
				Severity: severityFor(o.Outcome),
				Message:  eventMessage(o, msg.derived),
			})

		case msg.event != nil:
			seq++
			msg.event.JobID = t.jobID
			msg.event.Seq = seq
			currentOp = msg.event.Message
			t.persistEvent(msg.event)

		case msg.snapshot != nil:
			msg.snapshot <- domain.ProgressSnapshot{
				ProcessedRecords: counts.Processed,
				TotalRecords:     t.total,
				Percentage:       domain.Percentage(counts.Processed, t.total),
				CurrentOperation: currentOp,
			}

		case msg.counts != nil:
			msg.counts <- counts
		}
	}
}

// RecordOutcome reports one finished row. Exactly one call per dispatched row.
func (t *Tracker) RecordOutcome(outcome domain.ImportRecordOutcome, derivedCreated int) {
	outcome.JobID = t.jobID
	t.msgs <- trackerMsg{outcome: &outcome, derived: derivedCreated}
}

// Emit appends a job-level event not tied to a row outcome.
func (t *Tracker) Emit(severity domain.EventSeverity, format string, args ...any) {
	t.msgs <- trackerMsg{event: &domain.LiveUpdateEvent{
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	}}
}

func (t *Tracker) Snapshot() domain.ProgressSnapshot {
	reply := make(chan domain.ProgressSnapshot, 1)
	t.msgs <- trackerMsg{snapshot: reply}
	return <-reply
}

func (t *Tracker) Counts() domain.ImportCounts {
	reply := make(chan domain.ImportCounts, 1)
	t.msgs <- trackerMsg{counts: reply}
	return <-reply
}

// Close stops the consumer after every queued message has been applied.
func (t *Tracker) Close() {
	close(t.msgs)
	<-t.done
}

func (t *Tracker) persistOutcome(o *domain.ImportRecordOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerPersistTimeout)
	defer cancel()
	if err := t.repo.InsertOutcome(ctx, o); err != nil {
		log.Printf("import job %s: persist outcome row %d: %v", t.jobID, o.RowIndex, err)
	}
}

func (t *Tracker) persistCounts(counts domain.ImportCounts) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerPersistTimeout)
	defer cancel()
	if err := t.repo.UpdateCounts(ctx, t.jobID, counts); err != nil {
		log.Printf("import job %s: persist counts: %v", t.jobID, err)
	}
}

func (t *Tracker) persistEvent(event *domain.LiveUpdateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerPersistTimeout)
	defer cancel()
	if err := t.repo.AppendEvent(ctx, event); err != nil {
		log.Printf("import job %s: persist event %d: %v", t.jobID, event.Seq, err)
	}
}

func severityFor(kind domain.RecordOutcomeKind) domain.EventSeverity {
	switch kind {
	case domain.OutcomeSuccess:
		return domain.EventSuccess
	case domain.OutcomeValidationError:
		return domain.EventWarning
	case domain.OutcomePersistError:
		return domain.EventError
	case domain.OutcomeSkippedDuplicate:
		return domain.EventInfo
	}
	return domain.EventInfo
}

func operationLabel(rowIndex, derived, processed, total int) string {
	base := fmt.Sprintf("row %d: processed %d/%d", rowIndex, processed, total)
	if derived > 0 {
		return base + ", generating PM schedule"
	}
	return base
}

func eventMessage(o *domain.ImportRecordOutcome, derived int) string {
	switch o.Outcome {
	case domain.OutcomeSuccess:
		if derived > 0 {
			return fmt.Sprintf("row %d: imported %s, generated %d PM entries", o.RowIndex, o.NaturalKey, derived)
		}
		return fmt.Sprintf("row %d: imported %s", o.RowIndex, o.NaturalKey)
	case domain.OutcomeValidationError:
		return fmt.Sprintf("row %d: validation failed: %s", o.RowIndex, o.Message)
	case domain.OutcomePersistError:
		return fmt.Sprintf("row %d: persistence failed: %s", o.RowIndex, o.Message)
	case domain.OutcomeSkippedDuplicate:
		return fmt.Sprintf("row %d: skipped duplicate of %s", o.RowIndex, o.NaturalKey)
	}
	return fmt.Sprintf("row %d: %s", o.RowIndex, o.Message)
}
