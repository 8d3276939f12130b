package importer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/equipcare/backend/internal/domain"
)

// memoryJobStore records everything the tracker persists.
type memoryJobStore struct {
	mu       sync.Mutex
	counts   []domain.ImportCounts
	outcomes []domain.ImportRecordOutcome
	events   []domain.LiveUpdateEvent
}

func (m *memoryJobStore) CreateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error) {
	return job, nil
}

func (m *memoryJobStore) UpdateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error) {
	return job, nil
}

func (m *memoryJobStore) UpdateCounts(ctx context.Context, jobID uuid.UUID, counts domain.ImportCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = append(m.counts, counts)
	return nil
}

func (m *memoryJobStore) FindJobByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *memoryJobStore) ListJobs(ctx context.Context, limit int) ([]domain.ImportJob, error) {
	return nil, nil
}

func (m *memoryJobStore) InsertOutcome(ctx context.Context, outcome *domain.ImportRecordOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, *outcome)
	return nil
}

func (m *memoryJobStore) ListOutcomes(ctx context.Context, jobID uuid.UUID, kinds []domain.RecordOutcomeKind) ([]domain.ImportRecordOutcome, error) {
	return nil, nil
}

func (m *memoryJobStore) AppendEvent(ctx context.Context, event *domain.LiveUpdateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *memoryJobStore) ListEventsAfter(ctx context.Context, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.LiveUpdateEvent, error) {
	return nil, nil
}

func (m *memoryJobStore) LatestEvent(ctx context.Context, jobID uuid.UUID) (*domain.LiveUpdateEvent, error) {
	return nil, nil
}

func TestTracker_CountInvariantUnderConcurrentWorkers(t *testing.T) {
	store := &memoryJobStore{}
	total := 200
	tracker := NewTracker(store, uuid.New(), total)
	tracker.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				idx := w*25 + i + 1
				kind := domain.OutcomeSuccess
				if idx%3 == 0 {
					kind = domain.OutcomeValidationError
				}
				tracker.RecordOutcome(domain.ImportRecordOutcome{
					RowIndex:   idx,
					NaturalKey: fmt.Sprintf("SN%03d", idx),
					Outcome:    kind,
				}, 0)
			}
		}()
	}

	// Snapshots taken while workers race must always satisfy the invariant.
	for i := 0; i < 20; i++ {
		snap := tracker.Snapshot()
		if snap.ProcessedRecords > total {
			t.Fatalf("processed %d exceeds total %d", snap.ProcessedRecords, total)
		}
		if snap.Percentage < 0 || snap.Percentage > 100 {
			t.Fatalf("percentage out of range: %d", snap.Percentage)
		}
	}

	wg.Wait()
	counts := tracker.Counts()
	tracker.Close()

	if counts.Processed != total {
		t.Fatalf("expected %d processed, got %d", total, counts.Processed)
	}
	if counts.Processed != counts.Succeeded+counts.Failed {
		t.Fatalf("invariant broken: processed=%d succeeded=%d failed=%d", counts.Processed, counts.Succeeded, counts.Failed)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.outcomes) != total {
		t.Fatalf("expected %d persisted outcomes, got %d", total, len(store.outcomes))
	}
	// Every persisted intermediate count must satisfy the invariant too.
	for _, c := range store.counts {
		if c.Processed != c.Succeeded+c.Failed {
			t.Fatalf("persisted counts broke invariant: %#v", c)
		}
	}
}

func TestTracker_EventSeqMonotonic(t *testing.T) {
	store := &memoryJobStore{}
	tracker := NewTracker(store, uuid.New(), 10)
	tracker.Start()

	tracker.Emit(domain.EventInfo, "starting import of %d records", 10)
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RecordOutcome(domain.ImportRecordOutcome{RowIndex: i, Outcome: domain.OutcomeSuccess}, 1)
		}()
	}
	wg.Wait()
	tracker.Emit(domain.EventSuccess, "import completed")
	tracker.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 12 {
		t.Fatalf("expected 12 events, got %d", len(store.events))
	}
	for i, ev := range store.events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestTracker_DerivedCountsAccumulate(t *testing.T) {
	store := &memoryJobStore{}
	tracker := NewTracker(store, uuid.New(), 3)
	tracker.Start()

	tracker.RecordOutcome(domain.ImportRecordOutcome{RowIndex: 1, Outcome: domain.OutcomeSuccess}, 4)
	tracker.RecordOutcome(domain.ImportRecordOutcome{RowIndex: 2, Outcome: domain.OutcomeSuccess}, 2)

	snap := tracker.Snapshot()
	if snap.CurrentOperation != "row 2: processed 2/3, generating PM schedule" {
		t.Fatalf("unexpected operation label: %q", snap.CurrentOperation)
	}

	tracker.RecordOutcome(domain.ImportRecordOutcome{RowIndex: 3, Outcome: domain.OutcomeSkippedDuplicate}, 0)

	counts := tracker.Counts()
	tracker.Close()

	if counts.DerivedCreated != 6 {
		t.Fatalf("expected 6 derived, got %d", counts.DerivedCreated)
	}
	if counts.Processed != 3 || counts.Failed != 0 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
}

func TestPercentage_FloorAndClamp(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{5, 3, 100},
	}
	for _, tc := range cases {
		if got := domain.Percentage(tc.processed, tc.total); got != tc.want {
			t.Fatalf("Percentage(%d, %d) = %d, want %d", tc.processed, tc.total, got, tc.want)
		}
	}
}
