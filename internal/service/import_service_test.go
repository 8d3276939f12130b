package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/equipcare/backend/internal/domain"
	"github.com/equipcare/backend/internal/importer"
)

// memoryJobRepo is an in-memory ports.ImportJobRepository.
type memoryJobRepo struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]domain.ImportJob
	outcomes map[uuid.UUID][]domain.ImportRecordOutcome
	events   map[uuid.UUID][]domain.LiveUpdateEvent
	nextID   int64
}

func newMemoryJobRepo() *memoryJobRepo {
	return &memoryJobRepo{
		jobs:     make(map[uuid.UUID]domain.ImportJob),
		outcomes: make(map[uuid.UUID][]domain.ImportRecordOutcome),
		events:   make(map[uuid.UUID][]domain.LiveUpdateEvent),
	}
}

func (m *memoryJobRepo) CreateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = copied
	out := copied
	return &out, nil
}

func (m *memoryJobRepo) UpdateJob(ctx context.Context, job *domain.ImportJob) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return nil, sql.ErrNoRows
	}
	copied := *job
	m.jobs[job.ID] = copied
	out := copied
	return &out, nil
}

func (m *memoryJobRepo) UpdateCounts(ctx context.Context, jobID uuid.UUID, counts domain.ImportCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return sql.ErrNoRows
	}
	job.Counts = counts
	m.jobs[jobID] = job
	return nil
}

func (m *memoryJobRepo) FindJobByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := job
	return &out, nil
}

func (m *memoryJobRepo) ListJobs(ctx context.Context, limit int) ([]domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]domain.ImportJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *memoryJobRepo) InsertOutcome(ctx context.Context, outcome *domain.ImportRecordOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	outcome.ID = m.nextID
	outcome.CreatedAt = time.Now()
	m.outcomes[outcome.JobID] = append(m.outcomes[outcome.JobID], *outcome)
	return nil
}

func (m *memoryJobRepo) ListOutcomes(ctx context.Context, jobID uuid.UUID, kinds []domain.RecordOutcomeKind) ([]domain.ImportRecordOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filter := make(map[domain.RecordOutcomeKind]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}
	out := make([]domain.ImportRecordOutcome, 0)
	for _, o := range m.outcomes[jobID] {
		if len(filter) == 0 || filter[o.Outcome] {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

func (m *memoryJobRepo) AppendEvent(ctx context.Context, event *domain.LiveUpdateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.CreatedAt = time.Now()
	m.events[event.JobID] = append(m.events[event.JobID], *event)
	return nil
}

func (m *memoryJobRepo) ListEventsAfter(ctx context.Context, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.LiveUpdateEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LiveUpdateEvent, 0)
	for _, ev := range m.events[jobID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryJobRepo) LatestEvent(ctx context.Context, jobID uuid.UUID) (*domain.LiveUpdateEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[jobID]
	if len(events) == 0 {
		return nil, nil
	}
	out := events[len(events)-1]
	return &out, nil
}

// memoryEquipmentStore is an in-memory ports.EquipmentRepository with
// controllable failure injection.
type memoryEquipmentStore struct {
	mu        sync.Mutex
	equipment map[string]domain.Equipment
	schedules map[string]domain.PMSchedule
	attempts  map[string]int
	failTimes map[string]int // transient failures to inject before success
	failAll   bool           // every upsert fails with a transient error
	gate      chan struct{}  // when set, each upsert consumes one token first
	entered   chan struct{}  // when set, signalled as an upsert begins
}

func newMemoryEquipmentStore() *memoryEquipmentStore {
	return &memoryEquipmentStore{
		equipment: make(map[string]domain.Equipment),
		schedules: make(map[string]domain.PMSchedule),
		attempts:  make(map[string]int),
		failTimes: make(map[string]int),
	}
}

func (m *memoryEquipmentStore) UpsertWithSchedules(ctx context.Context, eq domain.Equipment, schedules []domain.PMSchedule) (int, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eq.NaturalKey()
	m.attempts[key]++
	if m.failAll {
		return 0, importer.NewTransientPersistError(fmt.Errorf("store down"))
	}
	if m.failTimes[key] > 0 {
		m.failTimes[key]--
		return 0, importer.NewTransientPersistError(fmt.Errorf("lock conflict on %s", key))
	}

	m.equipment[key] = eq
	for _, s := range schedules {
		m.schedules[scheduleKey(s)] = s
	}
	return len(schedules), nil
}

func (m *memoryEquipmentStore) UpsertSchedule(ctx context.Context, schedule domain.PMSchedule) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[scheduleKey(schedule)] = schedule
	return nil
}

func (m *memoryEquipmentStore) FindBySerial(ctx context.Context, materialCode, serialNumber string) (*domain.Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eq, ok := m.equipment[materialCode+"/"+serialNumber]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &eq, nil
}

func (m *memoryEquipmentStore) ListSchedulesBySerial(ctx context.Context, serialNumber string) ([]domain.PMSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PMSchedule, 0)
	for _, s := range m.schedules {
		if s.SerialNumber == serialNumber {
			out = append(out, s)
		}
	}
	return out, nil
}

func scheduleKey(s domain.PMSchedule) string {
	return s.SerialNumber + "/" + s.DueMonth.Format("01/2006")
}

func newTestService(jobs *memoryJobRepo, store *memoryEquipmentStore) *ImportService {
	return NewImportService(jobs, store, nil, ImportServiceConfig{
		Workers:      2,
		MaxRows:      100,
		MaxFileBytes: 1024 * 1024,
		RowTimeout:   time.Second,
		RetryMax:     3,
		RetryBackoff: time.Millisecond,
	})
}

func waitForTerminal(t *testing.T, repo *memoryJobRepo, jobID uuid.UUID) *domain.ImportJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := repo.FindJobByID(context.Background(), jobID)
		if err == nil && job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func equipmentCSV(rows ...string) []byte {
	lines := append([]string{"material_code,serial_number,name,category,location,warranty_start,warranty_end,pm_interval_months"}, rows...)
	return []byte(strings.Join(lines, "\n"))
}

func TestImportService_CompletesDespiteRowFailures(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	rows := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		if i%4 == 0 { // rows 4 and 8 lose their serial, row 12 does not exist
			rows = append(rows, fmt.Sprintf("MAT-%d,,Pump %d,,,,,", i, i))
			continue
		}
		rows = append(rows, fmt.Sprintf("MAT-%d,SN%03d,Pump %d,,,,,", i, i, i))
	}
	// A third invalid row with a malformed warranty date.
	rows[9] = "MAT-10,SN010,Pump 10,,,2024-01-01,01/01/2025,"

	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "equipment.csv", equipmentCSV(rows...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCompleted {
		t.Fatalf("expected completed, got %s (error: %v)", final.State, final.Error)
	}
	if final.Counts.Failed != 3 || final.Counts.Succeeded != 7 {
		t.Fatalf("expected 7 succeeded / 3 failed, got %+v", final.Counts)
	}
	if final.Counts.Processed != final.Counts.Succeeded+final.Counts.Failed {
		t.Fatalf("count invariant broken: %+v", final.Counts)
	}
	if final.TotalRecords != 10 || final.Counts.Processed != 10 {
		t.Fatalf("expected 10 records processed, got %+v", final.Counts)
	}

	outcomes, err := jobs.ListOutcomes(context.Background(), job.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 10 {
		t.Fatalf("expected exactly one outcome per row, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.RowIndex != i+1 {
			t.Fatalf("outcomes not addressable by row index: %#v", outcomes)
		}
	}
}

func TestImportService_ExampleScenario(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	csv := equipmentCSV(
		"MAT-1,SN001,Pump,,,01/01/2024,01/01/2025,3",
		",SN002,Valve,,,,,",
	)
	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "two-rows.csv", csv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if final.Counts.Succeeded != 1 || final.Counts.Failed != 1 {
		t.Fatalf("expected 1/1 split, got %+v", final.Counts)
	}
	if final.Counts.DerivedCreated < 1 {
		t.Fatalf("expected at least one derived PM entry, got %d", final.Counts.DerivedCreated)
	}

	schedules, _ := store.ListSchedulesBySerial(context.Background(), "SN001")
	if len(schedules) == 0 {
		t.Fatalf("no PM schedules persisted for SN001")
	}

	events, err := jobs.ListEventsAfter(context.Background(), job.ID, 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Severity == domain.EventWarning && strings.Contains(ev.Message, "material_code") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no validation event referencing material_code in %#v", events)
	}
}

func TestImportService_IdempotentReimport(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	csv := equipmentCSV(
		"MAT-1,SN001,Pump,,,01/01/2024,01/01/2025,3",
		"MAT-2,SN002,Valve,,,,,",
	)

	first, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "import.csv", csv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForTerminal(t, jobs, first.ID)

	store.mu.Lock()
	equipmentAfterFirst := len(store.equipment)
	schedulesAfterFirst := len(store.schedules)
	store.mu.Unlock()

	second, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "import.csv", csv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitForTerminal(t, jobs, second.ID)
	if final.State != domain.ImportStateCompleted {
		t.Fatalf("re-import should complete, got %s", final.State)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.equipment) != equipmentAfterFirst {
		t.Fatalf("re-import duplicated equipment: %d vs %d", len(store.equipment), equipmentAfterFirst)
	}
	if len(store.schedules) != schedulesAfterFirst {
		t.Fatalf("re-import duplicated schedules: %d vs %d", len(store.schedules), schedulesAfterFirst)
	}
}

func TestImportService_RetryBound(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	store.failTimes["MAT-1/SN001"] = 100 // never recovers
	svc := newTestService(jobs, store)

	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "one.csv", equipmentCSV("MAT-1,SN001,Pump,,,,,"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCompleted {
		t.Fatalf("single failing row must not fail the job, got %s", final.State)
	}
	if final.Counts.Failed != 1 {
		t.Fatalf("expected one failed row, got %+v", final.Counts)
	}

	store.mu.Lock()
	attempts := store.attempts["MAT-1/SN001"]
	store.mu.Unlock()
	if attempts != 4 {
		t.Fatalf("expected 1 attempt + 3 retries = 4, got %d", attempts)
	}

	outcomes, _ := jobs.ListOutcomes(context.Background(), job.ID, []domain.RecordOutcomeKind{domain.OutcomePersistError})
	if len(outcomes) != 1 {
		t.Fatalf("expected one persist_error outcome, got %#v", outcomes)
	}
}

func TestImportService_TransientErrorRecovers(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	store.failTimes["MAT-1/SN001"] = 2
	svc := newTestService(jobs, store)

	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "one.csv", equipmentCSV("MAT-1,SN001,Pump,,,,,"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCompleted || final.Counts.Succeeded != 1 {
		t.Fatalf("row should succeed after retries: state=%s counts=%+v", final.State, final.Counts)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.attempts["MAT-1/SN001"] != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.attempts["MAT-1/SN001"])
	}
}

func TestImportService_CancellationPreservesPartialResults(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	store.gate = make(chan struct{}, 10)
	svc := newTestService(jobs, store)

	rows := make([]string, 0, 6)
	for i := 1; i <= 6; i++ {
		rows = append(rows, fmt.Sprintf("MAT-%d,SN%03d,Pump %d,,,,,", i, i, i))
	}
	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "six.csv", equipmentCSV(rows...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Let two rows through, then cancel while the rest are still queued.
	store.gate <- struct{}{}
	store.gate <- struct{}{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		current, _ := jobs.FindJobByID(context.Background(), job.ID)
		if current != nil && current.Counts.Processed >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first rows never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	close(store.gate) // release any in-flight rows

	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	if final.Counts.Processed == 0 || final.Counts.Processed >= 6 {
		t.Fatalf("expected partial progress preserved, got %+v", final.Counts)
	}

	outcomes, _ := jobs.ListOutcomes(context.Background(), job.ID, nil)
	if len(outcomes) != final.Counts.Processed {
		t.Fatalf("committed outcomes must stay queryable: %d outcomes vs %+v", len(outcomes), final.Counts)
	}

	// Terminal states are final.
	if _, err := svc.Cancel(context.Background(), job.ID); err != ErrJobTerminal {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
}

func TestImportService_CancelLetsInFlightRowFinish(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 8)
	svc := newTestService(jobs, store)

	csv := equipmentCSV(
		"MAT-1,SN001,Pump 1,,,,,",
		"MAT-2,SN002,Pump 2,,,,,",
		"MAT-3,SN003,Pump 3,,,,,",
	)
	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "three.csv", csv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A worker is now inside the store call for row 1.
	<-store.entered

	if _, err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	close(store.gate)

	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}

	// Rows that were mid-flight when Cancel arrived must commit and be
	// recorded as successes, never aborted partway.
	if final.Counts.Failed != 0 {
		t.Fatalf("in-flight rows must finish cleanly, got %+v", final.Counts)
	}
	if final.Counts.Succeeded == 0 {
		t.Fatalf("the in-flight row never committed: %+v", final.Counts)
	}

	outcomes, _ := jobs.ListOutcomes(context.Background(), job.ID, nil)
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, o := range outcomes {
		if o.Outcome != domain.OutcomeSuccess {
			t.Fatalf("unexpected outcome after cancel: %#v", o)
		}
		if _, ok := store.equipment[o.NaturalKey]; !ok {
			t.Fatalf("outcome recorded for %s but nothing committed", o.NaturalKey)
		}
	}
}

func TestImportService_DuplicateRowsSkipped(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	csv := equipmentCSV(
		"MAT-1,SN001,Pump,,,,,",
		"MAT-1,SN001,Pump again,,,,,",
	)
	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "dup.csv", csv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}

	skipped, _ := jobs.ListOutcomes(context.Background(), job.ID, []domain.RecordOutcomeKind{domain.OutcomeSkippedDuplicate})
	if len(skipped) != 1 || skipped[0].RowIndex != 2 {
		t.Fatalf("second occurrence should be skipped: %#v", skipped)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.attempts["MAT-1/SN001"] != 1 {
		t.Fatalf("duplicate must not reach the store, got %d attempts", store.attempts["MAT-1/SN001"])
	}
	if store.equipment["MAT-1/SN001"].Name != "Pump" {
		t.Fatalf("first occurrence must win, got %q", store.equipment["MAT-1/SN001"].Name)
	}
}

func TestImportService_FatalDecodeFailsJob(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "bad.csv", []byte("serial_number,name\nSN001,Pump"))
	if err != nil {
		t.Fatalf("submit should accept the file and fail asynchronously, got %v", err)
	}
	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.Error == nil || !strings.Contains(*final.Error, "material_code") {
		t.Fatalf("job error should name the missing column: %v", final.Error)
	}

	events, _ := jobs.ListEventsAfter(context.Background(), job.ID, 0, 10)
	if len(events) == 0 || events[0].Severity != domain.EventError {
		t.Fatalf("expected an error event, got %#v", events)
	}
}

func TestImportService_StoreUnreachableFailsJob(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	store.failAll = true
	svc := newTestService(jobs, store)

	rows := make([]string, 0, 12)
	for i := 1; i <= 12; i++ {
		rows = append(rows, fmt.Sprintf("MAT-%d,SN%03d,Pump %d,,,,,", i, i, i))
	}
	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "down.csv", equipmentCSV(rows...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateFailed {
		t.Fatalf("expected failed after consecutive persist failures, got %s", final.State)
	}
	if final.Error == nil || !strings.Contains(*final.Error, "unreachable") {
		t.Fatalf("expected unreachable store error, got %v", final.Error)
	}

	// Outcomes recorded before the abort stay queryable.
	outcomes, _ := jobs.ListOutcomes(context.Background(), job.ID, nil)
	if len(outcomes) == 0 {
		t.Fatalf("expected recorded outcomes to be preserved")
	}
}

func TestImportService_PMImport(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	csv := []byte(strings.Join([]string{
		"serial_number,pm_due_month,pm_done_date",
		"SN001,04/2024,15/04/2024",
		"SN001,07/2024,",
		"SN002,13/2024,", // invalid month
	}, "\n"))

	job, err := svc.Submit(context.Background(), domain.ImportKindPM, "pm.csv", csv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitForTerminal(t, jobs, job.ID)
	if final.State != domain.ImportStateCompleted {
		t.Fatalf("expected completed, got %s", final.State)
	}
	if final.Counts.Succeeded != 2 || final.Counts.Failed != 1 {
		t.Fatalf("expected 2/1 split, got %+v", final.Counts)
	}

	schedules, _ := store.ListSchedulesBySerial(context.Background(), "SN001")
	if len(schedules) != 2 {
		t.Fatalf("expected 2 schedules for SN001, got %d", len(schedules))
	}
	for _, s := range schedules {
		if s.Source != domain.PMSourceImported {
			t.Fatalf("PM import rows must be marked imported: %#v", s)
		}
	}
}

func TestImportService_SubmitRejections(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	if _, err := svc.Submit(context.Background(), domain.ImportJobKind("bogus"), "x.csv", []byte("a")); err != ErrInvalidKind {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if _, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "x.csv", nil); err != importer.ErrEmptyFile {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
	if _, err := svc.Cancel(context.Background(), uuid.New()); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestImportService_GetJobSnapshot(t *testing.T) {
	jobs := newMemoryJobRepo()
	store := newMemoryEquipmentStore()
	svc := newTestService(jobs, store)

	job, err := svc.Submit(context.Background(), domain.ImportKindEquipment, "one.csv", equipmentCSV("MAT-1,SN001,Pump,,,,,"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForTerminal(t, jobs, job.ID)

	fetched, progress, err := svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched.State != domain.ImportStateCompleted {
		t.Fatalf("expected completed, got %s", fetched.State)
	}
	if progress.Percentage != 100 || progress.ProcessedRecords != 1 || progress.TotalRecords != 1 {
		t.Fatalf("unexpected snapshot: %+v", progress)
	}
	if progress.CurrentOperation == "" {
		t.Fatalf("current operation should reflect the latest event")
	}
}
