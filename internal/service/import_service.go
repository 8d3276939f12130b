package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/equipcare/backend/internal/domain"
	"github.com/equipcare/backend/internal/importer"
	"github.com/equipcare/backend/internal/repository/ports"
)

var (
	ErrInvalidKind   = errors.New("import kind must be equipment_import or pm_import")
	ErrJobNotFound   = errors.New("import job not found")
	ErrJobTerminal   = errors.New("import job already reached a terminal state")
	ErrEngineStopped = errors.New("import engine is shutting down")
)

// Consecutive rows lost to exhausted transient persist errors before the
// store is considered unreachable and the whole job fails.
const maxConsecutivePersistFailures = 10

type ImportServiceConfig struct {
	Bucket         string
	Workers        int
	MaxRows        int
	MaxFileBytes   int64
	RowTimeout     time.Duration
	RetryMax       int
	RetryBackoff   time.Duration
	PMIntervalMths int
}

// ImportService owns the job lifecycle: it accepts uploads, runs one bounded
// worker pool per job, and records everything through the job repository so
// polling clients survive a restart of this process.
type ImportService struct {
	jobs      ports.ImportJobRepository
	equipment ports.EquipmentRepository
	storage   ports.ObjectStorage
	decoder   *importer.Decoder
	validator *importer.Validator
	processor *importer.Processor

	bucket       string
	workers      int
	rowTimeout   time.Duration
	retryMax     int
	retryBackoff time.Duration

	now func() time.Time

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	stopped bool
	running sync.WaitGroup
}

func NewImportService(jobs ports.ImportJobRepository, equipment ports.EquipmentRepository, storage ports.ObjectStorage, cfg ImportServiceConfig) *ImportService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	rowTimeout := cfg.RowTimeout
	if rowTimeout <= 0 {
		rowTimeout = 30 * time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 3
	}
	if cfg.RetryMax == 0 {
		retryMax = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &ImportService{
		jobs:         jobs,
		equipment:    equipment,
		storage:      storage,
		decoder:      importer.NewDecoder(cfg.MaxRows, cfg.MaxFileBytes),
		validator:    importer.NewValidator(),
		processor:    importer.NewProcessor(equipment, cfg.PMIntervalMths),
		bucket:       cfg.Bucket,
		workers:      workers,
		rowTimeout:   rowTimeout,
		retryMax:     retryMax,
		retryBackoff: backoff,
		now:          time.Now,
		cancels:      make(map[uuid.UUID]context.CancelFunc),
	}
}

// Submit stores the upload, creates a PENDING job, and starts processing in
// the background. It returns as soon as the job row exists; clients poll
// GetJob for progress.
func (s *ImportService) Submit(ctx context.Context, kind domain.ImportJobKind, filename string, contents []byte) (*domain.ImportJob, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if len(contents) == 0 {
		return nil, importer.ErrEmptyFile
	}
	if int64(len(contents)) > s.decoder.MaxFileBytes {
		return nil, importer.ErrFileTooLarge
	}

	jobID := uuid.New()
	objectName := buildObjectName(jobID, filename)
	if s.storage != nil && s.bucket != "" {
		if _, err := s.storage.Upload(ctx, s.bucket, objectName, "text/csv", bytes.NewReader(contents), int64(len(contents))); err != nil {
			return nil, err
		}
	}

	job := &domain.ImportJob{
		ID:        jobID,
		Kind:      kind,
		State:     domain.ImportStatePending,
		FileKey:   objectName,
		CreatedAt: s.now(),
	}
	inserted, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}

	runCtx, cancel, err := s.register(jobID)
	if err != nil {
		return nil, err
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.unregister(jobID, cancel)
		s.run(runCtx, inserted, contents)
	}()

	return inserted, nil
}

// run drives one job from PENDING to its terminal state.
func (s *ImportService) run(ctx context.Context, job *domain.ImportJob, contents []byte) {
	rows, err := s.decoder.Decode(job.Kind, contents)
	if err != nil {
		s.failJob(job, importer.NewFatalJobError(err))
		return
	}

	job.TotalRecords = len(rows)
	job.State = domain.ImportStateProcessing
	started := s.now()
	job.StartedAt = &started
	if updated, err := s.jobs.UpdateJob(context.Background(), job); err == nil {
		job = updated
	}

	tracker := importer.NewTracker(s.jobs, job.ID, len(rows))
	tracker.Start()
	tracker.Emit(domain.EventInfo, "starting %s of %d records", kindLabel(job.Kind), len(rows))

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	fatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			s.cancelJobContext(job.ID)
		})
	}

	rowCh := make(chan importer.RawRow)
	var workers sync.WaitGroup
	failStreak := newFailureStreak(maxConsecutivePersistFailures)

	for i := 0; i < s.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for row := range rowCh {
				outcome, derived := s.processRow(ctx, job.Kind, row)
				tracker.RecordOutcome(outcome, derived)
				if outcome.Outcome == domain.OutcomePersistError {
					if failStreak.record() {
						fatal(importer.NewFatalJobError(errors.New("target store unreachable: too many consecutive persist failures")))
					}
				} else {
					failStreak.reset()
				}
			}
		}()
	}

	// The dispatcher is the single place duplicates are detected, so first
	// occurrence always wins regardless of worker completion order.
	seen := make(map[string]int, len(rows))
dispatch:
	for _, row := range rows {
		key := rawNaturalKey(job.Kind, row)
		if key != "" {
			if first, dup := seen[key]; dup {
				tracker.RecordOutcome(domain.ImportRecordOutcome{
					RowIndex:   row.Index,
					NaturalKey: key,
					Outcome:    domain.OutcomeSkippedDuplicate,
					Message:    fmt.Sprintf("duplicate of row %d", first),
				}, 0)
				continue
			}
			seen[key] = row.Index
		}
		select {
		case rowCh <- row:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(rowCh)
	workers.Wait()

	counts := tracker.Counts()
	job.Counts = counts
	finished := s.now()
	job.FinishedAt = &finished

	switch {
	case fatalErr != nil:
		msg := fatalErr.Error()
		job.State = domain.ImportStateFailed
		job.Error = &msg
		tracker.Emit(domain.EventError, "import failed: %v", fatalErr)
	case ctx.Err() != nil:
		job.State = domain.ImportStateCancelled
		tracker.Emit(domain.EventWarning, "import cancelled after %d of %d records", counts.Processed, job.TotalRecords)
	default:
		job.State = domain.ImportStateCompleted
		tracker.Emit(domain.EventSuccess, "import completed: %d succeeded, %d failed, %d derived records", counts.Succeeded, counts.Failed, counts.DerivedCreated)
	}
	tracker.Close()

	if _, err := s.jobs.UpdateJob(context.Background(), job); err != nil {
		// Counts were persisted per outcome; only the terminal state is at
		// risk here, and a poller will see the last persisted snapshot.
		log.Printf("import job %s: persist terminal state: %v", job.ID, err)
	}
}

// processRow runs validate + process for one row, applying the per-row
// timeout and the bounded retry policy for transient persist errors.
func (s *ImportService) processRow(ctx context.Context, kind domain.ImportJobKind, row importer.RawRow) (domain.ImportRecordOutcome, int) {
	outcome := domain.ImportRecordOutcome{RowIndex: row.Index}

	record, err := s.validator.Validate(kind, row)
	if err != nil {
		outcome.Outcome = domain.OutcomeValidationError
		outcome.Message = err.Error()
		return outcome, 0
	}
	outcome.NaturalKey = record.NaturalKey()

	var derived int
	for attempt := 0; ; attempt++ {
		// The row context is detached from the job context: cancelling a job
		// stops dispatch and backoff sleeps, never a row already being
		// persisted. Only the per-row timeout bounds the store call.
		rowCtx, cancel := context.WithTimeout(context.Background(), s.rowTimeout)
		derived, err = s.processor.Process(rowCtx, record)
		cancel()

		if err == nil {
			outcome.Outcome = domain.OutcomeSuccess
			outcome.Message = "imported"
			return outcome, derived
		}
		if !importer.IsTransient(err) || attempt >= s.retryMax {
			outcome.Outcome = domain.OutcomePersistError
			outcome.Message = err.Error()
			return outcome, 0
		}
		if !sleepWithContext(ctx, backoffDelay(s.retryBackoff, attempt)) {
			// Cancelled mid-backoff. The row never committed, so record the
			// transient failure rather than dropping the outcome.
			outcome.Outcome = domain.OutcomePersistError
			outcome.Message = err.Error()
			return outcome, 0
		}
	}
}

// Cancel requests cooperative cancellation: no new rows are dispatched and
// in-flight rows are allowed to finish, preserving per-row transactionality.
func (s *ImportService) Cancel(ctx context.Context, jobID uuid.UUID) (*domain.ImportJob, error) {
	job, err := s.jobs.FindJobByID(ctx, jobID)
	if err != nil {
		return nil, ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil, ErrJobTerminal
	}

	if s.cancelJobContext(jobID) {
		return job, nil
	}

	// No goroutine owns the job (e.g. it was PENDING when the process
	// restarted); finalize it directly.
	job.State = domain.ImportStateCancelled
	finished := s.now()
	job.FinishedAt = &finished
	return s.jobs.UpdateJob(ctx, job)
}

// GetJob assembles the polling snapshot from durable state only, so it is
// correct even when served by a process that is not running the job.
func (s *ImportService) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.ImportJob, *domain.ProgressSnapshot, error) {
	job, err := s.jobs.FindJobByID(ctx, jobID)
	if err != nil {
		return nil, nil, ErrJobNotFound
	}

	currentOp := "waiting to start"
	if latest, err := s.jobs.LatestEvent(ctx, jobID); err == nil && latest != nil {
		currentOp = latest.Message
	}
	snapshot := &domain.ProgressSnapshot{
		ProcessedRecords: job.Counts.Processed,
		TotalRecords:     job.TotalRecords,
		Percentage:       domain.Percentage(job.Counts.Processed, job.TotalRecords),
		CurrentOperation: currentOp,
	}
	return job, snapshot, nil
}

func (s *ImportService) ListJobs(ctx context.Context, limit int) ([]domain.ImportJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.jobs.ListJobs(ctx, limit)
}

func (s *ImportService) Events(ctx context.Context, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.LiveUpdateEvent, error) {
	if _, err := s.jobs.FindJobByID(ctx, jobID); err != nil {
		return nil, ErrJobNotFound
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return s.jobs.ListEventsAfter(ctx, jobID, afterSeq, limit)
}

func (s *ImportService) Outcomes(ctx context.Context, jobID uuid.UUID, kinds []domain.RecordOutcomeKind) ([]domain.ImportRecordOutcome, error) {
	if _, err := s.jobs.FindJobByID(ctx, jobID); err != nil {
		return nil, ErrJobNotFound
	}
	return s.jobs.ListOutcomes(ctx, jobID, kinds)
}

// Shutdown stops accepting jobs and waits for running jobs to cancel
// cooperatively.
func (s *ImportService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ImportService) register(jobID uuid.UUID) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil, ErrEngineStopped
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[jobID] = cancel
	return ctx, cancel, nil
}

func (s *ImportService) unregister(jobID uuid.UUID, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}

func (s *ImportService) cancelJobContext(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// failJob finalizes a job that never reached dispatch (decode failures).
func (s *ImportService) failJob(job *domain.ImportJob, err error) {
	msg := err.Error()
	job.State = domain.ImportStateFailed
	job.Error = &msg
	finished := s.now()
	job.FinishedAt = &finished
	_, _ = s.jobs.UpdateJob(context.Background(), job)

	_ = s.jobs.AppendEvent(context.Background(), &domain.LiveUpdateEvent{
		JobID:    job.ID,
		Seq:      1,
		Severity: domain.EventError,
		Message:  fmt.Sprintf("import failed: %s", msg),
	})
}

// rawNaturalKey extracts the upsert key straight from the raw fields so the
// dispatcher can detect duplicates before validation. Rows with missing key
// fields return "" and fall through to the validator.
func rawNaturalKey(kind domain.ImportJobKind, row importer.RawRow) string {
	switch kind {
	case domain.ImportKindEquipment:
		mc, sn := row.Fields["material_code"], row.Fields["serial_number"]
		if mc == "" || sn == "" {
			return ""
		}
		return mc + "/" + sn
	case domain.ImportKindPM:
		sn, due := row.Fields["serial_number"], row.Fields["pm_due_month"]
		if sn == "" || due == "" {
			return ""
		}
		return sn + "/" + due
	}
	return ""
}

// failureStreak counts consecutive permanent persist failures across all
// workers of one job.
type failureStreak struct {
	mu        sync.Mutex
	count     int
	threshold int
}

func newFailureStreak(threshold int) *failureStreak {
	return &failureStreak{threshold: threshold}
}

func (f *failureStreak) record() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.count >= f.threshold
}

func (f *failureStreak) reset() {
	f.mu.Lock()
	f.count = 0
	f.mu.Unlock()
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if max := 5 * time.Second; d > max {
		d = max
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func kindLabel(kind domain.ImportJobKind) string {
	switch kind {
	case domain.ImportKindEquipment:
		return "equipment import"
	case domain.ImportKindPM:
		return "PM schedule import"
	}
	return string(kind)
}

func buildObjectName(jobID uuid.UUID, filename string) string {
	name := strings.TrimSpace(filename)
	if name == "" {
		name = "upload.csv"
	}
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	return fmt.Sprintf("imports/%s/%s", jobID.String(), name)
}
