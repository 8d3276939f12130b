package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/equipcare/backend/internal/domain"
	"github.com/equipcare/backend/internal/repository/ports"
)

// Processor persists one validated record. Upserts are keyed by natural key
// so re-running the same file is idempotent. For equipment rows it also
// derives PM schedules from the warranty window inside the same transaction.
type Processor struct {
	store             ports.EquipmentRepository
	defaultPMInterval int
}

func NewProcessor(store ports.EquipmentRepository, defaultPMIntervalMonths int) *Processor {
	if defaultPMIntervalMonths <= 0 {
		defaultPMIntervalMonths = 3
	}
	return &Processor{store: store, defaultPMInterval: defaultPMIntervalMonths}
}

// Process returns the number of derived records written alongside the upsert.
// Store failures come back as *PersistError so the scheduler can apply its
// retry policy.
func (p *Processor) Process(ctx context.Context, record TypedRecord) (int, error) {
	switch rec := record.(type) {
	case EquipmentRecord:
		return p.processEquipment(ctx, rec)
	case PMRecord:
		return 0, p.processPM(ctx, rec)
	}
	return 0, NewPermanentPersistError(fmt.Errorf("unsupported record type %T", record))
}

func (p *Processor) processEquipment(ctx context.Context, rec EquipmentRecord) (int, error) {
	interval := rec.PMIntervalMonths
	if interval <= 0 {
		interval = p.defaultPMInterval
	}

	eq := domain.Equipment{
		MaterialCode:     rec.MaterialCode,
		SerialNumber:     rec.SerialNumber,
		Name:             rec.Name,
		Category:         rec.Category,
		Location:         rec.Location,
		WarrantyStart:    rec.WarrantyStart,
		WarrantyEnd:      rec.WarrantyEnd,
		PMIntervalMonths: interval,
	}

	schedules := DeriveSchedules(eq, interval)
	written, err := p.store.UpsertWithSchedules(ctx, eq, schedules)
	if err != nil {
		return 0, classify(err)
	}
	return written, nil
}

func (p *Processor) processPM(ctx context.Context, rec PMRecord) error {
	schedule := domain.PMSchedule{
		SerialNumber: rec.SerialNumber,
		DueMonth:     rec.DueMonth,
		DoneDate:     rec.DoneDate,
		Source:       domain.PMSourceImported,
	}
	if err := p.store.UpsertSchedule(ctx, schedule); err != nil {
		return classify(err)
	}
	return nil
}

// DeriveSchedules generates one due entry per interval boundary inside the
// equipment's warranty window. Equipment without a warranty window derives
// nothing.
func DeriveSchedules(eq domain.Equipment, intervalMonths int) []domain.PMSchedule {
	if eq.WarrantyStart == nil || eq.WarrantyEnd == nil || intervalMonths <= 0 {
		return nil
	}
	var schedules []domain.PMSchedule
	for due := eq.WarrantyStart.AddDate(0, intervalMonths, 0); !due.After(*eq.WarrantyEnd); due = due.AddDate(0, intervalMonths, 0) {
		month := time.Date(due.Year(), due.Month(), 1, 0, 0, 0, 0, time.UTC)
		schedules = append(schedules, domain.PMSchedule{
			SerialNumber: eq.SerialNumber,
			DueMonth:     month,
			Source:       domain.PMSourceDerived,
		})
	}
	return schedules
}

// classify keeps *PersistError as reported by the store and maps everything
// else: context deadlines are transient (the per-row timeout fired), the
// rest is permanent.
func classify(err error) error {
	var pe *PersistError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientPersistError(err)
	}
	return NewPermanentPersistError(err)
}
