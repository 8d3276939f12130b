package ports

import (
	"context"

	"github.com/equipcare/backend/internal/domain"
)

type EquipmentRepository interface {
	// UpsertWithSchedules writes the equipment row and all of its derived PM
	// schedules in one transaction. Either everything commits or nothing
	// does. Returns the number of schedule rows written.
	UpsertWithSchedules(ctx context.Context, eq domain.Equipment, schedules []domain.PMSchedule) (int, error)

	// UpsertSchedule writes one PM schedule keyed by (serial_number,
	// due_month). Imported entries override derived ones.
	UpsertSchedule(ctx context.Context, schedule domain.PMSchedule) error

	FindBySerial(ctx context.Context, materialCode, serialNumber string) (*domain.Equipment, error)
	ListSchedulesBySerial(ctx context.Context, serialNumber string) ([]domain.PMSchedule, error)
}
