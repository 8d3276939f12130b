package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/equipcare/backend/internal/domain"
)

type EquipmentRepository struct {
	db *sqlx.DB
}

func NewEquipmentRepo(db *sqlx.DB) *EquipmentRepository {
	return &EquipmentRepository{db: db}
}

// UpsertWithSchedules commits the equipment row and its derived PM schedules
// in a single transaction so a derivation failure never leaves an orphan
// equipment record.
func (r *EquipmentRepository) UpsertWithSchedules(ctx context.Context, eq domain.Equipment, schedules []domain.PMSchedule) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapStoreError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertEquipmentTx(ctx, tx, eq); err != nil {
		return 0, wrapStoreError(err)
	}
	written := 0
	for _, schedule := range schedules {
		if err := upsertScheduleTx(ctx, tx, schedule); err != nil {
			return 0, wrapStoreError(err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapStoreError(err)
	}
	return written, nil
}

func (r *EquipmentRepository) UpsertSchedule(ctx context.Context, schedule domain.PMSchedule) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapStoreError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertScheduleTx(ctx, tx, schedule); err != nil {
		return wrapStoreError(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStoreError(err)
	}
	return nil
}

func upsertEquipmentTx(ctx context.Context, tx *sqlx.Tx, eq domain.Equipment) error {
	const query = `
		INSERT INTO equipment (
			material_code, serial_number, name, category, location,
			warranty_start, warranty_end, pm_interval_months, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (material_code, serial_number) DO UPDATE
		SET name = EXCLUDED.name,
		    category = EXCLUDED.category,
		    location = EXCLUDED.location,
		    warranty_start = EXCLUDED.warranty_start,
		    warranty_end = EXCLUDED.warranty_end,
		    pm_interval_months = EXCLUDED.pm_interval_months,
		    updated_at = NOW()
	`
	_, err := tx.ExecContext(ctx, query,
		eq.MaterialCode,
		eq.SerialNumber,
		eq.Name,
		nullStringPtr(eq.Category),
		nullStringPtr(eq.Location),
		nullTimePtr(eq.WarrantyStart),
		nullTimePtr(eq.WarrantyEnd),
		eq.PMIntervalMonths,
	)
	return err
}

// upsertScheduleTx keys on (serial_number, due_month). An imported entry
// overrides a derived one; a derived entry never downgrades an imported one.
func upsertScheduleTx(ctx context.Context, tx *sqlx.Tx, schedule domain.PMSchedule) error {
	const query = `
		INSERT INTO pm_schedule (serial_number, due_month, done_date, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (serial_number, due_month) DO UPDATE
		SET done_date = COALESCE(EXCLUDED.done_date, pm_schedule.done_date),
		    source = CASE
		        WHEN pm_schedule.source = 'imported' THEN pm_schedule.source
		        ELSE EXCLUDED.source
		    END,
		    updated_at = NOW()
	`
	_, err := tx.ExecContext(ctx, query,
		schedule.SerialNumber,
		monthStart(schedule.DueMonth),
		nullTimePtr(schedule.DoneDate),
		schedule.Source,
	)
	return err
}

func (r *EquipmentRepository) FindBySerial(ctx context.Context, materialCode, serialNumber string) (*domain.Equipment, error) {
	const query = `
		SELECT id, material_code, serial_number, name, category, location,
		       warranty_start, warranty_end, pm_interval_months, created_at, updated_at
		FROM equipment
		WHERE material_code = $1 AND serial_number = $2
	`
	var row equipmentRow
	if err := r.db.GetContext(ctx, &row, query, materialCode, serialNumber); err != nil {
		return nil, wrapStoreError(err)
	}
	return row.toDomain(), nil
}

func (r *EquipmentRepository) ListSchedulesBySerial(ctx context.Context, serialNumber string) ([]domain.PMSchedule, error) {
	const query = `
		SELECT id, serial_number, due_month, done_date, source, created_at, updated_at
		FROM pm_schedule
		WHERE serial_number = $1
		ORDER BY due_month ASC
	`
	rows := make([]pmScheduleRow, 0)
	if err := r.db.SelectContext(ctx, &rows, query, serialNumber); err != nil {
		return nil, wrapStoreError(err)
	}
	schedules := make([]domain.PMSchedule, 0, len(rows))
	for _, row := range rows {
		schedules = append(schedules, *row.toDomain())
	}
	return schedules, nil
}

type equipmentRow struct {
	ID               int64          `db:"id"`
	MaterialCode     string         `db:"material_code"`
	SerialNumber     string         `db:"serial_number"`
	Name             string         `db:"name"`
	Category         sql.NullString `db:"category"`
	Location         sql.NullString `db:"location"`
	WarrantyStart    sql.NullTime   `db:"warranty_start"`
	WarrantyEnd      sql.NullTime   `db:"warranty_end"`
	PMIntervalMonths int            `db:"pm_interval_months"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r equipmentRow) toDomain() *domain.Equipment {
	eq := &domain.Equipment{
		ID:               r.ID,
		MaterialCode:     r.MaterialCode,
		SerialNumber:     r.SerialNumber,
		Name:             r.Name,
		PMIntervalMonths: r.PMIntervalMonths,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.Category.Valid {
		eq.Category = &r.Category.String
	}
	if r.Location.Valid {
		eq.Location = &r.Location.String
	}
	if r.WarrantyStart.Valid {
		t := r.WarrantyStart.Time
		eq.WarrantyStart = &t
	}
	if r.WarrantyEnd.Valid {
		t := r.WarrantyEnd.Time
		eq.WarrantyEnd = &t
	}
	return eq
}

type pmScheduleRow struct {
	ID           int64                   `db:"id"`
	SerialNumber string                  `db:"serial_number"`
	DueMonth     time.Time               `db:"due_month"`
	DoneDate     sql.NullTime            `db:"done_date"`
	Source       domain.PMScheduleSource `db:"source"`
	CreatedAt    time.Time               `db:"created_at"`
	UpdatedAt    time.Time               `db:"updated_at"`
}

func (r pmScheduleRow) toDomain() *domain.PMSchedule {
	s := &domain.PMSchedule{
		ID:           r.ID,
		SerialNumber: r.SerialNumber,
		DueMonth:     r.DueMonth,
		Source:       r.Source,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.DoneDate.Valid {
		t := r.DoneDate.Time
		s.DoneDate = &t
	}
	return s
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
