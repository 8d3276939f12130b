package domain

import "time"

// Equipment is upserted by its natural key (MaterialCode, SerialNumber);
// re-importing the same row overwrites fields rather than duplicating.
type Equipment struct {
	ID               int64      `db:"id" json:"id"`
	MaterialCode     string     `db:"material_code" json:"material_code"`
	SerialNumber     string     `db:"serial_number" json:"serial_number"`
	Name             string     `db:"name" json:"name"`
	Category         *string    `db:"category" json:"category,omitempty"`
	Location         *string    `db:"location" json:"location,omitempty"`
	WarrantyStart    *time.Time `db:"warranty_start" json:"warranty_start,omitempty"`
	WarrantyEnd      *time.Time `db:"warranty_end" json:"warranty_end,omitempty"`
	PMIntervalMonths int        `db:"pm_interval_months" json:"pm_interval_months"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// NaturalKey is the composite used for upsert matching and duplicate
// detection inside a single file.
func (e Equipment) NaturalKey() string {
	return e.MaterialCode + "/" + e.SerialNumber
}

type PMScheduleSource string

const (
	PMSourceDerived  PMScheduleSource = "derived"
	PMSourceImported PMScheduleSource = "imported"
)

// PMSchedule is one preventive-maintenance due entry, keyed by
// (SerialNumber, DueMonth). Derived entries come from equipment warranty
// windows; imported entries come from PM import rows and win over derived
// ones for the same key.
type PMSchedule struct {
	ID           int64            `db:"id" json:"id"`
	SerialNumber string           `db:"serial_number" json:"serial_number"`
	DueMonth     time.Time        `db:"due_month" json:"due_month"`
	DoneDate     *time.Time       `db:"done_date" json:"done_date,omitempty"`
	Source       PMScheduleSource `db:"source" json:"source"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}
