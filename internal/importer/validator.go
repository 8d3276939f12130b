package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/equipcare/backend/internal/domain"
)

// EquipmentRecord is a validated equipment row ready for the processor.
type EquipmentRecord struct {
	RowIndex         int
	MaterialCode     string
	SerialNumber     string
	Name             string
	Category         *string
	Location         *string
	WarrantyStart    *time.Time
	WarrantyEnd      *time.Time
	PMIntervalMonths int // 0 means use the configured default
}

func (r EquipmentRecord) NaturalKey() string {
	return r.MaterialCode + "/" + r.SerialNumber
}

// PMRecord is a validated preventive-maintenance row.
type PMRecord struct {
	RowIndex     int
	SerialNumber string
	DueMonth     time.Time // first day of the month
	DoneDate     *time.Time
}

func (r PMRecord) NaturalKey() string {
	return r.SerialNumber + "/" + r.DueMonth.Format("01/2006")
}

// TypedRecord is what a validator produces and a processor consumes.
type TypedRecord interface {
	NaturalKey() string
}

// Validator checks raw rows against per-kind field rules. It does no I/O and
// holds no state, so workers may call it concurrently.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Validate returns a typed record or a *ValidationError naming the offending
// field. Malformed dates are never coerced.
func (v *Validator) Validate(kind domain.ImportJobKind, row RawRow) (TypedRecord, error) {
	switch kind {
	case domain.ImportKindEquipment:
		return v.validateEquipment(row)
	case domain.ImportKindPM:
		return v.validatePM(row)
	}
	return nil, NewValidationError("kind", fmt.Sprintf("unknown import kind %q", kind))
}

func (v *Validator) validateEquipment(row RawRow) (TypedRecord, error) {
	rec := EquipmentRecord{RowIndex: row.Index}

	rec.MaterialCode = row.Fields["material_code"]
	if rec.MaterialCode == "" {
		return nil, NewValidationError("material_code", "required field is missing")
	}
	rec.SerialNumber = row.Fields["serial_number"]
	if rec.SerialNumber == "" {
		return nil, NewValidationError("serial_number", "required field is missing")
	}
	rec.Name = row.Fields["name"]
	if rec.Name == "" {
		rec.Name = rec.MaterialCode
	}
	rec.Category = optional(row.Fields["category"])
	rec.Location = optional(row.Fields["location"])

	if raw := row.Fields["warranty_start"]; raw != "" {
		start, err := parseDayMonthYear(raw)
		if err != nil {
			return nil, NewValidationError("warranty_start", err.Error())
		}
		rec.WarrantyStart = &start
	}
	if raw := row.Fields["warranty_end"]; raw != "" {
		end, err := parseDayMonthYear(raw)
		if err != nil {
			return nil, NewValidationError("warranty_end", err.Error())
		}
		rec.WarrantyEnd = &end
	}
	if (rec.WarrantyStart == nil) != (rec.WarrantyEnd == nil) {
		return nil, NewValidationError("warranty_end", "warranty_start and warranty_end must be provided together")
	}
	if rec.WarrantyStart != nil && rec.WarrantyEnd.Before(*rec.WarrantyStart) {
		return nil, NewValidationError("warranty_end", "warranty_end precedes warranty_start")
	}

	if raw := row.Fields["pm_interval_months"]; raw != "" {
		months, err := strconv.Atoi(raw)
		if err != nil || months <= 0 {
			return nil, NewValidationError("pm_interval_months", "must be a positive integer")
		}
		rec.PMIntervalMonths = months
	}
	return rec, nil
}

func (v *Validator) validatePM(row RawRow) (TypedRecord, error) {
	rec := PMRecord{RowIndex: row.Index}

	rec.SerialNumber = row.Fields["serial_number"]
	if rec.SerialNumber == "" {
		return nil, NewValidationError("serial_number", "required field is missing")
	}

	raw := row.Fields["pm_due_month"]
	if raw == "" {
		return nil, NewValidationError("pm_due_month", "required field is missing")
	}
	due, err := parseMonthYear(raw)
	if err != nil {
		return nil, NewValidationError("pm_due_month", err.Error())
	}
	rec.DueMonth = due

	if raw := row.Fields["pm_done_date"]; raw != "" {
		done, err := parseDayMonthYear(raw)
		if err != nil {
			return nil, NewValidationError("pm_done_date", err.Error())
		}
		rec.DoneDate = &done
	}
	return rec, nil
}

// parseMonthYear accepts MM/YYYY only and returns the first day of the month
// in UTC.
func parseMonthYear(raw string) (time.Time, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 4 {
		return time.Time{}, fmt.Errorf("%q does not match MM/YYYY", raw)
	}
	t, err := time.ParseInLocation("01/2006", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q does not match MM/YYYY", raw)
	}
	return t, nil
}

// parseDayMonthYear accepts DD/MM/YYYY only.
func parseDayMonthYear(raw string) (time.Time, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 || len(parts[0]) != 2 || len(parts[1]) != 2 || len(parts[2]) != 4 {
		return time.Time{}, fmt.Errorf("%q does not match DD/MM/YYYY", raw)
	}
	t, err := time.ParseInLocation("02/01/2006", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q does not match DD/MM/YYYY", raw)
	}
	return t, nil
}

func optional(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}
