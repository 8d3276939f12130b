package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/equipcare/backend/internal/domain"
)

var (
	ErrEmptyFile        = errors.New("csv file is empty")
	ErrFileTooLarge     = errors.New("csv file exceeds maximum size")
	ErrMissingColumns   = errors.New("csv headers missing required columns")
	ErrRowLimitExceeded = errors.New("csv exceeds maximum allowed rows")
	ErrUnknownKind      = errors.New("unknown import kind")
)

// RawRow is one decoded line keyed by normalized header name. Index counts
// input rows from 1; the header line is not a row.
type RawRow struct {
	Index  int
	Fields map[string]string
}

// RequiredColumns lists the headers a file of the given kind must carry.
func RequiredColumns(kind domain.ImportJobKind) []string {
	switch kind {
	case domain.ImportKindEquipment:
		return []string{"material_code", "serial_number", "name"}
	case domain.ImportKindPM:
		return []string{"serial_number", "pm_due_month"}
	}
	return nil
}

// TemplateColumns lists every header the template download offers, required
// columns first.
func TemplateColumns(kind domain.ImportJobKind) []string {
	switch kind {
	case domain.ImportKindEquipment:
		return []string{
			"material_code", "serial_number", "name", "category", "location",
			"warranty_start", "warranty_end", "pm_interval_months",
		}
	case domain.ImportKindPM:
		return []string{"serial_number", "pm_due_month", "pm_done_date"}
	}
	return nil
}

// Decoder turns an uploaded CSV into an ordered slice of raw rows. It is the
// file-format collaborator: everything downstream works on RawRow maps.
type Decoder struct {
	MaxRows      int
	MaxFileBytes int64
}

func NewDecoder(maxRows int, maxFileBytes int64) *Decoder {
	if maxRows <= 0 {
		maxRows = 5000
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 8 * 1024 * 1024
	}
	return &Decoder{MaxRows: maxRows, MaxFileBytes: maxFileBytes}
}

// Decode parses the whole file up front so the job's total record count is
// fixed before any row is dispatched.
func (d *Decoder) Decode(kind domain.ImportJobKind, contents []byte) ([]RawRow, error) {
	if len(contents) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(contents)) > d.MaxFileBytes {
		return nil, ErrFileTooLarge
	}

	required := RequiredColumns(kind)
	if required == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	reader := csv.NewReader(bytes.NewReader(contents))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, err
	}
	normHeader := make([]string, len(header))
	for i, h := range header {
		normHeader[i] = normalizeHeader(h)
	}
	if missing := missingColumns(normHeader, required); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	rows := make([]RawRow, 0)
	index := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if isRecordEmpty(record) {
			continue
		}
		index++
		rows = append(rows, RawRow{Index: index, Fields: rowToMap(normHeader, record)})
	}
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	if len(rows) > d.MaxRows {
		return nil, ErrRowLimitExceeded
	}
	return rows, nil
}

func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	return strings.ReplaceAll(h, " ", "_")
}

func missingColumns(header []string, required []string) []string {
	set := make(map[string]struct{}, len(header))
	for _, h := range header {
		set[h] = struct{}{}
	}
	var missing []string
	for _, req := range required {
		if _, ok := set[req]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

func rowToMap(header []string, record []string) map[string]string {
	out := make(map[string]string, len(header))
	for idx, key := range header {
		val := ""
		if idx < len(record) {
			val = strings.TrimSpace(record[idx])
		}
		out[key] = val
	}
	return out
}

func isRecordEmpty(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
