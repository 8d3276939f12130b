package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/equipcare/backend/internal/domain"
	"github.com/equipcare/backend/internal/importer"
	"github.com/equipcare/backend/internal/service"
	"github.com/equipcare/backend/internal/util"
)

type ImportJobHandler struct {
	service       *service.ImportService
	maxUploadSize int64
	now           func() time.Time
}

func RegisterImportJobs(e *echo.Echo, svc *service.ImportService, maxUpload int64) {
	handler := &ImportJobHandler{
		service:       svc,
		maxUploadSize: maxUpload,
		now:           time.Now,
	}

	group := e.Group("/api/v1/import-jobs")
	group.GET("/template", handler.template)
	group.POST("", handler.create)
	group.GET("", handler.list)
	group.GET("/:id", handler.getJob)
	group.GET("/:id/events", handler.events)
	group.GET("/:id/outcomes", handler.outcomes)
	group.GET("/:id/errors", handler.downloadErrors)
	group.POST("/:id/cancel", handler.cancel)
}

func (h *ImportJobHandler) template(c echo.Context) error {
	kind := domain.ImportJobKind(c.QueryParam("kind"))
	columns := importer.TemplateColumns(kind)
	if columns == nil {
		return c.JSON(http.StatusBadRequest, util.Error("kind must be equipment_import or pm_import"))
	}

	sample := sampleRow(kind)
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	_ = writer.Write(columns)
	_ = writer.Write(sample)
	writer.Flush()
	if err := writer.Error(); err != nil {
		return c.JSON(http.StatusInternalServerError, util.Error("could not generate template"))
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+string(kind)+`-template.csv"`)
	return c.Blob(http.StatusOK, "text/csv", buf.Bytes())
}

func sampleRow(kind domain.ImportJobKind) []string {
	switch kind {
	case domain.ImportKindEquipment:
		return []string{
			"MAT-4401", "SN001", "Centrifugal Pump", "Pumps", "Plant 2 / Bay 4",
			"01/01/2024", "01/01/2025", "3",
		}
	case domain.ImportKindPM:
		return []string{"SN001", "04/2024", "15/04/2024"}
	}
	return nil
}

func (h *ImportJobHandler) create(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("csv file is required"))
	}

	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("unable to read upload"))
	}
	defer src.Close()

	limit := h.maxUploadSize
	if limit <= 0 {
		limit = 8 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("failed reading upload"))
	}
	if int64(len(data)) > limit {
		return c.JSON(http.StatusRequestEntityTooLarge, util.Error("upload exceeds size limit"))
	}

	kind := domain.ImportJobKind(strings.TrimSpace(c.FormValue("kind")))

	job, err := h.service.Submit(c.Request().Context(), kind, file.Filename, data)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, util.Envelope{"job": h.buildJob(job)})
}

func (h *ImportJobHandler) list(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	jobs, err := h.service.ListJobs(c.Request().Context(), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	items := make([]util.Envelope, 0, len(jobs))
	for i := range jobs {
		items = append(items, h.buildJob(&jobs[i]))
	}
	return c.JSON(http.StatusOK, util.Envelope{"jobs": items})
}

func (h *ImportJobHandler) getJob(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("invalid job id"))
	}
	job, progress, err := h.service.GetJob(c.Request().Context(), jobID)
	if err != nil {
		return h.writeError(c, err)
	}
	resp := h.buildJob(job)
	resp["progress"] = progress
	resp["timing"] = h.buildTiming(job)
	return c.JSON(http.StatusOK, resp)
}

func (h *ImportJobHandler) events(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("invalid job id"))
	}
	var after int64
	if raw := c.QueryParam("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return c.JSON(http.StatusBadRequest, util.Error("after must be a non-negative event id"))
		}
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	events, err := h.service.Events(c.Request().Context(), jobID, after, limit)
	if err != nil {
		return h.writeError(c, err)
	}
	items := make([]util.Envelope, 0, len(events))
	for _, ev := range events {
		items = append(items, util.Envelope{
			"id":        ev.Seq,
			"severity":  ev.Severity,
			"message":   ev.Message,
			"timestamp": ev.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, util.Envelope{"events": items})
}

func (h *ImportJobHandler) outcomes(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("invalid job id"))
	}

	var kinds []domain.RecordOutcomeKind
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kinds = append(kinds, domain.RecordOutcomeKind(strings.TrimSpace(part)))
		}
	}

	outcomes, err := h.service.Outcomes(c.Request().Context(), jobID, kinds)
	if err != nil {
		return h.writeError(c, err)
	}
	items := make([]util.Envelope, 0, len(outcomes))
	for _, o := range outcomes {
		items = append(items, util.Envelope{
			"row_index":   o.RowIndex,
			"natural_key": o.NaturalKey,
			"outcome":     o.Outcome,
			"message":     o.Message,
			"timestamp":   o.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, util.Envelope{"outcomes": items})
}

func (h *ImportJobHandler) downloadErrors(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("invalid job id"))
	}
	outcomes, err := h.service.Outcomes(c.Request().Context(), jobID, []domain.RecordOutcomeKind{
		domain.OutcomeValidationError,
		domain.OutcomePersistError,
	})
	if err != nil {
		return h.writeError(c, err)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	_ = writer.Write([]string{"row_index", "natural_key", "outcome", "message"})
	for _, o := range outcomes {
		_ = writer.Write([]string{strconv.Itoa(o.RowIndex), o.NaturalKey, string(o.Outcome), o.Message})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return c.JSON(http.StatusInternalServerError, util.Error("could not generate csv"))
	}
	return c.Blob(http.StatusOK, "text/csv", buf.Bytes())
}

func (h *ImportJobHandler) cancel(c echo.Context) error {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, util.Error("invalid job id"))
	}
	job, err := h.service.Cancel(c.Request().Context(), jobID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, util.Envelope{"job": h.buildJob(job)})
}

func (h *ImportJobHandler) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, util.Error(err.Error()))
	case errors.Is(err, service.ErrJobTerminal):
		return c.JSON(http.StatusConflict, util.Error(err.Error()))
	case errors.Is(err, service.ErrInvalidKind), errors.Is(err, importer.ErrEmptyFile):
		return c.JSON(http.StatusBadRequest, util.Error(err.Error()))
	case errors.Is(err, importer.ErrFileTooLarge), errors.Is(err, importer.ErrRowLimitExceeded):
		return c.JSON(http.StatusRequestEntityTooLarge, util.Error(err.Error()))
	case errors.Is(err, service.ErrEngineStopped):
		return c.JSON(http.StatusServiceUnavailable, util.Error(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, util.Error("internal error"))
	}
}

func (h *ImportJobHandler) buildJob(job *domain.ImportJob) util.Envelope {
	resp := util.Envelope{
		"id":            job.ID,
		"kind":          job.Kind,
		"status":        job.State,
		"file_key":      job.FileKey,
		"total_records": job.TotalRecords,
		"counts": util.Envelope{
			"processed":       job.Counts.Processed,
			"succeeded":       job.Counts.Succeeded,
			"failed":          job.Counts.Failed,
			"derived_created": job.Counts.DerivedCreated,
		},
		"created_at": job.CreatedAt,
	}
	if job.StartedAt != nil {
		resp["started_at"] = *job.StartedAt
	}
	if job.FinishedAt != nil {
		resp["finished_at"] = *job.FinishedAt
	}
	if job.Error != nil {
		resp["error"] = *job.Error
	}
	return resp
}

func (h *ImportJobHandler) buildTiming(job *domain.ImportJob) util.Envelope {
	timing := util.Envelope{}
	if job.StartedAt == nil {
		return timing
	}
	if job.FinishedAt != nil {
		duration := job.FinishedAt.Sub(*job.StartedAt)
		timing["duration_ms"] = duration.Milliseconds()
		timing["elapsed_ms"] = duration.Milliseconds()
		return timing
	}
	timing["elapsed_ms"] = h.now().Sub(*job.StartedAt).Milliseconds()
	return timing
}
