// ABOUTME: This file implements the HTTP endpoints for batch member uploads
// ABOUTME: Accepts JSON record lists and returns per-row batch reports

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"brivo-uploader/models"
)

// maxBatchBody bounds the request body size for uploads (8 MiB).
const maxBatchBody = 8 << 20

// BatchRunner runs uploads against the Brivo API.
type BatchRunner interface {
	ProcessCreate(ctx context.Context, records []models.CreateRecord) (*models.BatchReport, error)
	ProcessSuspend(ctx context.Context, records []models.SuspendRecord) (*models.BatchReport, error)
}

// HealthChecker verifies that the API is reachable with the current token.
type HealthChecker interface {
	Healthcheck(ctx context.Context) error
}

// BatchHandler serves the upload and health endpoints.
type BatchHandler struct {
	runner  BatchRunner
	checker HealthChecker
	logger  *slog.Logger
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(runner BatchRunner, checker HealthChecker, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &BatchHandler{
		runner:  runner,
		checker: checker,
		logger:  logger,
	}
}

// Register wires the batch endpoints into the mux.
func (h *BatchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /batch/create", h.HandleCreate)
	mux.HandleFunc("POST /batch/suspend", h.HandleSuspend)
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /test-api", h.HandleTestAPI)
}

// HandleCreate provisions a list of member records.
func (h *BatchHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var records []models.CreateRecord
	if !decodeRecords(w, r, &records) {
		return
	}

	report, err := h.runner.ProcessCreate(r.Context(), records)
	h.respondWithReport(w, r, report, err)
}

// HandleSuspend toggles suspension for a list of member records.
func (h *BatchHandler) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	var records []models.SuspendRecord
	if !decodeRecords(w, r, &records) {
		return
	}

	report, err := h.runner.ProcessSuspend(r.Context(), records)
	h.respondWithReport(w, r, report, err)
}

// HandleHealthz reports process liveness without touching the remote API.
func (h *BatchHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

// HandleTestAPI makes a minimal authenticated call to verify token and API.
func (h *BatchHandler) HandleTestAPI(w http.ResponseWriter, r *http.Request) {
	if err := h.checker.Healthcheck(r.Context()); err != nil {
		status, code := statusForAPIError(err)
		h.logger.Warn("API healthcheck failed", "error", err)
		respondWithError(w, status, code, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (h *BatchHandler) respondWithReport(w http.ResponseWriter, r *http.Request, report *models.BatchReport, err error) {
	if report == nil {
		status, code := statusForAPIError(err)
		h.logger.Error("Batch failed before processing any rows", "error", err)
		respondWithError(w, status, code, err.Error())
		return
	}

	h.logger.Info("Batch handled",
		"job_id", report.JobID,
		"record_count", report.RecordCount,
		"error_count", report.ErrorCount,
		"truncated", report.Truncated)

	if failed := report.Errors(); len(failed) > 0 {
		sample := make([]string, 0, 5)
		for _, row := range failed {
			if len(sample) == 5 {
				break
			}
			sample = append(sample, row.MemberID)
		}
		h.logger.Warn("Batch had row failures",
			"job_id", report.JobID,
			"failed_rows", len(failed),
			"sample_member_ids", sample)
	}

	// Per-row failures are part of the report, not an HTTP failure.
	respondWithJSON(w, http.StatusOK, report)
}

func decodeRecords(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBody)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "expected a JSON list of records")
		return false
	}
	return true
}
