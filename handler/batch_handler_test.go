// ABOUTME: Tests for the batch upload and health HTTP endpoints
// ABOUTME: Uses a fake batch runner and health checker

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"brivo-uploader/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBatchRunner struct {
	createRecords  []models.CreateRecord
	suspendRecords []models.SuspendRecord
	err            error
}

func (f *fakeBatchRunner) report(n, failures int) *models.BatchReport {
	report := &models.BatchReport{
		JobID:       uuid.New(),
		RecordCount: n,
		ErrorCount:  failures,
		StartedAt:   time.Now(),
	}
	for i := 0; i < n; i++ {
		result := models.RowResult{MemberID: "M-1"}
		if i < failures {
			result.Error = "simulated failure"
		}
		report.Results = append(report.Results, result)
	}
	return report
}

func (f *fakeBatchRunner) ProcessCreate(ctx context.Context, records []models.CreateRecord) (*models.BatchReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.createRecords = records
	return f.report(len(records), 0), nil
}

func (f *fakeBatchRunner) ProcessSuspend(ctx context.Context, records []models.SuspendRecord) (*models.BatchReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.suspendRecords = records
	return f.report(len(records), 1), nil
}

type fakeHealthChecker struct {
	err error
}

func (f *fakeHealthChecker) Healthcheck(ctx context.Context) error { return f.err }

func newBatchMux(runner *fakeBatchRunner, checker *fakeHealthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	NewBatchHandler(runner, checker, nil).Register(mux)
	return mux
}

func TestHandleCreate_ReturnsReport(t *testing.T) {
	runner := &fakeBatchRunner{}
	mux := newBatchMux(runner, &fakeHealthChecker{})

	body := `[{"first_name":"Jane","last_name":"Doe","member_id":"M-1","groups":["Members"]}]`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batch/create", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.createRecords, 1)
	assert.Equal(t, "M-1", runner.createRecords[0].MemberID)

	var report models.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.RecordCount)
	assert.NotEqual(t, uuid.Nil, report.JobID)
}

func TestHandleSuspend_ReturnsReportWithRowErrors(t *testing.T) {
	runner := &fakeBatchRunner{}
	mux := newBatchMux(runner, &fakeHealthChecker{})

	body := `[{"first_name":"Jane","last_name":"Doe","member_id":"M-1","suspend":true}]`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batch/suspend", strings.NewReader(body)))

	// Row-level failures still produce a 200 with the report.
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.ErrorCount)
}

func TestHandleSuspend_LogsFailedRowSample(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	mux := http.NewServeMux()
	NewBatchHandler(&fakeBatchRunner{}, &fakeHealthChecker{}, logger).Register(mux)

	body := `[{"first_name":"Jane","last_name":"Doe","member_id":"M-1","suspend":true}]`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batch/suspend", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "sample_member_ids")
	assert.Contains(t, logs.String(), "M-1")
}

func TestHandleCreate_RejectsMalformedBody(t *testing.T) {
	runner := &fakeBatchRunner{}
	mux := newBatchMux(runner, &fakeHealthChecker{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batch/create", strings.NewReader(`{"not":"a list"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, runner.createRecords)
}

func TestHandleCreate_RejectsUnknownFields(t *testing.T) {
	mux := newBatchMux(&fakeBatchRunner{}, &fakeHealthChecker{})

	body := `[{"first_name":"Jane","surname":"Doe"}]`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batch/create", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreate_TotalFailureMapsTaxonomy(t *testing.T) {
	runner := &fakeBatchRunner{err: models.NewAPIError(0, models.KindAuthFailure, "re-authorization required")}
	mux := newBatchMux(runner, &fakeHealthChecker{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batch/create", strings.NewReader(`[]`)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	mux := newBatchMux(&fakeBatchRunner{}, &fakeHealthChecker{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTestAPI_MapsUpstreamFailures(t *testing.T) {
	checker := &fakeHealthChecker{err: models.NewAPIError(503, models.KindTransientFailure, "upstream down")}
	mux := newBatchMux(&fakeBatchRunner{}, checker)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test-api", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleTestAPI_OK(t *testing.T) {
	mux := newBatchMux(&fakeBatchRunner{}, &fakeHealthChecker{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test-api", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
