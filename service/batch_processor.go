// ABOUTME: This file implements batch upload processing for member records
// ABOUTME: Rows run in small concurrent waves, paced to stay under API rate limits

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"brivo-uploader/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// MemberWriter is the slice of the API client the batch processor drives.
type MemberWriter interface {
	CreateUser(ctx context.Context, record models.CreateRecord) (int64, error)
	ToggleMemberSuspend(ctx context.Context, record models.SuspendRecord) error
}

// BatchSettings tunes batch concurrency and the per-row error budget.
type BatchSettings struct {
	// BatchSize is the number of rows processed concurrently per wave.
	BatchSize int
	// WaveInterval paces the start of consecutive waves.
	WaveInterval time.Duration
	// ErrorBudget stops the batch once this many rows have failed.
	ErrorBudget int
}

// DefaultBatchSettings matches the pacing the Brivo API tolerates in practice.
func DefaultBatchSettings() BatchSettings {
	return BatchSettings{
		BatchSize:    5,
		WaveInterval: 100 * time.Millisecond,
		ErrorBudget:  100,
	}
}

// BatchProcessor runs member uploads against the API in bounded waves.
// Row failures are collected per row; only exceeding the error budget or a
// canceled context stops the batch early.
type BatchProcessor struct {
	writer   MemberWriter
	logger   *slog.Logger
	settings BatchSettings
}

// NewBatchProcessor creates a batch processor with default settings.
func NewBatchProcessor(writer MemberWriter, logger *slog.Logger) *BatchProcessor {
	return NewBatchProcessorWithSettings(writer, logger, DefaultBatchSettings())
}

// NewBatchProcessorWithSettings creates a batch processor with custom settings.
func NewBatchProcessorWithSettings(writer MemberWriter, logger *slog.Logger, settings BatchSettings) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 5
	}
	if settings.ErrorBudget <= 0 {
		settings.ErrorBudget = 100
	}

	return &BatchProcessor{
		writer:   writer,
		logger:   logger,
		settings: settings,
	}
}

// ProcessCreate provisions every record and reports per-row outcomes.
func (p *BatchProcessor) ProcessCreate(ctx context.Context, records []models.CreateRecord) (*models.BatchReport, error) {
	return p.run(ctx, len(records), func(ctx context.Context, i int) models.RowResult {
		record := records[i]
		result := models.RowResult{MemberID: record.MemberID}
		if _, err := p.writer.CreateUser(ctx, record); err != nil {
			result.Error = err.Error()
		}
		return result
	})
}

// ProcessSuspend toggles suspension for every record and reports per-row
// outcomes.
func (p *BatchProcessor) ProcessSuspend(ctx context.Context, records []models.SuspendRecord) (*models.BatchReport, error) {
	return p.run(ctx, len(records), func(ctx context.Context, i int) models.RowResult {
		record := records[i]
		result := models.RowResult{MemberID: record.MemberID}
		if err := p.writer.ToggleMemberSuspend(ctx, record); err != nil {
			result.Error = err.Error()
		}
		return result
	})
}

func (p *BatchProcessor) run(ctx context.Context, total int, processRow func(context.Context, int) models.RowResult) (*models.BatchReport, error) {
	report := &models.BatchReport{
		JobID:       uuid.New(),
		RecordCount: total,
		StartedAt:   time.Now(),
		Results:     make([]models.RowResult, 0, total),
	}

	p.logger.Info("Starting batch",
		"job_id", report.JobID,
		"record_count", total)

	limiter := rate.NewLimiter(rate.Every(p.settings.WaveInterval), 1)

	var mu sync.Mutex
	errorCount := 0

	for start := 0; start < total; start += p.settings.BatchSize {
		if err := limiter.Wait(ctx); err != nil {
			report.Truncated = true
			break
		}

		mu.Lock()
		overBudget := errorCount >= p.settings.ErrorBudget
		mu.Unlock()
		if overBudget {
			p.logger.Error("Error budget exhausted, truncating batch",
				"job_id", report.JobID,
				"error_count", errorCount,
				"processed", len(report.Results))
			report.Truncated = true
			break
		}

		end := start + p.settings.BatchSize
		if end > total {
			end = total
		}

		wave := make([]models.RowResult, end-start)
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				wave[i-start] = processRow(gctx, i)
				return nil
			})
		}
		// Workers never return errors; Wait only observes cancellation.
		_ = g.Wait()

		for _, result := range wave {
			report.Results = append(report.Results, result)
			if result.Error != "" {
				mu.Lock()
				errorCount++
				mu.Unlock()
				p.logger.Warn("Row failed",
					"job_id", report.JobID,
					"member_id", result.MemberID,
					"error", result.Error)
			}
		}

		if ctx.Err() != nil {
			report.Truncated = true
			break
		}
	}

	report.ErrorCount = errorCount
	report.Duration = time.Since(report.StartedAt)

	p.logger.Info("Batch finished",
		"job_id", report.JobID,
		"processed", len(report.Results),
		"error_count", report.ErrorCount,
		"truncated", report.Truncated,
		"duration", report.Duration)

	return report, ctx.Err()
}
