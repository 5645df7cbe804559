// ABOUTME: This file defines batch upload records and per-row result reporting
// ABOUTME: Rows arrive pre-parsed from the web layer; CSV handling stays external

package models

import (
	"time"

	"github.com/google/uuid"
)

// CreateRecord is one row of a "create" upload: provision a user, attach
// groups and optionally assign a card credential.
type CreateRecord struct {
	FirstName    string   `json:"first_name"`
	LastName     string   `json:"last_name"`
	MemberID     string   `json:"member_id"`
	Groups       []string `json:"groups,omitempty"`
	CardNumber   string   `json:"card_number,omitempty"`
	FacilityCode string   `json:"facility_code,omitempty"`
}

// SuspendRecord is one row of a "suspend" upload: toggle a member's
// suspended flag after a name safety check.
type SuspendRecord struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	MemberID  string `json:"member_id"`
	Suspend   bool   `json:"suspend"`
}

// RowResult records the outcome of a single row. Error is empty on success.
type RowResult struct {
	MemberID string `json:"member_id"`
	Error    string `json:"error,omitempty"`
}

// BatchReport summarizes one processed upload.
type BatchReport struct {
	JobID       uuid.UUID     `json:"job_id"`
	RecordCount int           `json:"record_count"`
	ErrorCount  int           `json:"error_count"`
	Truncated   bool          `json:"truncated"` // True when the error budget stopped processing early
	Results     []RowResult   `json:"results"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Errors returns only the failed rows.
func (r *BatchReport) Errors() []RowResult {
	failed := make([]RowResult, 0, r.ErrorCount)
	for _, res := range r.Results {
		if res.Error != "" {
			failed = append(failed, res)
		}
	}
	return failed
}
