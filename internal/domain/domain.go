package domain

import (
	"errors"
	"strings"
)

// Status of a queued assessment record.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Network quality classifications, ordered worst to best.
const (
	QualityOffline   = "offline"
	QualityPoor      = "poor"
	QualityGood      = "good"
	QualityExcellent = "excellent"
)

// Assessment is the inspection payload captured in the field. Fields are
// closed and validated on ingestion; the sync core never mutates them.
type Assessment struct {
	Category  string `json:"category"`
	Element   string `json:"element"`
	Condition int    `json:"condition" minimum:"1" maximum:"5"`
	Priority  int    `json:"priority" minimum:"1" maximum:"4"`
	Building  string `json:"building"`
	Floor     string `json:"floor,omitempty"`
	Room      string `json:"room,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Validate checks required fields and rating ranges.
func (a Assessment) Validate() error {
	if strings.TrimSpace(a.Category) == "" {
		return errors.New("assessment category is required")
	}
	if strings.TrimSpace(a.Element) == "" {
		return errors.New("assessment element is required")
	}
	if strings.TrimSpace(a.Building) == "" {
		return errors.New("assessment building is required")
	}
	if a.Condition < 1 || a.Condition > 5 {
		return errors.New("condition rating must be between 1 and 5")
	}
	if a.Priority < 1 || a.Priority > 4 {
		return errors.New("priority rating must be between 1 and 4")
	}
	return nil
}

// QueueRecord is one assessment in the local sync queue. The ID is generated
// client-side and doubles as the idempotency key toward the ingest API.
type QueueRecord struct {
	ID           string     `json:"id"`
	Data         Assessment `json:"data"`
	Status       string     `json:"status" enum:"pending,syncing,synced,failed"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PhotoPath    string     `json:"photo_path,omitempty"`
}

// RecordError pairs a record id with the reason its upload failed.
type RecordError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// RunResult summarizes one executor pass. Incomplete is set when the run
// stopped before touching every candidate (network loss mid-batch).
type RunResult struct {
	Success     bool          `json:"success"`
	SyncedCount int           `json:"synced_count"`
	FailedCount int           `json:"failed_count"`
	Errors      []RecordError `json:"errors,omitempty"`
	Incomplete  bool          `json:"incomplete,omitempty"`
}

// Progress reports where a run is within its candidate set. Current counts
// from 1 and Total stays fixed for the whole run.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label,omitempty"`
}
