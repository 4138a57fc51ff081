package storage

import (
	"context"
	"time"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

// Status filters executions by outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Execution is the journal entry for one executed request. Code, output
// and file contents are never stored.
type Execution struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	ErrorType     string    `json:"error_type,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	InputFiles    int       `json:"input_files"`
	OutputFiles   int       `json:"output_files"`
}

// Status reports the entry's outcome.
func (e Execution) Status() Status {
	if e.Success {
		return StatusSucceeded
	}
	return StatusFailed
}

// FromRecord converts an engine record into a journal entry.
func FromRecord(rec sandbox.ExecutionRecord) Execution {
	return Execution{
		ID:            rec.ID,
		EnvironmentID: rec.EnvironmentID,
		StartedAt:     rec.StartedAt.UTC(),
		DurationMS:    rec.Duration.Milliseconds(),
		Success:       rec.Success,
		ErrorType:     rec.ErrorType,
		ErrorMessage:  rec.ErrorMessage,
		InputFiles:    rec.InputFiles,
		OutputFiles:   rec.OutputFiles,
	}
}

// ListOptions controls filtering and pagination for ListExecutions.
type ListOptions struct {
	Status    Status
	ErrorType string
	Limit     int
	Offset    int
}

// Stats aggregates the journal.
type Stats struct {
	Total         int            `json:"total"`
	Failed        int            `json:"failed"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	ByErrorType   map[string]int `json:"by_error_type"`
}

// Store is the persistence interface for the execution journal.
type Store interface {
	sandbox.Recorder

	// GetExecution returns an entry by ID or ID prefix.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns entries ordered by started_at descending.
	ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error)

	// Stats summarizes every entry.
	Stats(ctx context.Context) (*Stats, error)

	// Prune deletes entries started before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
