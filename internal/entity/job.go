package entity

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotProcessing = errors.New("job is not processing")
	ErrNotFailed     = errors.New("job is not failed")
	ErrNotCompleted  = errors.New("job is not completed")
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one end-to-end invocation of the persona pipeline. Output is set only
// when Status is completed and ErrorMessage only when Status is failed.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"user_id"`
	Status          JobStatus       `json:"status"`
	Attempt         int             `json:"attempt"`
	Input           json.RawMessage `json:"input"`
	Output          json.RawMessage `json:"output,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	QualityScore    *int            `json:"quality_score,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// JobWithLogs is the read model returned by status queries.
type JobWithLogs struct {
	Job
	Logs []StageLog `json:"logs"`
}

// JobCompletion is everything written when a job finishes successfully.
// Attempt must still be the job's current attempt. Persona and Room are nil
// for dry runs.
type JobCompletion struct {
	Attempt         int
	Output          json.RawMessage
	QualityScore    int
	ExecutionTimeMs int64
	CompletedAt     time.Time
	Persona         *Persona
	Room            *Room
}

type JobSort string

const (
	SortCreatedAt    JobSort = "created_at"
	SortCompletedAt  JobSort = "completed_at"
	SortQualityScore JobSort = "quality_score"
)

const (
	DefaultJobLimit = 20
	MaxJobLimit     = 100
)

type JobFilter struct {
	Status         *JobStatus
	Limit          int
	Offset         int
	SortBy         JobSort
	SortDescending bool
}

// Normalize clamps paging values and replaces an unknown sort column with created_at.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultJobLimit
	}
	if f.Limit > MaxJobLimit {
		f.Limit = MaxJobLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	switch f.SortBy {
	case SortCreatedAt, SortCompletedAt, SortQualityScore:
	default:
		f.SortBy = SortCreatedAt
	}
	return f
}
