package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobDead      JobStatus = "dead" // attempts exhausted, kept for inspection
)

// JobRecord represents a job row in the durable queue
type JobRecord struct {
	ID          string          `json:"id" db:"id"`
	Queue       string          `json:"queue" db:"queue"`
	Kind        string          `json:"kind" db:"kind"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Priority    int             `json:"priority" db:"priority"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"maxAttempts" db:"max_attempts"`
	Status      JobStatus       `json:"status" db:"status"`
	RunAt       time.Time       `json:"runAt" db:"run_at"`
	LastError   *string         `json:"lastError,omitempty" db:"last_error"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}
