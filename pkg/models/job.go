package models

import (
	"time"
)

// JobStatus represents the status of a single config execution within a batch
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal returns true once a config has either succeeded or exhausted its retries
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobConfig describes one unit of work. The payload is handed to the
// generation client untouched.
type JobConfig struct {
	ID      string                 `json:"id" yaml:"id" validate:"required"`
	Name    string                 `json:"name" yaml:"name"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// JobResult is the outcome of the latest execution of a config
type JobResult struct {
	ConfigID   string                 `json:"config_id" validate:"required"`
	ConfigName string                 `json:"config_name"`
	Status     JobStatus              `json:"status" validate:"required,oneof=pending processing completed failed"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Attempts   int                    `json:"attempts,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// JobError records a config that failed after all retry attempts
type JobError struct {
	ConfigID   string    `json:"config_id" validate:"required"`
	ConfigName string    `json:"config_name"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	Retryable  bool      `json:"retryable"`
}

func copyPayload(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
