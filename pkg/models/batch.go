package models

import (
	"time"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusFailed     BatchStatus = "failed"
)

// BatchOptions carries orchestration knobs that the scheduler never inspects
type BatchOptions struct {
	AutoExport   bool            `json:"auto_export,omitempty" yaml:"auto_export,omitempty"`
	ExportBankID string          `json:"export_bank_id,omitempty" yaml:"export_bank_id,omitempty"`
	Tags         []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	Features     map[string]bool `json:"features,omitempty" yaml:"features,omitempty"`
}

// BatchProgress tracks how far a batch has come.
// Current always equals the number of results in a terminal state.
type BatchProgress struct {
	Current       int        `json:"current" validate:"gte=0"`
	Total         int        `json:"total" validate:"gte=0"`
	CurrentConfig string     `json:"current_config,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// Batch is a user-initiated set of configs executed together
type Batch struct {
	ID               string            `json:"id" validate:"required"`
	Name             string            `json:"name"`
	Configs          []JobConfig       `json:"configs" validate:"required,min=1,dive"`
	Options          BatchOptions      `json:"options"`
	Status           BatchStatus       `json:"status" validate:"required,oneof=pending processing completed cancelled failed"`
	Progress         BatchProgress     `json:"progress"`
	Results          []JobResult       `json:"results" validate:"dive"`
	Errors           []JobError        `json:"errors" validate:"dive"`
	CreatedAt        time.Time         `json:"created_at" validate:"required"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks batch state changes with timestamps
type StateTransition struct {
	From      BatchStatus `json:"from"`
	To        BatchStatus `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
}

// Clone returns a deep copy of the batch. Stores hand out clones so callers
// never share mutable slices with the persisted record.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	c := *b

	c.Configs = make([]JobConfig, len(b.Configs))
	for i, cfg := range b.Configs {
		cfg.Payload = copyPayload(cfg.Payload)
		c.Configs[i] = cfg
	}

	c.Options.Tags = append([]string(nil), b.Options.Tags...)
	if b.Options.Features != nil {
		c.Options.Features = make(map[string]bool, len(b.Options.Features))
		for k, v := range b.Options.Features {
			c.Options.Features[k] = v
		}
	}

	if b.Progress.StartedAt != nil {
		t := *b.Progress.StartedAt
		c.Progress.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}

	c.Results = make([]JobResult, len(b.Results))
	for i, r := range b.Results {
		r.Result = copyPayload(r.Result)
		c.Results[i] = r
	}
	c.Errors = append(make([]JobError, 0, len(b.Errors)), b.Errors...)
	c.StateTransitions = append([]StateTransition(nil), b.StateTransitions...)
	return &c
}

// Config returns the config with the given ID
func (b *Batch) Config(id string) (JobConfig, bool) {
	for _, cfg := range b.Configs {
		if cfg.ID == id {
			return cfg, true
		}
	}
	return JobConfig{}, false
}

// Result returns the current result for a config
func (b *Batch) Result(configID string) (JobResult, bool) {
	for _, r := range b.Results {
		if r.ConfigID == configID {
			return r, true
		}
	}
	return JobResult{}, false
}

// SetResult stores r as the only result for its config. A terminal result is
// always moved to the end, so settled configs appear in completion order; an
// in-progress result replaces an existing entry in place.
func (b *Batch) SetResult(r JobResult) {
	for i := range b.Results {
		if b.Results[i].ConfigID != r.ConfigID {
			continue
		}
		if !r.Status.IsTerminal() {
			b.Results[i] = r
			return
		}
		b.Results = append(b.Results[:i:i], b.Results[i+1:]...)
		break
	}
	b.Results = append(b.Results, r)
}

// AddError appends a terminal failure, replacing any earlier error for the same config
func (b *Batch) AddError(e JobError) {
	b.ClearErrors(e.ConfigID)
	b.Errors = append(b.Errors, e)
}

// ClearErrors drops every error recorded for the given configs
func (b *Batch) ClearErrors(configIDs ...string) {
	if len(configIDs) == 0 || len(b.Errors) == 0 {
		return
	}
	drop := make(map[string]bool, len(configIDs))
	for _, id := range configIDs {
		drop[id] = true
	}
	kept := b.Errors[:0:0]
	for _, e := range b.Errors {
		if !drop[e.ConfigID] {
			kept = append(kept, e)
		}
	}
	b.Errors = kept
}

// RemoveResults drops the results of the given configs
func (b *Batch) RemoveResults(configIDs ...string) {
	drop := make(map[string]bool, len(configIDs))
	for _, id := range configIDs {
		drop[id] = true
	}
	kept := b.Results[:0:0]
	for _, r := range b.Results {
		if !drop[r.ConfigID] {
			kept = append(kept, r)
		}
	}
	b.Results = kept
}

// FailedConfigs returns the configs whose latest result failed, in config order
func (b *Batch) FailedConfigs() []JobConfig {
	failed := make(map[string]bool)
	for _, r := range b.Results {
		if r.Status == JobStatusFailed {
			failed[r.ConfigID] = true
		}
	}
	out := make([]JobConfig, 0, len(failed))
	for _, cfg := range b.Configs {
		if failed[cfg.ID] {
			out = append(out, cfg)
		}
	}
	return out
}

// CompletedResults returns the successful results
func (b *Batch) CompletedResults() []JobResult {
	out := make([]JobResult, 0, len(b.Results))
	for _, r := range b.Results {
		if r.Status == JobStatusCompleted {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of completed and failed results
func (b *Batch) Counts() (succeeded, failed int) {
	for _, r := range b.Results {
		switch r.Status {
		case JobStatusCompleted:
			succeeded++
		case JobStatusFailed:
			failed++
		}
	}
	return succeeded, failed
}

// RecomputeProgress resets Progress.Current from the results
func (b *Batch) RecomputeProgress() {
	succeeded, failed := b.Counts()
	b.Progress.Current = succeeded + failed
	b.Progress.Total = len(b.Configs)
}

// FinalStatus derives the terminal status of a run that was not cancelled.
// Any success makes the batch completed; failures stay visible via Errors.
func (b *Batch) FinalStatus() BatchStatus {
	succeeded, failed := b.Counts()
	if failed == 0 || succeeded > 0 {
		return BatchStatusCompleted
	}
	return BatchStatusFailed
}

// IsPartialSuccess reports a completed batch that still carries errors
func (b *Batch) IsPartialSuccess() bool {
	return b.Status == BatchStatusCompleted && len(b.Errors) > 0
}
