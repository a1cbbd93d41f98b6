// -----------------------------------------------------------------------
// Response DTOs - Shapes returned by the engine, query API and HTTP adapter
// -----------------------------------------------------------------------

package models

import "time"

// StartResult is the immediate response of a pipeline start. IsNew is false
// when an existing record with the same pipeline ID and config hash stands.
type StartResult struct {
	PipelineID string `json:"pipelineId"`
	IsNew      bool   `json:"isNew"`
}

// RestartResult describes a restart-from-job dispatch.
type RestartResult struct {
	PipelineID   string `json:"pipelineId"`
	FromJobName  string `json:"fromJobName"`
	FromJobIndex int    `json:"fromJobIndex"`
	JobsToRerun  int    `json:"jobsToRerun"`
}

// JobStatusView is the per-job projection inside a status response.
type JobStatusView struct {
	Name       string        `json:"name"`
	Status     JobStatus     `json:"status"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Errors     []ErrorRecord `json:"errors,omitempty"`
	RetryCount int           `json:"retryCount"`
	MaxRetries int           `json:"maxRetries"`
}

// StageStatusView groups job views by their declared stage.
type StageStatusView struct {
	StageIndex int             `json:"stageIndex"`
	Jobs       []JobStatusView `json:"jobs"`
}

// ErrorSummary elevates the terminal failure of a run: the last error record
// of the first errored job.
type ErrorSummary struct {
	Message string `json:"message"`
	JobName string `json:"jobName"`
}

// StatusResponse is the client-facing projection of a pipeline run.
type StatusResponse struct {
	PipelineID   string           `json:"pipelineId"`
	PipelineType string           `json:"pipelineType"`
	Status       PipelineStatus   `json:"status"`
	CurrentJob   string           `json:"currentJob"`
	Stages       []StageStatusView `json:"stages"`
	Error        *ErrorSummary    `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// ResultResponse is the artifact lookup response for a single job. Artifact
// is absent until the job is done, and may be explicitly null for jobs that
// return no artifact.
type ResultResponse struct {
	PipelineID string    `json:"pipelineId"`
	JobName    string    `json:"jobName"`
	Status     JobStatus `json:"status"`
	Artifact   any       `json:"artifact,omitempty"`
}

// ListOptions selects a page of pipeline records, optionally filtered by
// pipeline type. Page is 1-based.
type ListOptions struct {
	Page         int
	Limit        int
	PipelineType string
}

// DefaultListLimit caps unspecified page sizes.
const DefaultListLimit = 20

// Normalize clamps page and limit to sane values.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = DefaultListLimit
	}
}

// PagedResult is a page of pipeline records, newest first.
type PagedResult struct {
	Items      []*PipelineState `json:"items"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	TotalPages int              `json:"totalPages"`
}

// ResetRequest is the partial-reset operation used by restart-from-job.
// JobOptions, when non-nil, replaces the pipeline's job options wholesale.
type ResetRequest struct {
	PipelineID      string
	ResetJobIndices []int
	JobOptions      map[string]any
}
