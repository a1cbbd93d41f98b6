// -----------------------------------------------------------------------
// Pipeline State - Durable execution state, one record per pipeline ID
// -----------------------------------------------------------------------

package models

import "time"

// PipelineStatus is the overall status of a pipeline run.
type PipelineStatus string

const (
	PipelineStatusProcessing PipelineStatus = "processing"
	PipelineStatusDone       PipelineStatus = "done"
	PipelineStatusError      PipelineStatus = "error"
)

// JobStatus is the status of a single job within a run.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusError      JobStatus = "error"
)

// ErrorRecord is one failed attempt in a job's durable audit trail.
type ErrorRecord struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Attempt int    `json:"attempt"`
	Logs    any    `json:"logs,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// JobState is the durable state of one normalized job.
type JobState struct {
	Name       string        `json:"name"`
	Status     JobStatus     `json:"status"`
	Input      any           `json:"input,omitempty"`
	Options    any           `json:"options,omitempty"`
	Artifact   any           `json:"artifact,omitempty"`
	Errors     []ErrorRecord `json:"errors"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	RetryCount int           `json:"retryCount"`
	MaxRetries int           `json:"maxRetries"`
}

// IsTerminal returns true when the job will not transition again without a
// reset.
func (j *JobState) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusError
}

// Reset returns the job to its pre-run state, keeping only its name.
func (j *JobState) Reset() {
	j.Status = JobStatusPending
	j.Input = nil
	j.Options = nil
	j.Artifact = nil
	j.Errors = []ErrorRecord{}
	j.StartedAt = nil
	j.FinishedAt = nil
	j.RetryCount = 0
	j.MaxRetries = 0
}

// PipelineState is the single durable record of a pipeline run, keyed by the
// content-addressed pipeline ID. It is mutated only through the storage
// contract, one targeted mutation per call.
type PipelineState struct {
	PipelineID      string         `json:"pipelineId" badgerhold:"key"`
	PipelineType    string         `json:"pipelineType" badgerhold:"index"`
	Status          PipelineStatus `json:"status"`
	CurrentJobIndex int            `json:"currentJobIndex"`
	Input           any            `json:"input,omitempty"`
	JobOptions      map[string]any `json:"jobOptions,omitempty"`
	Jobs            []JobState     `json:"jobs"`
	ConfigHash      string         `json:"configHash"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// NewPipelineState creates a fresh processing record with one pending job per
// normalized job name. Timestamps are stamped by storage on create.
func NewPipelineState(pipelineID, pipelineType string, input any, jobOptions map[string]any, jobNames []string, configHash string) *PipelineState {
	jobs := make([]JobState, len(jobNames))
	for i, name := range jobNames {
		jobs[i] = JobState{
			Name:   name,
			Status: JobStatusPending,
			Errors: []ErrorRecord{},
		}
	}
	return &PipelineState{
		PipelineID:      pipelineID,
		PipelineType:    pipelineType,
		Status:          PipelineStatusProcessing,
		CurrentJobIndex: 0,
		Input:           input,
		JobOptions:      jobOptions,
		Jobs:            jobs,
		ConfigHash:      configHash,
	}
}

// JobIndexByName returns the flat index of the named job, or -1.
func (p *PipelineState) JobIndexByName(name string) int {
	for i := range p.Jobs {
		if p.Jobs[i].Name == name {
			return i
		}
	}
	return -1
}

// FirstErroredJob returns the first job whose status is error, or nil.
func (p *PipelineState) FirstErroredJob() *JobState {
	for i := range p.Jobs {
		if p.Jobs[i].Status == JobStatusError {
			return &p.Jobs[i]
		}
	}
	return nil
}

// IsTerminal returns true when the pipeline is done or failed.
func (p *PipelineState) IsTerminal() bool {
	return p.Status == PipelineStatusDone || p.Status == PipelineStatusError
}
