// -----------------------------------------------------------------------
// Query API - Read-only projections over durable pipeline state
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Query serves read-only views of pipeline runs. It never mutates state.
type Query struct {
	registry *Registry
	storage  interfaces.PipelineStorage
	logger   arbor.ILogger
}

// NewQuery creates a query facade over the registry and storage.
func NewQuery(registry *Registry, storage interfaces.PipelineStorage, logger arbor.ILogger) *Query {
	return &Query{
		registry: registry,
		storage:  storage,
		logger:   logger,
	}
}

// GetStatus projects a run into its client-facing status: jobs grouped by
// declared stage, the name of the job at currentJobIndex, and for failed
// runs an error summary taken from the last record of the first errored job.
func (q *Query) GetStatus(ctx context.Context, pipelineID string) (*models.StatusResponse, error) {
	state, err := q.fetch(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	resp := &models.StatusResponse{
		PipelineID:   state.PipelineID,
		PipelineType: state.PipelineType,
		Status:       state.Status,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
	}

	if state.CurrentJobIndex >= 0 && state.CurrentJobIndex < len(state.Jobs) {
		resp.CurrentJob = state.Jobs[state.CurrentJobIndex].Name
	}

	// A record whose type is no longer registered cannot be projected.
	reg, err := q.registry.Lookup(state.PipelineType)
	if err != nil {
		return nil, err
	}
	resp.Stages = groupByStage(reg, state)

	if state.Status == models.PipelineStatusError {
		if job := state.FirstErroredJob(); job != nil && len(job.Errors) > 0 {
			last := job.Errors[len(job.Errors)-1]
			resp.Error = &models.ErrorSummary{
				Message: last.Message,
				JobName: job.Name,
			}
		}
	}
	return resp, nil
}

// groupByStage arranges job views by the registered stage layout. When the
// registered shape no longer matches the record (a rename between the run
// and the query), every job is presented as its own stage so the stale run
// stays readable until its next start invalidates it.
func groupByStage(reg *Registration, state *models.PipelineState) []models.StageStatusView {
	if reg.ConfigHash == state.ConfigHash {
		stages := make([]models.StageStatusView, len(reg.Stages))
		for s, idx := range reg.Stages {
			stages[s].StageIndex = s
			for _, i := range idx {
				stages[s].Jobs = append(stages[s].Jobs, jobView(&state.Jobs[i]))
			}
		}
		return stages
	}

	stages := make([]models.StageStatusView, len(state.Jobs))
	for i := range state.Jobs {
		stages[i] = models.StageStatusView{
			StageIndex: i,
			Jobs:       []models.JobStatusView{jobView(&state.Jobs[i])},
		}
	}
	return stages
}

func jobView(j *models.JobState) models.JobStatusView {
	return models.JobStatusView{
		Name:       j.Name,
		Status:     j.Status,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Errors:     j.Errors,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
	}
}

// GetResult returns the artifact of the named job, or of the last job when
// jobName is empty.
func (q *Query) GetResult(ctx context.Context, pipelineID, jobName string) (*models.ResultResponse, error) {
	state, err := q.fetch(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	var job *models.JobState
	if jobName == "" {
		job = &state.Jobs[len(state.Jobs)-1]
	} else {
		i := state.JobIndexByName(jobName)
		if i == -1 {
			return nil, fmt.Errorf("%w: %s in pipeline %s", models.ErrJobNotFound, jobName, pipelineID)
		}
		job = &state.Jobs[i]
	}

	resp := &models.ResultResponse{
		PipelineID: pipelineID,
		JobName:    job.Name,
		Status:     job.Status,
	}
	if job.Status == models.JobStatusDone {
		resp.Artifact = job.Artifact
	}
	return resp, nil
}

// GetPipeline returns the raw durable record, for debugging.
func (q *Query) GetPipeline(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	return q.fetch(ctx, pipelineID)
}

// GetJob returns the raw state of one named job, for debugging.
func (q *Query) GetJob(ctx context.Context, pipelineID, jobName string) (*models.JobState, error) {
	state, err := q.fetch(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	i := state.JobIndexByName(jobName)
	if i == -1 {
		return nil, fmt.Errorf("%w: %s in pipeline %s", models.ErrJobNotFound, jobName, pipelineID)
	}
	return &state.Jobs[i], nil
}

// List pages pipeline records newest-first, optionally filtered by type.
func (q *Query) List(ctx context.Context, opts models.ListOptions) (*models.PagedResult, error) {
	opts.Normalize()
	return q.storage.FindAll(ctx, opts)
}

func (q *Query) fetch(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	state, err := q.storage.FindByID(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pipeline %s: %w", pipelineID, err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: pipeline %s", models.ErrNotFound, pipelineID)
	}
	return state, nil
}
