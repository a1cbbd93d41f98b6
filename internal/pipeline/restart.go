// -----------------------------------------------------------------------
// Restart Coordinator - Partial reruns from a named job
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/cursus/internal/models"
)

// RestartRequest names the job to rerun from and optionally replaces the
// run's job options wholesale.
type RestartRequest struct {
	FromJobName string
	JobOptions  map[string]any
}

// RestartPipelineFromJob reruns a non-processing pipeline from the named
// job. The reset set is the named job, every job in later stages, and the
// non-done jobs sharing its stage; done siblings keep their artifacts and
// are not rerun. Execution resumes in the background from the named job's
// stage.
func (e *Engine) RestartPipelineFromJob(ctx context.Context, pipelineID string, req RestartRequest, opts *StartOptions) (*models.RestartResult, error) {
	state, err := e.storage.FindByID(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pipeline %s: %w", pipelineID, err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: pipeline %s", models.ErrNotFound, pipelineID)
	}
	if state.Status == models.PipelineStatusProcessing {
		return nil, fmt.Errorf("%w: pipeline %s is still processing", models.ErrInvalidState, pipelineID)
	}

	reg, err := e.registry.Lookup(state.PipelineType)
	if err != nil {
		return nil, err
	}
	if reg.ConfigHash != state.ConfigHash {
		return nil, fmt.Errorf("%w: pipeline %s was recorded against a different job list", models.ErrInvalidState, pipelineID)
	}

	fromIndex := state.JobIndexByName(req.FromJobName)
	if fromIndex == -1 {
		return nil, fmt.Errorf("%w: %s in pipeline %s", models.ErrJobNotFound, req.FromJobName, pipelineID)
	}
	fromStage := reg.Flat[fromIndex].StageIndex

	var resetIndices []int
	for i, fj := range reg.Flat {
		switch {
		case i == fromIndex:
			resetIndices = append(resetIndices, i)
		case fj.StageIndex > fromStage:
			resetIndices = append(resetIndices, i)
		case fj.StageIndex == fromStage && state.Jobs[i].Status != models.JobStatusDone:
			resetIndices = append(resetIndices, i)
		}
	}

	if err := e.storage.ResetJobs(ctx, models.ResetRequest{
		PipelineID:      pipelineID,
		ResetJobIndices: resetIndices,
		JobOptions:      req.JobOptions,
	}); err != nil {
		return nil, fmt.Errorf("failed to reset pipeline %s: %w", pipelineID, err)
	}

	fresh, err := e.storage.FindByID(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read pipeline %s: %w", pipelineID, err)
	}
	if fresh == nil {
		return nil, fmt.Errorf("%w: pipeline %s vanished during reset", models.ErrNotFound, pipelineID)
	}

	e.logger.Info().
		Str("pipeline_id", pipelineID).
		Str("from_job", req.FromJobName).
		Int("from_stage", fromStage).
		Int("jobs_to_rerun", len(resetIndices)).
		Msg("Restarting pipeline from job")

	e.dispatch(ctx, reg, fresh, fromStage, opts)

	return &models.RestartResult{
		PipelineID:   pipelineID,
		FromJobName:  req.FromJobName,
		FromJobIndex: fromIndex,
		JobsToRerun:  len(resetIndices),
	}, nil
}
