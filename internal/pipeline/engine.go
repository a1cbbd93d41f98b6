// -----------------------------------------------------------------------
// Execution Engine - Stage loop, fan-out, retries, durable transitions
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// Engine runs pipelines: it owns start semantics (memoization and
// invalidation-on-shape-change), the stage loop with intra-stage fan-out,
// synapse resolution, the per-job retry loop, and all durable state
// transitions. One Engine serves many concurrent pipeline runs; each run is
// an independent background goroutine.
type Engine struct {
	registry *Registry
	storage  interfaces.PipelineStorage
	logger   arbor.ILogger
}

// NewEngine creates an execution engine over the given registry and storage.
func NewEngine(registry *Registry, storage interfaces.PipelineStorage, logger arbor.ILogger) *Engine {
	return &Engine{
		registry: registry,
		storage:  storage,
		logger:   logger,
	}
}

// StartRequest carries the run input and optional per-job options keyed by
// job name.
type StartRequest struct {
	Data       any
	JobOptions map[string]any
}

// StartOptions tunes dispatch. OnExecutionStart receives the run's
// completion channel, which closes when the background execution finishes;
// serverless hosts use it to keep the process alive past response delivery.
type StartOptions struct {
	OnExecutionStart func(done <-chan error)
}

// StartPipeline starts (or memoizes) a run of a registered pipeline.
//
// The pipeline ID is content-addressed from the input. When a record with
// that ID already exists and its config hash matches the registered shape,
// the prior run stands and no execution is started. When the hash differs,
// the stale record is deleted and a fresh run begins. Execution happens in a
// background goroutine; the call returns immediately.
func (e *Engine) StartPipeline(ctx context.Context, pipelineType string, req StartRequest, opts *StartOptions) (*models.StartResult, error) {
	reg, err := e.registry.Lookup(pipelineType)
	if err != nil {
		return nil, err
	}

	pipelineID, err := PipelineID(reg.Config, req.Data)
	if err != nil {
		return nil, err
	}

	existing, err := e.storage.FindByID(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up pipeline %s: %w", pipelineID, err)
	}
	if existing != nil {
		if existing.ConfigHash == reg.ConfigHash {
			e.logger.Debug().
				Str("pipeline_id", pipelineID).
				Str("pipeline_type", pipelineType).
				Msg("Existing run with matching config hash stands")
			return &models.StartResult{PipelineID: pipelineID, IsNew: false}, nil
		}

		// Shape changed: the old run is no longer trustworthy.
		e.logger.Info().
			Str("pipeline_id", pipelineID).
			Str("old_hash", existing.ConfigHash).
			Str("new_hash", reg.ConfigHash).
			Msg("Pipeline shape changed - invalidating prior state")
		if _, err := e.storage.Delete(ctx, pipelineID); err != nil {
			return nil, fmt.Errorf("failed to invalidate pipeline %s: %w", pipelineID, err)
		}
	}

	state := models.NewPipelineState(pipelineID, pipelineType, req.Data, req.JobOptions, JobNames(reg.Flat), reg.ConfigHash)
	created, err := e.storage.Create(ctx, state)
	if errors.Is(err, models.ErrDuplicatePipelineID) {
		// Lost a race against a concurrent identical start. Re-read and
		// re-check the shape instead of propagating the collision.
		again, ferr := e.storage.FindByID(ctx, pipelineID)
		if ferr != nil {
			return nil, fmt.Errorf("failed to re-read pipeline %s after duplicate create: %w", pipelineID, ferr)
		}
		if again != nil && again.ConfigHash == reg.ConfigHash {
			return &models.StartResult{PipelineID: pipelineID, IsNew: false}, nil
		}
		if _, derr := e.storage.Delete(ctx, pipelineID); derr != nil {
			return nil, fmt.Errorf("failed to invalidate pipeline %s: %w", pipelineID, derr)
		}
		created, err = e.storage.Create(ctx, state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline %s: %w", pipelineID, err)
	}

	e.dispatch(ctx, reg, created, 0, opts)
	return &models.StartResult{PipelineID: pipelineID, IsNew: true}, nil
}

// dispatch launches a run in the background and hands the completion channel
// to the OnExecutionStart hook when one was supplied. The returned channel
// yields the run's fatal error, if any, then closes.
func (e *Engine) dispatch(ctx context.Context, reg *Registration, state *models.PipelineState, startFromStage int, opts *StartOptions) {
	done := make(chan error, 1)

	// The run must outlive the request that started it.
	execCtx := context.WithoutCancel(ctx)
	runID := uuid.New().String()

	common.SafeGo(e.logger, "pipeline-run", func() {
		err := e.run(execCtx, reg, state, startFromStage, runID)
		if err != nil {
			done <- err
		}
		close(done)
	})

	if opts != nil && opts.OnExecutionStart != nil {
		opts.OnExecutionStart(done)
	}
}

// stageOutcome is the join result of one executed job.
type stageOutcome struct {
	jobIndex int
	name     string
	artifact any
	failed   bool
	fatal    error // storage failure - aborts the run
}

// run executes the stage loop against a state snapshot taken at dispatch.
//
// Storage calls are individually atomic but not transactional across jobs: a
// crash mid-stage can leave some stage jobs persisted as processing and
// others as done. The watchdog reclaims the processing ones after the job
// timeout.
func (e *Engine) run(ctx context.Context, reg *Registration, state *models.PipelineState, startFromStage int, runID string) error {
	log := e.logger.WithCorrelationId(runID)
	pipelineID := state.PipelineID

	log.Info().
		Str("pipeline_id", pipelineID).
		Str("pipeline_type", state.PipelineType).
		Int("stages", len(reg.Stages)).
		Int("start_from_stage", startFromStage).
		Msg("Pipeline execution starting")

	artifacts := make(map[string]any)
	defaultInput := state.Input

	for s, stageIdx := range reg.Stages {
		// Restart skip: stages before the offset keep their durable
		// artifacts and feed them to downstream synapses.
		if s < startFromStage {
			for _, i := range stageIdx {
				if state.Jobs[i].Status == models.JobStatusDone {
					artifacts[state.Jobs[i].Name] = state.Jobs[i].Artifact
				}
			}
			if len(stageIdx) == 1 && state.Jobs[stageIdx[0]].Status == models.JobStatusDone {
				defaultInput = state.Jobs[stageIdx[0]].Artifact
			}
			continue
		}

		// Done filter: jobs already done (restart siblings) are not rerun.
		var toRun []int
		for _, i := range stageIdx {
			if state.Jobs[i].Status == models.JobStatusDone {
				artifacts[state.Jobs[i].Name] = state.Jobs[i].Artifact
			} else {
				toRun = append(toRun, i)
			}
		}
		if len(toRun) == 0 {
			if len(stageIdx) == 1 {
				defaultInput = state.Jobs[stageIdx[0]].Artifact
			}
			continue
		}

		// All processing transitions are persisted before any execute call.
		now := time.Now()
		for _, i := range toRun {
			if err := e.storage.UpdateJobStatus(ctx, pipelineID, i, models.JobStatusProcessing, &now); err != nil {
				log.Error().Err(err).Str("pipeline_id", pipelineID).Int("job_index", i).Msg("Failed to persist job transition - aborting run")
				return err
			}
		}

		log.Debug().
			Str("pipeline_id", pipelineID).
			Int("stage", s).
			Int("jobs", len(toRun)).
			Msg("Stage fan-out")

		// Fan out and join. The artifacts map is read-only while the stage
		// runs; results are merged after the join.
		synCtx := models.NewSynapseContext(state.Input, artifacts)
		outcomes := make([]stageOutcome, len(toRun))
		var wg sync.WaitGroup
		for n, i := range toRun {
			wg.Add(1)
			go func(n, i int) {
				defer wg.Done()
				outcomes[n] = e.executeJob(ctx, log, reg.Flat[i], state, i, synCtx, defaultInput)
			}(n, i)
		}
		wg.Wait()

		anyFailed := false
		for _, out := range outcomes {
			if out.fatal != nil {
				log.Error().Err(out.fatal).
					Str("pipeline_id", pipelineID).
					Str("job", out.name).
					Msg("Storage failure during job execution - aborting run")
				return out.fatal
			}
			if out.failed {
				anyFailed = true
			} else {
				artifacts[out.name] = out.artifact
			}
		}

		if anyFailed {
			if err := e.storage.UpdateStatus(ctx, pipelineID, models.PipelineStatusError); err != nil {
				return err
			}
			log.Warn().
				Str("pipeline_id", pipelineID).
				Int("stage", s).
				Msg("Stage failed - pipeline halted")
			return nil
		}

		// A single-job stage feeds the next stage's default input; wider
		// stages require synapses downstream.
		if len(stageIdx) == 1 {
			defaultInput = artifacts[state.Jobs[stageIdx[0]].Name]
		}
	}

	if err := e.storage.UpdateStatus(ctx, pipelineID, models.PipelineStatusDone); err != nil {
		return err
	}

	log.Info().
		Str("pipeline_id", pipelineID).
		Str("pipeline_type", state.PipelineType).
		Msg("Pipeline execution completed")
	return nil
}

// executeJob resolves the job's input, persists it, and drives the retry
// loop. The job's input, options and retry meter are persisted before the
// first execute call; its terminal state is persisted before returning.
func (e *Engine) executeJob(ctx context.Context, log arbor.ILogger, fj FlatJob, state *models.PipelineState, jobIndex int, synCtx *models.SynapseContext, defaultInput any) stageOutcome {
	ref := fj.Ref
	name := ref.Job.Name
	pipelineID := state.PipelineID
	out := stageOutcome{jobIndex: jobIndex, name: name}

	jobInput, synErr := resolveInput(ref, synCtx, defaultInput)
	if synErr != nil {
		// A panicking synapse is a terminal job failure on attempt 0.
		rec := errorRecord(synErr, 0)
		now := time.Now()
		if err := e.storage.AppendJobError(ctx, pipelineID, jobIndex, rec, true, &now); err != nil {
			out.fatal = err
			return out
		}
		out.failed = true
		return out
	}

	options := jobOptionsFor(state, name)
	if err := e.storage.UpdateJobInput(ctx, pipelineID, jobIndex, jobInput, options); err != nil {
		out.fatal = err
		return out
	}
	if ref.Retries > 0 {
		if err := e.storage.UpdateJobRetryCount(ctx, pipelineID, jobIndex, 0, ref.Retries); err != nil {
			out.fatal = err
			return out
		}
	}

	jobCtx := &models.JobContext{
		PipelineID: pipelineID,
		JobIndex:   jobIndex,
		Logger:     log,
	}

	for attempt := 0; attempt <= ref.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(ref.RetryDelay)
			if err := e.storage.UpdateJobRetryCount(ctx, pipelineID, jobIndex, attempt, ref.Retries); err != nil {
				out.fatal = err
				return out
			}
			// Back to processing without refreshing startedAt.
			if err := e.storage.UpdateJobStatus(ctx, pipelineID, jobIndex, models.JobStatusProcessing, nil); err != nil {
				out.fatal = err
				return out
			}
		}

		artifact, execErr := invokeExecute(ref.Job.Execute, jobInput, options, jobCtx)
		if execErr == nil {
			if err := e.storage.UpdateJobArtifact(ctx, pipelineID, jobIndex, artifact, time.Now()); err != nil {
				out.fatal = err
				return out
			}
			out.artifact = artifact
			return out
		}

		isFinal := attempt == ref.Retries
		rec := errorRecord(execErr, attempt)
		var finishedAt *time.Time
		if isFinal {
			now := time.Now()
			finishedAt = &now
		}
		if err := e.storage.AppendJobError(ctx, pipelineID, jobIndex, rec, isFinal, finishedAt); err != nil {
			out.fatal = err
			return out
		}

		log.Warn().
			Str("pipeline_id", pipelineID).
			Str("job", name).
			Int("attempt", attempt).
			Bool("final", isFinal).
			Str("error", execErr.Error()).
			Msg("Job attempt failed")

		if isFinal {
			out.failed = true
			return out
		}
	}

	// Unreachable: the loop always returns on success or final failure.
	out.failed = true
	return out
}

func jobOptionsFor(state *models.PipelineState, name string) any {
	if state.JobOptions == nil {
		return nil
	}
	opts, ok := state.JobOptions[name]
	if !ok {
		return nil
	}
	return opts
}

// resolveInput evaluates the synapse when present, converting a panic into
// an error; without a synapse the stage's default input flows through.
func resolveInput(ref models.JobRef, synCtx *models.SynapseContext, defaultInput any) (input any, err error) {
	if ref.Synapse == nil {
		return defaultInput, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: captureStack()}
		}
	}()
	return ref.Synapse(synCtx), nil
}

// invokeExecute calls the job function, converting a panic into an error so
// the retry loop treats it like any other failure.
func invokeExecute(execute models.ExecuteFunc, input, options any, jobCtx *models.JobContext) (artifact any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: captureStack()}
		}
	}()
	return execute(input, options, jobCtx)
}

// panicError carries a recovered panic value and its stack into the error
// record.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("%v", p.value)
}

func errorRecord(err error, attempt int) models.ErrorRecord {
	rec := models.ErrorRecord{
		Message: err.Error(),
		Attempt: attempt,
	}
	var pe *panicError
	if errors.As(err, &pe) {
		rec.Stack = pe.stack
	}
	return rec
}

func captureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
