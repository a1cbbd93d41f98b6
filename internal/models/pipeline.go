// -----------------------------------------------------------------------
// Pipeline Configuration - Declarative pipeline, stage and job definitions
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
)

// DefaultRetryDelay is applied to job references that configure retries
// without an explicit delay.
const DefaultRetryDelay = 1000 * time.Millisecond

// ExecuteFunc is the work function of a job. The engine treats it as a black
// box: it receives the resolved input and the per-job options, and returns an
// artifact (which may be nil) or an error. A panic inside ExecuteFunc is
// captured by the engine and recorded as a job failure.
type ExecuteFunc func(input any, options any, jobCtx *JobContext) (any, error)

// Synapse computes a job's input from a read-only view of the pipeline run.
// Synapses may only observe artifacts of jobs in strictly earlier stages.
type Synapse func(ctx *SynapseContext) any

// JobDefinition is a named unit of work within a pipeline.
type JobDefinition struct {
	Name    string
	Execute ExecuteFunc
}

// JobRef bundles a job definition with its wiring: an optional synapse that
// computes the job input, and the retry policy.
type JobRef struct {
	Job        *JobDefinition
	Synapse    Synapse
	Retries    int           // number of retries after the first attempt (default 0)
	RetryDelay time.Duration // back-off between attempts (default DefaultRetryDelay)
}

// Stage is a set of job references that execute concurrently and join before
// the next stage starts.
type Stage struct {
	Jobs []JobRef
}

// NewStage creates a stage from one or more job references.
func NewStage(refs ...JobRef) Stage {
	return Stage{Jobs: refs}
}

// SingleStage creates a one-job stage from a bare job definition with no
// synapse and no retries.
func SingleStage(def *JobDefinition) Stage {
	return Stage{Jobs: []JobRef{{Job: def}}}
}

// Ref wraps a bare job definition in a job reference with no synapse.
func Ref(def *JobDefinition) JobRef {
	return JobRef{Job: def}
}

// PipelineConfig is the immutable, in-process description of a pipeline.
type PipelineConfig struct {
	// Name is the unique pipeline type tag used for registry lookup.
	Name string

	// Stages is the ordered sequence of stages.
	Stages []Stage

	// ComputeInputHash optionally overrides the content-addressed pipeline
	// ID derivation. It must be a pure function of the input.
	ComputeInputHash func(input any) string
}

// Validate checks the configuration for structural errors: missing names,
// empty stages, nil execute functions and duplicate job names.
func (c *PipelineConfig) Validate() error {
	if c.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("pipeline %s must have at least one stage", c.Name)
	}

	seen := make(map[string]bool)
	for si, stage := range c.Stages {
		if len(stage.Jobs) == 0 {
			return fmt.Errorf("pipeline %s stage %d has no jobs", c.Name, si)
		}
		for ji, ref := range stage.Jobs {
			if ref.Job == nil {
				return fmt.Errorf("pipeline %s stage %d job %d has no definition", c.Name, si, ji)
			}
			if ref.Job.Name == "" {
				return fmt.Errorf("pipeline %s stage %d job %d has no name", c.Name, si, ji)
			}
			if ref.Job.Execute == nil {
				return fmt.Errorf("pipeline %s job %s has no execute function", c.Name, ref.Job.Name)
			}
			if ref.Retries < 0 {
				return fmt.Errorf("pipeline %s job %s has negative retries", c.Name, ref.Job.Name)
			}
			if seen[ref.Job.Name] {
				return fmt.Errorf("pipeline %s has duplicate job name %s", c.Name, ref.Job.Name)
			}
			seen[ref.Job.Name] = true
		}
	}
	return nil
}

// JobContext is passed to every ExecuteFunc invocation. Jobs have no access
// to other jobs' artifacts or the pipeline input; those are brokered by
// synapses so job code stays a pure transform of (input, options).
type JobContext struct {
	PipelineID string
	JobIndex   int
	Logger     arbor.ILogger
}

// SynapseContext is the read-only view a synapse receives: the original run
// input plus lookup over artifacts already produced in this execution.
type SynapseContext struct {
	pipelineInput any
	artifacts     map[string]any
}

// NewSynapseContext builds a synapse context over the given artifacts map.
// The map is shared, not copied; the engine guarantees it is not mutated
// while synapses run.
func NewSynapseContext(pipelineInput any, artifacts map[string]any) *SynapseContext {
	return &SynapseContext{pipelineInput: pipelineInput, artifacts: artifacts}
}

// PipelineInput returns the original input the run was started with.
func (c *SynapseContext) PipelineInput() any {
	return c.pipelineInput
}

// GetArtifact returns the artifact of a previously completed job, or nil if
// the job has not produced one in this execution.
func (c *SynapseContext) GetArtifact(jobName string) any {
	return c.artifacts[jobName]
}

// HasArtifact reports whether an artifact exists for the named job. Useful
// when a legitimate artifact value is nil.
func (c *SynapseContext) HasArtifact(jobName string) bool {
	_, ok := c.artifacts[jobName]
	return ok
}
