// -----------------------------------------------------------------------
// Storage Contract - Capability interface over durable pipeline state
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/cursus/internal/models"
)

// PipelineStorage is the persistence contract of the engine. Every operation
// is atomic at the granularity of a single call; the engine never wraps
// multiple calls in a transaction. Implementations stamp UpdatedAt on every
// mutation and CreatedAt/UpdatedAt on create.
type PipelineStorage interface {
	// FindByID returns the whole record, or (nil, nil) when absent.
	FindByID(ctx context.Context, id string) (*models.PipelineState, error)

	// FindAll lists records newest-first with pagination, optionally
	// filtered by pipeline type.
	FindAll(ctx context.Context, opts models.ListOptions) (*models.PagedResult, error)

	// Create inserts a new record. Returns models.ErrDuplicatePipelineID
	// when a record with the same pipeline ID already exists.
	Create(ctx context.Context, state *models.PipelineState) (*models.PipelineState, error)

	// Delete removes a record, reporting whether one existed.
	Delete(ctx context.Context, id string) (bool, error)

	// UpdateStatus sets the pipeline status.
	UpdateStatus(ctx context.Context, id string, status models.PipelineStatus) error

	// UpdateJobStatus transitions one job and moves currentJobIndex to it.
	// A non-nil startedAt stamps the job's first attempt of this run.
	UpdateJobStatus(ctx context.Context, id string, jobIndex int, status models.JobStatus, startedAt *time.Time) error

	// UpdateJobArtifact records a successful terminal attempt: status done,
	// artifact and finishedAt.
	UpdateJobArtifact(ctx context.Context, id string, jobIndex int, artifact any, finishedAt time.Time) error

	// AppendJobError appends to the job's error audit trail. When isFinal,
	// the job simultaneously transitions to error with finishedAt set.
	AppendJobError(ctx context.Context, id string, jobIndex int, rec models.ErrorRecord, isFinal bool, finishedAt *time.Time) error

	// UpdateCurrentJobIndex moves the pipeline's job pointer only.
	UpdateCurrentJobIndex(ctx context.Context, id string, jobIndex int) error

	// UpdateJobInput captures the resolved input (and options, when
	// non-nil) ahead of the first execute call.
	UpdateJobInput(ctx context.Context, id string, jobIndex int, input any, options any) error

	// UpdateJobRetryCount updates the retry meter.
	UpdateJobRetryCount(ctx context.Context, id string, jobIndex int, retryCount, maxRetries int) error

	// FindAndTimeoutStaleJobs reclaims jobs recorded as processing whose
	// startedAt is older than the timeout, within pipelines still marked
	// processing. Each matched job transitions to error with a synthetic
	// timeout error record, and its pipeline to error. Returns the number
	// of jobs reclaimed.
	FindAndTimeoutStaleJobs(ctx context.Context, jobTimeout time.Duration) (int, error)

	// ResetJobs performs the partial reset used by restart-from-job:
	// every indicated job back to pending with artifact, errors,
	// timestamps and retry counters cleared; the pipeline back to
	// processing with currentJobIndex at the smallest reset index; job
	// options replaced wholesale when provided.
	ResetJobs(ctx context.Context, req models.ResetRequest) error

	// Close releases the backend.
	Close() error
}
