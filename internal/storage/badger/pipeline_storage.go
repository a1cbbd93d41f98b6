// -----------------------------------------------------------------------
// Badger Pipeline Storage - Durable document-store backend
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PipelineStorage implements the pipeline storage contract over badgerhold.
// Targeted mutations are read-modify-write cycles; the mutex serializes them
// so two concurrent job updates on the same record cannot lose each other's
// writes.
type PipelineStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewPipelineStorage creates a pipeline store over an open connection.
func NewPipelineStorage(db *BadgerDB, logger arbor.ILogger) *PipelineStorage {
	return &PipelineStorage{
		db:     db,
		logger: logger,
	}
}

var _ interfaces.PipelineStorage = (*PipelineStorage)(nil)

// FindByID returns the record, or (nil, nil) when absent.
func (s *PipelineStorage) FindByID(ctx context.Context, id string) (*models.PipelineState, error) {
	var state models.PipelineState
	if err := s.db.Store().Get(id, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return &state, nil
}

// FindAll lists records newest-first with pagination.
func (s *PipelineStorage) FindAll(ctx context.Context, opts models.ListOptions) (*models.PagedResult, error) {
	opts.Normalize()

	filter := badgerhold.Where("PipelineID").Ne("")
	if opts.PipelineType != "" {
		filter = badgerhold.Where("PipelineType").Eq(opts.PipelineType)
	}

	count, err := s.db.Store().Count(&models.PipelineState{}, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count pipelines: %w", err)
	}
	total := int(count)

	query := filter.SortBy("CreatedAt").Reverse().
		Skip((opts.Page - 1) * opts.Limit).
		Limit(opts.Limit)

	var states []models.PipelineState
	if err := s.db.Store().Find(&states, query); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	items := make([]*models.PipelineState, len(states))
	for i := range states {
		items[i] = &states[i]
	}

	return &models.PagedResult{
		Items:      items,
		Total:      total,
		Page:       opts.Page,
		Limit:      opts.Limit,
		TotalPages: (total + opts.Limit - 1) / opts.Limit,
	}, nil
}

// Create inserts a new record, stamping CreatedAt/UpdatedAt.
func (s *PipelineStorage) Create(ctx context.Context, state *models.PipelineState) (*models.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	state.CreatedAt = now
	state.UpdatedAt = now

	if err := s.db.Store().Insert(state.PipelineID, state); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicatePipelineID, state.PipelineID)
		}
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return state, nil
}

// Delete removes a record, reporting whether one existed.
func (s *PipelineStorage) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(id, &models.PipelineState{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return true, nil
}

// mutate applies fn to the stored record inside the serialized
// read-modify-write cycle.
func (s *PipelineStorage) mutate(id string, fn func(state *models.PipelineState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state models.PipelineState
	if err := s.db.Store().Get(id, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: pipeline %s", models.ErrNotFound, id)
		}
		return fmt.Errorf("failed to get pipeline: %w", err)
	}

	if err := fn(&state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()

	if err := s.db.Store().Update(id, &state); err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	return nil
}

func checkJobIndex(state *models.PipelineState, jobIndex int) error {
	if jobIndex < 0 || jobIndex >= len(state.Jobs) {
		return fmt.Errorf("%w: job index %d out of range for pipeline %s", models.ErrJobNotFound, jobIndex, state.PipelineID)
	}
	return nil
}

// UpdateStatus sets the pipeline status.
func (s *PipelineStorage) UpdateStatus(ctx context.Context, id string, status models.PipelineStatus) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		state.Status = status
		return nil
	})
}

// UpdateJobStatus transitions one job and moves currentJobIndex to it.
func (s *PipelineStorage) UpdateJobStatus(ctx context.Context, id string, jobIndex int, status models.JobStatus, startedAt *time.Time) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		state.Jobs[jobIndex].Status = status
		if startedAt != nil {
			state.Jobs[jobIndex].StartedAt = startedAt
		}
		state.CurrentJobIndex = jobIndex
		return nil
	})
}

// UpdateJobArtifact records a successful terminal attempt.
func (s *PipelineStorage) UpdateJobArtifact(ctx context.Context, id string, jobIndex int, artifact any, finishedAt time.Time) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		job := &state.Jobs[jobIndex]
		job.Status = models.JobStatusDone
		job.Artifact = artifact
		job.FinishedAt = &finishedAt
		return nil
	})
}

// AppendJobError appends to the job's error trail, transitioning the job to
// error when the attempt was final.
func (s *PipelineStorage) AppendJobError(ctx context.Context, id string, jobIndex int, rec models.ErrorRecord, isFinal bool, finishedAt *time.Time) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		job := &state.Jobs[jobIndex]
		job.Errors = append(job.Errors, rec)
		if isFinal {
			job.Status = models.JobStatusError
			if finishedAt != nil {
				job.FinishedAt = finishedAt
			}
		}
		return nil
	})
}

// UpdateCurrentJobIndex moves the pipeline's job pointer.
func (s *PipelineStorage) UpdateCurrentJobIndex(ctx context.Context, id string, jobIndex int) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		state.CurrentJobIndex = jobIndex
		return nil
	})
}

// UpdateJobInput captures the resolved input and options ahead of execution.
func (s *PipelineStorage) UpdateJobInput(ctx context.Context, id string, jobIndex int, input any, options any) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		state.Jobs[jobIndex].Input = input
		if options != nil {
			state.Jobs[jobIndex].Options = options
		}
		return nil
	})
}

// UpdateJobRetryCount updates the retry meter.
func (s *PipelineStorage) UpdateJobRetryCount(ctx context.Context, id string, jobIndex int, retryCount, maxRetries int) error {
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		state.Jobs[jobIndex].RetryCount = retryCount
		state.Jobs[jobIndex].MaxRetries = maxRetries
		return nil
	})
}

// FindAndTimeoutStaleJobs reclaims processing jobs whose startedAt predates
// the timeout, within pipelines still marked processing.
func (s *PipelineStorage) FindAndTimeoutStaleJobs(ctx context.Context, jobTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.PipelineState
	if err := s.db.Store().Find(&candidates, badgerhold.Where("Status").Eq(models.PipelineStatusProcessing)); err != nil {
		return 0, fmt.Errorf("failed to find processing pipelines: %w", err)
	}

	cutoff := time.Now().Add(-jobTimeout)
	reclaimed := 0

	for i := range candidates {
		state := &candidates[i]
		hit := false
		for j := range state.Jobs {
			job := &state.Jobs[j]
			if job.Status != models.JobStatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
				continue
			}
			now := time.Now()
			job.Status = models.JobStatusError
			job.FinishedAt = &now
			job.Errors = append(job.Errors, models.ErrorRecord{
				Message: fmt.Sprintf("job timed out after %s with no status update", jobTimeout),
				Attempt: job.RetryCount,
			})
			reclaimed++
			hit = true
		}
		if hit {
			state.Status = models.PipelineStatusError
			state.UpdatedAt = time.Now()
			if err := s.db.Store().Update(state.PipelineID, state); err != nil {
				return reclaimed, fmt.Errorf("failed to persist reclaimed pipeline %s: %w", state.PipelineID, err)
			}
		}
	}
	return reclaimed, nil
}

// ResetJobs performs the partial reset used by restart-from-job.
func (s *PipelineStorage) ResetJobs(ctx context.Context, req models.ResetRequest) error {
	return s.mutate(req.PipelineID, func(state *models.PipelineState) error {
		minIndex := -1
		for _, i := range req.ResetJobIndices {
			if err := checkJobIndex(state, i); err != nil {
				return err
			}
			state.Jobs[i].Reset()
			if minIndex == -1 || i < minIndex {
				minIndex = i
			}
		}
		state.Status = models.PipelineStatusProcessing
		if minIndex >= 0 {
			state.CurrentJobIndex = minIndex
		}
		if req.JobOptions != nil {
			state.JobOptions = req.JobOptions
		}
		return nil
	})
}

// Close closes the underlying connection.
func (s *PipelineStorage) Close() error {
	return s.db.Close()
}
