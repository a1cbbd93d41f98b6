// -----------------------------------------------------------------------
// Memory Pipeline Storage - Mutex-guarded map backend for tests and dev
// -----------------------------------------------------------------------

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
)

// PipelineStorage is the in-memory storage backend. Records pass through a
// JSON round-trip on every read and write so stored payloads have the same
// shape (maps, float64 numbers) they would have in a document store, and so
// callers never share memory with the store.
type PipelineStorage struct {
	mu        sync.RWMutex
	pipelines map[string]*models.PipelineState
	logger    arbor.ILogger
}

// NewPipelineStorage creates an empty in-memory store.
func NewPipelineStorage(logger arbor.ILogger) *PipelineStorage {
	return &PipelineStorage{
		pipelines: make(map[string]*models.PipelineState),
		logger:    logger,
	}
}

var _ interfaces.PipelineStorage = (*PipelineStorage)(nil)

func clone(state *models.PipelineState) (*models.PipelineState, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline state: %w", err)
	}
	var out models.PipelineState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline state: %w", err)
	}
	return &out, nil
}

// FindByID returns a copy of the record, or (nil, nil) when absent. The
// clone happens under the lock: a concurrent mutation must never overlap
// the encode of the live record.
func (s *PipelineStorage) FindByID(ctx context.Context, id string) (*models.PipelineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.pipelines[id]
	if !ok {
		return nil, nil
	}
	return clone(state)
}

// FindAll lists records newest-first with pagination.
func (s *PipelineStorage) FindAll(ctx context.Context, opts models.ListOptions) (*models.PagedResult, error) {
	opts.Normalize()

	// Records are cloned before the lock is released; sorting and paging
	// then work on private copies.
	s.mu.RLock()
	matched := make([]*models.PipelineState, 0, len(s.pipelines))
	for _, state := range s.pipelines {
		if opts.PipelineType != "" && state.PipelineType != opts.PipelineType {
			continue
		}
		c, err := clone(state)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		matched = append(matched, c)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (opts.Page - 1) * opts.Limit
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	items := matched[start:end]

	return &models.PagedResult{
		Items:      items,
		Total:      total,
		Page:       opts.Page,
		Limit:      opts.Limit,
		TotalPages: (total + opts.Limit - 1) / opts.Limit,
	}, nil
}

// Create inserts a new record, stamping CreatedAt/UpdatedAt. The returned
// record is a second clone taken before the stored one is published, so the
// caller never shares memory with the map.
func (s *PipelineStorage) Create(ctx context.Context, state *models.PipelineState) (*models.PipelineState, error) {
	stored, err := clone(state)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	result, err := clone(stored)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.pipelines[stored.PipelineID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicatePipelineID, stored.PipelineID)
	}
	s.pipelines[stored.PipelineID] = stored
	s.mu.Unlock()

	return result, nil
}

// Delete removes a record, reporting whether one existed.
func (s *PipelineStorage) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, existed := s.pipelines[id]
	delete(s.pipelines, id)
	s.mu.Unlock()
	return existed, nil
}

// mutate applies fn to the stored record under the write lock.
func (s *PipelineStorage) mutate(id string, fn func(state *models.PipelineState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pipelines[id]
	if !ok {
		return fmt.Errorf("%w: pipeline %s", models.ErrNotFound, id)
	}
	if err := fn(state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
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
	normalized, err := normalizeValue(artifact)
	if err != nil {
		return err
	}
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		job := &state.Jobs[jobIndex]
		job.Status = models.JobStatusDone
		job.Artifact = normalized
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
	normalizedInput, err := normalizeValue(input)
	if err != nil {
		return err
	}
	normalizedOptions, err := normalizeValue(options)
	if err != nil {
		return err
	}
	return s.mutate(id, func(state *models.PipelineState) error {
		if err := checkJobIndex(state, jobIndex); err != nil {
			return err
		}
		state.Jobs[jobIndex].Input = normalizedInput
		if normalizedOptions != nil {
			state.Jobs[jobIndex].Options = normalizedOptions
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
	cutoff := time.Now().Add(-jobTimeout)
	reclaimed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.pipelines {
		if state.Status != models.PipelineStatusProcessing {
			continue
		}
		hit := false
		for i := range state.Jobs {
			job := &state.Jobs[i]
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
		}
	}
	return reclaimed, nil
}

// ResetJobs performs the partial reset used by restart-from-job.
func (s *PipelineStorage) ResetJobs(ctx context.Context, req models.ResetRequest) error {
	normalizedOptions, err := normalizeValue(req.JobOptions)
	if err != nil {
		return err
	}
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
		if opts, ok := normalizedOptions.(map[string]any); ok && opts != nil {
			state.JobOptions = opts
		}
		return nil
	})
}

// Close releases nothing; the backend is memory only.
func (s *PipelineStorage) Close() error {
	return nil
}

// normalizeValue pushes an arbitrary payload through a JSON round-trip so
// stored values are always JSON-shaped regardless of the caller's types.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}
