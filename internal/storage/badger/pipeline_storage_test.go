package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/models"
)

func newBadgerStore(t *testing.T) *PipelineStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)

	s := NewPipelineStorage(db, logger)
	t.Cleanup(func() { s.Close() })
	return s
}

func testState(id string) *models.PipelineState {
	return models.NewPipelineState(id, "badger-type", map[string]any{"url": "https://example.com"}, nil, []string{"fetch", "store"}, "cafebabecafebabe")
}

func TestBadgerCreateFindDelete(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, testState("bp1"))
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	found, err := s.FindByID(ctx, "bp1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "badger-type", found.PipelineType)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, found.Input)
	require.Len(t, found.Jobs, 2)

	missing, err := s.FindByID(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.Create(ctx, testState("bp1"))
	assert.ErrorIs(t, err, models.ErrDuplicatePipelineID)

	existed, err := s.Delete(ctx, "bp1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "bp1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestBadgerOpaquePayloadsSurviveRoundTrip(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testState("payloads"))
	require.NoError(t, err)

	artifact := map[string]any{
		"pages": []any{
			map[string]any{"title": "home", "links": 12.0},
			map[string]any{"title": "about", "links": 3.0},
		},
		"total": 15.0,
	}
	require.NoError(t, s.UpdateJobArtifact(ctx, "payloads", 0, artifact, time.Now()))

	found, err := s.FindByID(ctx, "payloads")
	require.NoError(t, err)
	assert.Equal(t, artifact, found.Jobs[0].Artifact)
}

func TestBadgerJobTransitionsAndErrors(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testState("flow"))
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, s.UpdateJobStatus(ctx, "flow", 0, models.JobStatusProcessing, &started))
	require.NoError(t, s.UpdateJobInput(ctx, "flow", 0, "resolved-input", nil))
	require.NoError(t, s.AppendJobError(ctx, "flow", 0, models.ErrorRecord{Message: "attempt failed", Attempt: 0}, false, nil))
	require.NoError(t, s.UpdateJobRetryCount(ctx, "flow", 0, 1, 2))

	now := time.Now()
	require.NoError(t, s.AppendJobError(ctx, "flow", 0, models.ErrorRecord{Message: "gave up", Attempt: 1}, true, &now))
	require.NoError(t, s.UpdateStatus(ctx, "flow", models.PipelineStatusError))

	state, err := s.FindByID(ctx, "flow")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusError, state.Status)
	job := state.Jobs[0]
	assert.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, "resolved-input", job.Input)
	require.Len(t, job.Errors, 2)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 2, job.MaxRetries)
}

func TestBadgerResetJobs(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testState("breset"))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.UpdateJobArtifact(ctx, "breset", 0, "done-artifact", now))
	require.NoError(t, s.AppendJobError(ctx, "breset", 1, models.ErrorRecord{Message: "boom"}, true, &now))
	require.NoError(t, s.UpdateStatus(ctx, "breset", models.PipelineStatusError))

	require.NoError(t, s.ResetJobs(ctx, models.ResetRequest{
		PipelineID:      "breset",
		ResetJobIndices: []int{1},
	}))

	state, err := s.FindByID(ctx, "breset")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusProcessing, state.Status)
	assert.Equal(t, 1, state.CurrentJobIndex)
	assert.Equal(t, "done-artifact", state.Jobs[0].Artifact)
	assert.Equal(t, models.JobStatusPending, state.Jobs[1].Status)
	assert.Empty(t, state.Jobs[1].Errors)
}

func TestBadgerFindAllPagination(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := s.Create(ctx, testState(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := s.FindAll(ctx, models.ListOptions{Page: 1, Limit: 2, PipelineType: "badger-type"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "p3", page.Items[0].PipelineID, "newest record first")

	page2, err := s.FindAll(ctx, models.ListOptions{Page: 2, Limit: 2, PipelineType: "badger-type"})
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	assert.Equal(t, "p1", page2.Items[0].PipelineID)
}

func TestBadgerFindAndTimeoutStaleJobs(t *testing.T) {
	s := newBadgerStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testState("stale"))
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpdateJobStatus(ctx, "stale", 0, models.JobStatusProcessing, &old))

	_, err = s.Create(ctx, testState("fresh"))
	require.NoError(t, err)
	recent := time.Now()
	require.NoError(t, s.UpdateJobStatus(ctx, "fresh", 0, models.JobStatusProcessing, &recent))

	count, err := s.FindAndTimeoutStaleJobs(ctx, 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stale, err := s.FindByID(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusError, stale.Status)
	assert.Equal(t, models.JobStatusError, stale.Jobs[0].Status)

	fresh, err := s.FindByID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusProcessing, fresh.Status)
}
