package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/cursus/internal/models"
)

func TestRestartFromFailedJobSkipsUpstream(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var fetchRuns, storeRuns int32
	var storeShouldFail atomic.Bool
	storeShouldFail.Store(true)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "resume",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "fetch",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					atomic.AddInt32(&fetchRuns, 1)
					return "payload", nil
				},
			}),
			models.SingleStage(&models.JobDefinition{
				Name: "store",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					atomic.AddInt32(&storeRuns, 1)
					if storeShouldFail.Load() {
						return nil, fmt.Errorf("destination unavailable")
					}
					return "stored:" + input.(string), nil
				},
			}),
		},
	}))

	failed := startAndWait(t, e, store, "resume", StartRequest{Data: map[string]any{"n": 1}})
	require.Equal(t, models.PipelineStatusError, failed.Status)
	require.Equal(t, models.JobStatusDone, failed.Jobs[0].Status)
	require.Equal(t, models.JobStatusError, failed.Jobs[1].Status)

	// Fix the downstream and rerun from the failed job only.
	storeShouldFail.Store(false)

	var done <-chan error
	result, err := e.RestartPipelineFromJob(context.Background(), failed.PipelineID, RestartRequest{
		FromJobName: "store",
	}, &StartOptions{OnExecutionStart: func(d <-chan error) { done = d }})
	require.NoError(t, err)
	assert.Equal(t, "store", result.FromJobName)
	assert.Equal(t, 1, result.FromJobIndex)
	assert.Equal(t, 1, result.JobsToRerun)
	waitDone(t, done)

	final, err := store.FindByID(context.Background(), failed.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusDone, final.Status)
	assert.Equal(t, models.JobStatusDone, final.Jobs[1].Status)
	assert.Equal(t, "stored:payload", final.Jobs[1].Artifact)
	assert.Empty(t, final.Jobs[1].Errors, "reset clears the error trail")

	// Upstream job was not rerun; its artifact fed the rerun.
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetchRuns))
	assert.Equal(t, int32(2), atomic.LoadInt32(&storeRuns))
}

func TestRestartResetsDownstreamStages(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var runs [3]int32
	job := func(i int) *models.JobDefinition {
		return &models.JobDefinition{
			Name: fmt.Sprintf("job%d", i),
			Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
				atomic.AddInt32(&runs[i], 1)
				return i, nil
			},
		}
	}

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "cascade",
		Stages: []models.Stage{
			models.SingleStage(job(0)),
			models.SingleStage(job(1)),
			models.SingleStage(job(2)),
		},
	}))

	first := startAndWait(t, e, store, "cascade", StartRequest{Data: map[string]any{"n": 1}})
	require.Equal(t, models.PipelineStatusDone, first.Status)

	var done <-chan error
	result, err := e.RestartPipelineFromJob(context.Background(), first.PipelineID, RestartRequest{
		FromJobName: "job1",
	}, &StartOptions{OnExecutionStart: func(d <-chan error) { done = d }})
	require.NoError(t, err)
	assert.Equal(t, 2, result.JobsToRerun, "the named job and everything after it")
	waitDone(t, done)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs[0]))
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs[1]))
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs[2]))
}

func TestRestartSparesDoneSiblingsInSameStage(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var goodRuns, badRuns int32
	var badShouldFail atomic.Bool
	badShouldFail.Store(true)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "siblings",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "prep",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					return "prepared", nil
				},
			}),
			models.NewStage(
				models.Ref(&models.JobDefinition{
					Name: "good",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						atomic.AddInt32(&goodRuns, 1)
						return "good-artifact", nil
					},
				}),
				models.Ref(&models.JobDefinition{
					Name: "bad",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						atomic.AddInt32(&badRuns, 1)
						if badShouldFail.Load() {
							return nil, fmt.Errorf("flaky sibling")
						}
						return "bad-artifact", nil
					},
				}),
			),
		},
	}))

	failed := startAndWait(t, e, store, "siblings", StartRequest{Data: map[string]any{"n": 1}})
	require.Equal(t, models.PipelineStatusError, failed.Status)
	require.Equal(t, models.JobStatusDone, failed.Jobs[1].Status)
	require.Equal(t, models.JobStatusError, failed.Jobs[2].Status)

	badShouldFail.Store(false)

	var done <-chan error
	result, err := e.RestartPipelineFromJob(context.Background(), failed.PipelineID, RestartRequest{
		FromJobName: "bad",
	}, &StartOptions{OnExecutionStart: func(d <-chan error) { done = d }})
	require.NoError(t, err)
	assert.Equal(t, 1, result.JobsToRerun, "only the failed job; its done sibling is spared")
	waitDone(t, done)

	final, err := store.FindByID(context.Background(), failed.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatusDone, final.Status)
	assert.Equal(t, "bad-artifact", final.Jobs[2].Artifact)

	// The done sibling kept its artifact and was never rerun.
	assert.Equal(t, "good-artifact", final.Jobs[1].Artifact)
	assert.Equal(t, int32(1), atomic.LoadInt32(&goodRuns))
	assert.Equal(t, int32(2), atomic.LoadInt32(&badRuns))
}

func TestRestartReplacesJobOptions(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var lastOptions atomic.Value
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "tunable",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "work",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					if options != nil {
						lastOptions.Store(options)
					}
					return nil, fmt.Errorf("always fails")
				},
			}),
		},
	}))

	failed := startAndWait(t, e, store, "tunable", StartRequest{Data: map[string]any{"n": 1}})
	require.Equal(t, models.PipelineStatusError, failed.Status)

	var done <-chan error
	_, err := e.RestartPipelineFromJob(context.Background(), failed.PipelineID, RestartRequest{
		FromJobName: "work",
		JobOptions:  map[string]any{"work": map[string]any{"mode": "careful"}},
	}, &StartOptions{OnExecutionStart: func(d <-chan error) { done = d }})
	require.NoError(t, err)
	waitDone(t, done)

	opts, ok := lastOptions.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "careful", opts["mode"])
}

func TestRestartRejectsProcessingPipeline(t *testing.T) {
	e, registry, store := newTestEngine(t)

	release := make(chan struct{})
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "slow",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "blocked",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					<-release
					return nil, nil
				},
			}),
		},
	}))

	var done <-chan error
	result, err := e.StartPipeline(context.Background(), "slow", StartRequest{Data: map[string]any{"n": 1}}, &StartOptions{
		OnExecutionStart: func(d <-chan error) { done = d },
	})
	require.NoError(t, err)

	// Wait until the job is durably processing before attempting the restart.
	require.Eventually(t, func() bool {
		state, err := store.FindByID(context.Background(), result.PipelineID)
		return err == nil && state != nil && state.Jobs[0].Status == models.JobStatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	_, err = e.RestartPipelineFromJob(context.Background(), result.PipelineID, RestartRequest{FromJobName: "blocked"}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	close(release)
	waitDone(t, done)
}

func TestRestartUnknownPipelineAndJob(t *testing.T) {
	e, registry, store := newTestEngine(t)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name:   "known",
		Stages: []models.Stage{models.SingleStage(namedJob("a"))},
	}))

	_, err := e.RestartPipelineFromJob(context.Background(), "no-such-id", RestartRequest{FromJobName: "a"}, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	state := startAndWait(t, e, store, "known", StartRequest{Data: map[string]any{"n": 1}})
	_, err = e.RestartPipelineFromJob(context.Background(), state.PipelineID, RestartRequest{FromJobName: "ghost"}, nil)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}
