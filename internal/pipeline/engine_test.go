package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/models"
	"github.com/ternarybob/cursus/internal/storage/memory"
)

func newTestEngine(t *testing.T) (*Engine, *Registry, interfaces.PipelineStorage) {
	t.Helper()
	logger := arbor.NewLogger()
	registry := NewRegistry()
	store := memory.NewPipelineStorage(logger)
	t.Cleanup(func() { store.Close() })
	return NewEngine(registry, store, logger), registry, store
}

// startAndWait starts a pipeline and blocks until its background execution
// finishes, then returns the final durable record.
func startAndWait(t *testing.T, e *Engine, store interfaces.PipelineStorage, pipelineType string, req StartRequest) *models.PipelineState {
	t.Helper()

	var done <-chan error
	result, err := e.StartPipeline(context.Background(), pipelineType, req, &StartOptions{
		OnExecutionStart: func(d <-chan error) { done = d },
	})
	require.NoError(t, err)
	require.True(t, result.IsNew)
	waitDone(t, done)

	state, err := store.FindByID(context.Background(), result.PipelineID)
	require.NoError(t, err)
	require.NotNil(t, state)
	return state
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	require.NotNil(t, done)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline execution did not finish in time")
	}
}

func TestLinearPipelineRunsToCompletion(t *testing.T) {
	e, registry, store := newTestEngine(t)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "enrich",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "fetch",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					in := input.(map[string]any)
					return map[string]any{"body": "content of " + in["url"].(string)}, nil
				},
			}),
			models.SingleStage(&models.JobDefinition{
				Name: "summarize",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					// Default input: the previous single-job stage's artifact.
					in := input.(map[string]any)
					return "summary:" + in["body"].(string), nil
				},
			}),
		},
	}))

	state := startAndWait(t, e, store, "enrich", StartRequest{
		Data: map[string]any{"url": "https://example.com"},
	})

	assert.Equal(t, models.PipelineStatusDone, state.Status)
	require.Len(t, state.Jobs, 2)
	assert.Equal(t, models.JobStatusDone, state.Jobs[0].Status)
	assert.Equal(t, models.JobStatusDone, state.Jobs[1].Status)
	assert.Equal(t, "summary:content of https://example.com", state.Jobs[1].Artifact)
	assert.NotNil(t, state.Jobs[0].StartedAt)
	assert.NotNil(t, state.Jobs[0].FinishedAt)
}

func TestSynapseBrokersArtifactsAcrossStages(t *testing.T) {
	e, registry, store := newTestEngine(t)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "merge",
		Stages: []models.Stage{
			models.NewStage(
				models.Ref(&models.JobDefinition{
					Name: "left",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						return 2.0, nil
					},
				}),
				models.Ref(&models.JobDefinition{
					Name: "right",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						return 3.0, nil
					},
				}),
			),
			models.NewStage(models.JobRef{
				Job: &models.JobDefinition{
					Name: "sum",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						in := input.(map[string]any)
						return in["left"].(float64) + in["right"].(float64), nil
					},
				},
				Synapse: func(ctx *models.SynapseContext) any {
					return map[string]any{
						"left":  ctx.GetArtifact("left"),
						"right": ctx.GetArtifact("right"),
					}
				},
			}),
		},
	}))

	state := startAndWait(t, e, store, "merge", StartRequest{Data: map[string]any{"run": 1}})

	assert.Equal(t, models.PipelineStatusDone, state.Status)
	assert.Equal(t, 5.0, state.Jobs[2].Artifact)
	// The resolved synapse input is persisted before execution.
	assert.Equal(t, map[string]any{"left": 2.0, "right": 3.0}, state.Jobs[2].Input)
}

func TestStartPipelineIsMemoizing(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var executions int32
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "memo",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "work",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					atomic.AddInt32(&executions, 1)
					return "ok", nil
				},
			}),
		},
	}))

	req := StartRequest{Data: map[string]any{"key": "same"}}
	first := startAndWait(t, e, store, "memo", req)

	second, err := e.StartPipeline(context.Background(), "memo", req, nil)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.PipelineID, second.PipelineID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&executions))
}

func TestShapeChangeInvalidatesPriorRun(t *testing.T) {
	e, registry, store := newTestEngine(t)

	work := func(input any, options any, jobCtx *models.JobContext) (any, error) {
		return "ok", nil
	}

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name:   "evolving",
		Stages: []models.Stage{models.SingleStage(&models.JobDefinition{Name: "a", Execute: work})},
	}))

	req := StartRequest{Data: map[string]any{"key": "stable"}}
	first := startAndWait(t, e, store, "evolving", req)
	require.Len(t, first.Jobs, 1)

	// Same name, different job list: the recorded run no longer matches.
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "evolving",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{Name: "a", Execute: work}),
			models.SingleStage(&models.JobDefinition{Name: "b", Execute: work}),
		},
	}))

	second := startAndWait(t, e, store, "evolving", req)
	assert.Equal(t, first.PipelineID, second.PipelineID)
	assert.Len(t, second.Jobs, 2)
	assert.Equal(t, models.PipelineStatusDone, second.Status)
}

func TestRetriesExhaustThenSucceed(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var attempts int32
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "flaky",
		Stages: []models.Stage{
			models.NewStage(models.JobRef{
				Job: &models.JobDefinition{
					Name: "unstable",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						if atomic.AddInt32(&attempts, 1) < 3 {
							return nil, fmt.Errorf("transient failure %d", attempts)
						}
						return "recovered", nil
					},
				},
				Retries:    3,
				RetryDelay: 5 * time.Millisecond,
			}),
		},
	}))

	state := startAndWait(t, e, store, "flaky", StartRequest{Data: map[string]any{"n": 1}})

	assert.Equal(t, models.PipelineStatusDone, state.Status)
	job := state.Jobs[0]
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, "recovered", job.Artifact)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, 3, job.MaxRetries)
	require.Len(t, job.Errors, 2)
	assert.Equal(t, 0, job.Errors[0].Attempt)
	assert.Equal(t, 1, job.Errors[1].Attempt)
}

func TestTerminalFailureHaltsPipeline(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var downstream int32
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "doomed",
		Stages: []models.Stage{
			models.NewStage(models.JobRef{
				Job: &models.JobDefinition{
					Name: "broken",
					Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
						return nil, fmt.Errorf("permanent failure")
					},
				},
				Retries:    1,
				RetryDelay: 5 * time.Millisecond,
			}),
			models.SingleStage(&models.JobDefinition{
				Name: "never",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					atomic.AddInt32(&downstream, 1)
					return nil, nil
				},
			}),
		},
	}))

	state := startAndWait(t, e, store, "doomed", StartRequest{Data: map[string]any{"n": 1}})

	assert.Equal(t, models.PipelineStatusError, state.Status)
	assert.Equal(t, models.JobStatusError, state.Jobs[0].Status)
	assert.Len(t, state.Jobs[0].Errors, 2)
	assert.Equal(t, models.JobStatusPending, state.Jobs[1].Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&downstream))
}

func TestPanicInJobIsCapturedAsFailure(t *testing.T) {
	e, registry, store := newTestEngine(t)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "panicky",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "explode",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					panic("boom")
				},
			}),
		},
	}))

	state := startAndWait(t, e, store, "panicky", StartRequest{Data: map[string]any{"n": 1}})

	assert.Equal(t, models.PipelineStatusError, state.Status)
	job := state.Jobs[0]
	assert.Equal(t, models.JobStatusError, job.Status)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "boom", job.Errors[0].Message)
	assert.NotEmpty(t, job.Errors[0].Stack)
}

func TestIntraStageJobsRunConcurrently(t *testing.T) {
	e, registry, store := newTestEngine(t)

	// A barrier both jobs must reach: the stage only completes if the two
	// jobs overlap in time.
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(input any, options any, jobCtx *models.JobContext) (any, error) {
		barrier.Done()
		waitCh := make(chan struct{})
		go func() {
			barrier.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
			return "met", nil
		case <-time.After(5 * time.Second):
			return nil, fmt.Errorf("sibling job never started")
		}
	}

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "parallel",
		Stages: []models.Stage{
			models.NewStage(
				models.Ref(&models.JobDefinition{Name: "one", Execute: meet}),
				models.Ref(&models.JobDefinition{Name: "two", Execute: meet}),
			),
		},
	}))

	state := startAndWait(t, e, store, "parallel", StartRequest{Data: map[string]any{"n": 1}})
	assert.Equal(t, models.PipelineStatusDone, state.Status)
	assert.Equal(t, "met", state.Jobs[0].Artifact)
	assert.Equal(t, "met", state.Jobs[1].Artifact)
}

func TestStagesRunStrictlyInOrder(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) models.ExecuteFunc {
		return func(input any, options any, jobCtx *models.JobContext) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "ordered",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{Name: "first", Execute: record("first")}),
			models.SingleStage(&models.JobDefinition{Name: "second", Execute: record("second")}),
			models.SingleStage(&models.JobDefinition{Name: "third", Execute: record("third")}),
		},
	}))

	state := startAndWait(t, e, store, "ordered", StartRequest{Data: map[string]any{"n": 1}})
	assert.Equal(t, models.PipelineStatusDone, state.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestJobOptionsReachExecute(t *testing.T) {
	e, registry, store := newTestEngine(t)

	var seen any
	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "options",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "observe",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					seen = options
					return nil, nil
				},
			}),
		},
	}))

	state := startAndWait(t, e, store, "options", StartRequest{
		Data:       map[string]any{"n": 1},
		JobOptions: map[string]any{"observe": map[string]any{"limit": 10.0}},
	})

	assert.Equal(t, models.PipelineStatusDone, state.Status)
	assert.Equal(t, map[string]any{"limit": 10.0}, seen)
	assert.Equal(t, map[string]any{"limit": 10.0}, state.Jobs[0].Options)
}

// racingStorage simulates losing the create race: the first Create lets a
// concurrent identical start win the insert, then reports the collision.
type racingStorage struct {
	interfaces.PipelineStorage
	once  sync.Once
	raced atomic.Bool
}

func (r *racingStorage) Create(ctx context.Context, state *models.PipelineState) (*models.PipelineState, error) {
	lost := false
	r.once.Do(func() {
		if _, err := r.PipelineStorage.Create(ctx, state); err == nil {
			r.raced.Store(true)
			lost = true
		}
	})
	if lost {
		return nil, models.ErrDuplicatePipelineID
	}
	return r.PipelineStorage.Create(ctx, state)
}

func TestDuplicateCreateRaceResolvesToExistingRun(t *testing.T) {
	logger := arbor.NewLogger()
	registry := NewRegistry()
	racing := &racingStorage{PipelineStorage: memory.NewPipelineStorage(logger)}
	t.Cleanup(func() { racing.Close() })
	e := NewEngine(registry, racing, logger)

	require.NoError(t, registry.Register(&models.PipelineConfig{
		Name: "contested",
		Stages: []models.Stage{
			models.SingleStage(&models.JobDefinition{
				Name: "work",
				Execute: func(input any, options any, jobCtx *models.JobContext) (any, error) {
					return "ok", nil
				},
			}),
		},
	}))

	// The collision resolves to the winner's record: no error, not new.
	result, err := e.StartPipeline(context.Background(), "contested", StartRequest{Data: map[string]any{"n": 1}}, nil)
	require.NoError(t, err)
	assert.False(t, result.IsNew)
	assert.True(t, racing.raced.Load())

	state, err := racing.FindByID(context.Background(), result.PipelineID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "contested", state.PipelineType)
}

func TestStartUnknownPipelineType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.StartPipeline(context.Background(), "ghost", StartRequest{Data: "x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownPipelineType)
}
