// -----------------------------------------------------------------------
// Scheduler - Cron-driven pipeline starts from configuration
// -----------------------------------------------------------------------

package pipeline

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
)

// Scheduler starts configured pipelines on cron schedules. Because starts
// are content-addressed, a schedule with a fixed input re-triggers work only
// after the prior record has been invalidated or removed; schedules that
// should run fresh each time put a timestamp in their input.
type Scheduler struct {
	engine *Engine
	logger arbor.ILogger
	cron   *cron.Cron
}

// NewScheduler creates a scheduler bound to the engine.
func NewScheduler(engine *Engine, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		engine: engine,
		logger: logger,
		cron:   cron.New(),
	}
}

// AddEntries registers the configured schedule entries. Entries that fail to
// parse are logged and skipped so one bad expression does not block startup.
func (s *Scheduler) AddEntries(entries []common.ScheduleEntry) {
	for _, entry := range entries {
		entry := entry
		_, err := s.cron.AddFunc(entry.Schedule, func() {
			s.trigger(entry)
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("pipeline_type", entry.PipelineType).
				Str("schedule", entry.Schedule).
				Msg("Invalid schedule entry - skipping")
			continue
		}
		s.logger.Info().
			Str("pipeline_type", entry.PipelineType).
			Str("schedule", entry.Schedule).
			Msg("Registered scheduled pipeline")
	}
}

func (s *Scheduler) trigger(entry common.ScheduleEntry) {
	result, err := s.engine.StartPipeline(context.Background(), entry.PipelineType, StartRequest{
		Data:       entry.Input,
		JobOptions: entry.JobOptions,
	}, nil)
	if err != nil {
		s.logger.Error().Err(err).
			Str("pipeline_type", entry.PipelineType).
			Msg("Scheduled pipeline start failed")
		return
	}
	s.logger.Info().
		Str("pipeline_type", entry.PipelineType).
		Str("pipeline_id", result.PipelineID).
		Bool("is_new", result.IsNew).
		Msg("Scheduled pipeline triggered")
}

// Start begins schedule evaluation.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts schedule evaluation and waits for in-flight trigger functions.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
