// -----------------------------------------------------------------------
// App - Component wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/handlers"
	"github.com/ternarybob/cursus/internal/interfaces"
	"github.com/ternarybob/cursus/internal/pipeline"
	"github.com/ternarybob/cursus/internal/storage"
)

// App holds all application components and dependencies. The registry is
// supplied by the caller: pipelines are Go code, so the embedding program
// registers its configurations before the app starts serving.
type App struct {
	Config   *common.Config
	Logger   arbor.ILogger
	Registry *pipeline.Registry
	Storage  interfaces.PipelineStorage

	Engine    *pipeline.Engine
	Query     *pipeline.Query
	Watchdog  *pipeline.Watchdog
	Scheduler *pipeline.Scheduler

	// HTTP handlers
	StatusHandler *handlers.StatusHandler
}

// New wires the application from configuration and a populated registry.
func New(config *common.Config, logger arbor.ILogger, registry *pipeline.Registry) (*App, error) {
	store, err := storage.NewPipelineStorage(logger, config)
	if err != nil {
		return nil, err
	}

	engine := pipeline.NewEngine(registry, store, logger)
	query := pipeline.NewQuery(registry, store, logger)

	a := &App{
		Config:        config,
		Logger:        logger,
		Registry:      registry,
		Storage:       store,
		Engine:        engine,
		Query:         query,
		StatusHandler: handlers.NewStatusHandler(),
	}

	if config.Watchdog.Enabled {
		a.Watchdog = pipeline.NewWatchdog(store, logger, pipeline.WatchdogOptions{
			CheckInterval: config.Watchdog.CheckIntervalDuration(),
			JobTimeout:    config.Watchdog.JobTimeoutDuration(),
		})
	}

	if config.Scheduler.Enabled && len(config.Scheduler.Entries) > 0 {
		a.Scheduler = pipeline.NewScheduler(engine, logger)
		a.Scheduler.AddEntries(config.Scheduler.Entries)
	}

	return a, nil
}

// Start launches the background components.
func (a *App) Start() {
	if a.Watchdog != nil {
		a.Watchdog.Start()
	}
	if a.Scheduler != nil {
		a.Scheduler.Start()
	}
	a.Logger.Info().
		Int("pipelines", len(a.Registry.Names())).
		Str("storage", a.Config.Storage.Type).
		Msg("Application started")
}

// Close stops background components and releases storage.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Watchdog != nil {
		a.Watchdog.Stop()
	}
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close storage")
		return err
	}
	a.Logger.Info().Msg("Application stopped")
	return nil
}
