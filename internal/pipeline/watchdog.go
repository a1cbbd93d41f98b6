// -----------------------------------------------------------------------
// Watchdog - Periodic reclaim of jobs orphaned by process death
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/common"
	"github.com/ternarybob/cursus/internal/interfaces"
)

// WatchdogOptions tunes the reclaim loop. Zero values fall back to the
// defaults below.
type WatchdogOptions struct {
	CheckInterval    time.Duration
	JobTimeout       time.Duration
	OnStaleJobsFound func(count int)
}

const (
	defaultWatchdogInterval = 60 * time.Second
	defaultJobTimeout       = 20 * time.Minute
)

// Watchdog periodically marks as failed any job that has sat in processing
// longer than the job timeout. Legitimate long runs keep refreshing state
// through retries; only executions whose process died go silent long enough
// to be reclaimed.
type Watchdog struct {
	storage  interfaces.PipelineStorage
	logger   arbor.ILogger
	interval time.Duration
	timeout  time.Duration
	onFound  func(count int)

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewWatchdog creates a watchdog over the given storage.
func NewWatchdog(storage interfaces.PipelineStorage, logger arbor.ILogger, opts WatchdogOptions) *Watchdog {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultWatchdogInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	return &Watchdog{
		storage:  storage,
		logger:   logger,
		interval: opts.CheckInterval,
		timeout:  opts.JobTimeout,
		onFound:  opts.OnStaleJobsFound,
	}
}

// Start launches the reclaim loop. Calling Start on a running watchdog is a
// no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})

	stop, stopped := w.stop, w.stopped
	common.SafeGo(w.logger, "watchdog", func() {
		defer close(stopped)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Info().
			Str("check_interval", w.interval.String()).
			Str("job_timeout", w.timeout.String()).
			Msg("Watchdog started")

		for {
			select {
			case <-ticker.C:
				w.sweep()
			case <-stop:
				w.logger.Info().Msg("Watchdog stopped")
				return
			}
		}
	})
}

// Stop halts the loop and waits for the current sweep to finish. Calling
// Stop on a stopped watchdog is a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	stop, stopped := w.stop, w.stopped
	w.stop = nil
	w.stopped = nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Sweep runs one reclaim pass immediately, outside the ticker cadence.
func (w *Watchdog) Sweep() {
	w.sweep()
}

func (w *Watchdog) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := w.storage.FindAndTimeoutStaleJobs(ctx, w.timeout)
	if err != nil {
		w.logger.Error().Err(err).Msg("Watchdog sweep failed")
		return
	}
	if count > 0 {
		w.logger.Warn().
			Int("reclaimed", count).
			Str("job_timeout", w.timeout.String()).
			Msg("Reclaimed stale jobs")
		if w.onFound != nil {
			w.onFound(count)
		}
	}
}
