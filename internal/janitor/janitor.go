// Package janitor periodically sweeps a loader's Snapshot for wrappers that
// have sat unprepared past a configurable age, logging and counting them;
// loads are not inspected. It never mutates loader state — the scheduling idiom
// is grounded on cron/builder.go's gocron.NewScheduler construction, adapted
// from "run user cron scripts" to "observe loader health".
package janitor

import (
	"time"

	"github.com/go-co-op/gocron"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	modloader "github.com/draganm/go-modloader"
)

var staleWrappers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "modloader",
	Subsystem: "janitor",
	Name:      "stale_wrappers",
	Help:      "Number of wrappers observed unprepared past the configured stale threshold on the last sweep.",
})

var sweeps = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "modloader",
	Subsystem: "janitor",
	Name:      "sweeps_total",
	Help:      "Number of janitor sweeps performed.",
})

// Snapshotter is the subset of *modloader.Loader the janitor depends on.
type Snapshotter interface {
	Snapshot() modloader.Snapshot
}

// Janitor periodically inspects a Loader's Snapshot for stale state.
type Janitor struct {
	loader    Snapshotter
	logger    logr.Logger
	interval  time.Duration
	staleness time.Duration
	scheduler *gocron.Scheduler
}

// Options configures a Janitor.
type Options struct {
	// Interval is how often to sweep. Defaults to 30s.
	Interval time.Duration
	// Staleness is how long a wrapper may remain unprepared before it is
	// flagged. Defaults to 1 minute.
	Staleness time.Duration
	Logger    logr.Logger
}

// New constructs a Janitor that sweeps loader on the interval in opts. Call
// Start to begin sweeping; the returned Janitor owns no goroutines until
// then.
func New(loader Snapshotter, opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = time.Minute
	}

	return &Janitor{
		loader:    loader,
		logger:    opts.Logger,
		interval:  opts.Interval,
		staleness: opts.Staleness,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start begins sweeping on a background goroutine managed by gocron.
func (j *Janitor) Start() error {
	seconds := int(j.interval / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if _, err := j.scheduler.Every(seconds).Seconds().WaitForSchedule().Do(j.sweep); err != nil {
		return err
	}
	j.scheduler.StartAsync()
	return nil
}

// Stop stops the background sweep goroutine.
func (j *Janitor) Stop() {
	j.scheduler.Stop()
}

func (j *Janitor) sweep() {
	sweeps.Inc()
	snap := j.loader.Snapshot()

	now := time.Now()
	stale := 0
	for _, w := range snap.Wrappers {
		if w.Prepared || w.Loaded {
			continue
		}
		if now.Sub(w.ConstructedAt) < j.staleness {
			continue
		}
		stale++
		j.logger.Info("modloader: wrapper stale", "id", w.ID, "waitingFor", w.WaitingFor, "age", now.Sub(w.ConstructedAt).String())
	}
	staleWrappers.Set(float64(stale))

	if snap.Latched {
		j.logger.Info("modloader: loader latched", "error", snap.LatchedErr)
	}
}
