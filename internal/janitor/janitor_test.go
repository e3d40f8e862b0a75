package janitor_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	modloader "github.com/draganm/go-modloader"
	"github.com/draganm/go-modloader/internal/janitor"
)

type fakeSnapshotter struct {
	snap modloader.Snapshot
}

func (f fakeSnapshotter) Snapshot() modloader.Snapshot { return f.snap }

func TestSweepFlagsStaleWrappers(t *testing.T) {
	snap := modloader.Snapshot{
		Wrappers: []modloader.WrapperSnapshot{
			{ID: "fresh", Prepared: false, ConstructedAt: time.Now()},
			{ID: "stale", Prepared: false, ConstructedAt: time.Now().Add(-time.Hour)},
			{ID: "done", Prepared: true, ConstructedAt: time.Now().Add(-time.Hour)},
		},
	}

	j := janitor.New(fakeSnapshotter{snap: snap}, janitor.Options{
		Interval:  time.Second,
		Staleness: time.Minute,
		Logger:    testr.New(t),
	})
	require.NoError(t, j.Start())
	defer j.Stop()

	time.Sleep(1200 * time.Millisecond)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	stale := -1.0
	for _, mf := range families {
		if mf.GetName() == "modloader_janitor_stale_wrappers" {
			stale = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, 1.0, stale, "only the unprepared wrapper older than Staleness is flagged")
}

func TestJanitorStartStop(t *testing.T) {
	j := janitor.New(fakeSnapshotter{}, janitor.Options{Logger: testr.New(t)})
	require.NoError(t, j.Start())
	j.Stop()
}
