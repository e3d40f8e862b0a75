package status

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "modloader",
	Subsystem: "status",
	Name:      "request_duration_seconds",
	Help:      "Duration of status introspection requests.",
	Buckets:   prometheus.DefBuckets,
}, []string{"status"})

func recordDuration(status int, d time.Duration) {
	requestDuration.WithLabelValues(strconv.Itoa(status)).Observe(d.Seconds())
}
