package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TicksTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_poll_ticks_total", Help: "Poll ticks executed"})
	TicksSkipped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_poll_ticks_skipped_total", Help: "Ticks skipped by the in-flight guard"})
	TaskPolls        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_task_polls_total", Help: "Task status requests issued"})
	PollErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_poll_errors_total", Help: "Task status requests that failed"})
	ScansDiscovered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_scans_discovered_total", Help: "Scan tasks discovered via group lookup"})
	EntriesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_entries_completed_total", Help: "Entries that reached a final archive id"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_enqueued_total", Help: "Download requests accepted via the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tracker_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	ActiveEntries    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tracker_active_entries", Help: "Entries requiring polling at the last tick"})
	InFlightPolls    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tracker_inflight_polls", Help: "Task status requests currently in flight"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TicksTotal,
			TicksSkipped,
			TaskPolls,
			PollErrors,
			ScansDiscovered,
			EntriesCompleted,
			EnqueueCounter,
			RateLimitRejects,
			ActiveEntries,
			InFlightPolls,
		)
	})
	return promhttp.Handler()
}
