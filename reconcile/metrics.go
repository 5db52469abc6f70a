package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "math00ost",
		Subsystem: "sync",
		Name:      "pushes_total",
		Help:      "Remote pushes by outcome.",
	}, []string{"result"})

	pendingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "math00ost",
		Subsystem: "sync",
		Name:      "pending_entries",
		Help:      "Entries waiting in the pending sync queue.",
	})

	onlineState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "math00ost",
		Subsystem: "sync",
		Name:      "online",
		Help:      "1 while the remote store is considered reachable.",
	})

	localSaveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "math00ost",
		Subsystem: "local",
		Name:      "save_failures_total",
		Help:      "Local saves that failed after cleanup and retry.",
	}, []string{"kind"})
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
