package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_evaluation_cycles_total",
		Help: "Evaluation cycles by terminal status.",
	}, []string{"status"})

	driftDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_drift_detections_total",
		Help: "Drift results by kind and severity.",
	}, []string{"kind", "severity"})

	alertsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_alerts_created_total",
		Help: "Alerts newly persisted (duplicates excluded).",
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_playbook_runs_total",
		Help: "Playbook runs by terminal state.",
	}, []string{"state"})

	storeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_store_failures_total",
		Help: "Evaluation store operations that exhausted their retries.",
	})
)
