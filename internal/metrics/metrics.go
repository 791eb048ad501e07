// Package metrics holds the Prometheus collectors for the pool and the session
// lifecycle. Collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicepool",
		Name:      "pool_ready_rooms",
		Help:      "Rooms currently buffered and ready to hand out",
	})

	poolAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicepool",
		Name:      "pool_acquire_total",
		Help:      "Room acquisitions by source",
	}, []string{"source"}) // source=pool|on_demand|exhausted

	provisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicepool",
		Name:      "provision_total",
		Help:      "Room provisioning attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	replenishDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepool",
		Name:      "replenish_dropped_total",
		Help:      "Replenish requests dropped because the queue was full",
	})

	roomDeletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicepool",
		Name:      "room_deletes_total",
		Help:      "Room delete calls by reason and outcome",
	}, []string{"reason", "outcome"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicepool",
		Name:      "sessions_active",
		Help:      "Sessions currently registered",
	})

	sessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicepool",
		Name:      "sessions_ended_total",
		Help:      "Sessions ended by termination cause",
	}, []string{"cause"})

	workerStopTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicepool",
		Name:      "worker_stop_total",
		Help:      "Worker stop attempts by signal outcome",
	}, []string{"mode"}) // mode=graceful|forced
)

func SetPoolSize(n int) { poolSize.Set(float64(n)) }

func IncAcquire(source string) { poolAcquireTotal.WithLabelValues(source).Inc() }

func IncProvision(ok bool) {
	if ok {
		provisionTotal.WithLabelValues("success").Inc()
		return
	}
	provisionTotal.WithLabelValues("failure").Inc()
}

func IncReplenishDropped() { replenishDropped.Inc() }

func IncRoomDelete(reason string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	roomDeletesTotal.WithLabelValues(reason, outcome).Inc()
}

func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

func IncSessionEnded(cause string) { sessionsEndedTotal.WithLabelValues(cause).Inc() }

func IncWorkerStop(mode string) { workerStopTotal.WithLabelValues(mode).Inc() }
