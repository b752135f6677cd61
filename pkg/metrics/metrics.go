/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the Prometheus collectors for credit controllers, flow queues and the dispatch coordinator.
//
// Collectors are always updated; they are exposed only after `Register` adds them to the controller-runtime metrics
// registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	metricsutil "sigs.k8s.io/flowqueue/pkg/util/metrics"
)

const (
	// --- Subsystems ---
	FlowQueueSubsystem   = "flow_queue"
	CreditSubsystem      = "flow_credit"
	CoordinatorSubsystem = "flow_dispatch"
)

// --- Queue Metrics ---
var (
	queueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FlowQueueSubsystem,
			Name:      "length",
			Help:      metricsutil.HelpMsgWithStability("Number of elements currently buffered in the queue.", compbasemetrics.ALPHA),
		},
		[]string{"queue", "queue_id"},
	)

	queueWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FlowQueueSubsystem,
			Name:      "weight",
			Help:      metricsutil.HelpMsgWithStability("Total weight of the elements currently buffered in the queue.", compbasemetrics.ALPHA),
		},
		[]string{"queue", "queue_id"},
	)

	queueDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FlowQueueSubsystem,
			Name:      "dispatch_total",
			Help:      metricsutil.HelpMsgWithStability("Count of scheduled dispatches of the queue, by outcome.", compbasemetrics.ALPHA),
		},
		[]string{"queue", "queue_id", "outcome"},
	)

	queueFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FlowQueueSubsystem,
			Name:      "faults_total",
			Help:      metricsutil.HelpMsgWithStability("Count of faults reported off the caller's stack, by operation.", compbasemetrics.ALPHA),
		},
		[]string{"queue", "queue_id", "op"},
	)
)

// --- Credit Metrics ---
var (
	creditAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: CreditSubsystem,
			Name:      "available",
			Help:      metricsutil.HelpMsgWithStability("Credit currently available for acquisition.", compbasemetrics.ALPHA),
		},
		[]string{"controller"},
	)

	creditCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: CreditSubsystem,
			Name:      "capacity",
			Help:      metricsutil.HelpMsgWithStability("Configured credit capacity.", compbasemetrics.ALPHA),
		},
		[]string{"controller"},
	)

	creditAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: CreditSubsystem,
			Name:      "acquire_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Distribution of the time blocking acquires waited for credit, by outcome.", compbasemetrics.ALPHA),
			Buckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
			},
		},
		[]string{"controller", "outcome"},
	)
)

// --- Coordinator Metrics ---
var (
	coordinatorPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "pending",
			Help:      metricsutil.HelpMsgWithStability("Number of queues enrolled and waiting for a dispatch slot.", compbasemetrics.ALPHA),
		},
	)

	coordinatorInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: CoordinatorSubsystem,
			Name:      "in_flight",
			Help:      metricsutil.HelpMsgWithStability("Number of dispatches currently running.", compbasemetrics.ALPHA),
		},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(queueLength)
		metrics.Registry.MustRegister(queueWeight)
		metrics.Registry.MustRegister(queueDispatchTotal)
		metrics.Registry.MustRegister(queueFaultsTotal)
		metrics.Registry.MustRegister(creditAvailable)
		metrics.Registry.MustRegister(creditCapacity)
		metrics.Registry.MustRegister(creditAcquireDuration)
		metrics.Registry.MustRegister(coordinatorPending)
		metrics.Registry.MustRegister(coordinatorInFlight)
		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// Reset clears every collector. For tests.
func Reset() {
	queueLength.Reset()
	queueWeight.Reset()
	queueDispatchTotal.Reset()
	queueFaultsTotal.Reset()
	creditAvailable.Reset()
	creditCapacity.Reset()
	creditAcquireDuration.Reset()
	coordinatorPending.Set(0)
	coordinatorInFlight.Set(0)
}

// SetQueueSize records the current length and weight of a queue.
func SetQueueSize(queue, id string, length int, weight int64) {
	queueLength.WithLabelValues(queue, id).Set(float64(length))
	queueWeight.WithLabelValues(queue, id).Set(float64(weight))
}

// DeleteQueue drops every per-queue series of a closed queue. Series of other queues with the same name are kept.
func DeleteQueue(id string) {
	labels := prometheus.Labels{"queue_id": id}
	queueLength.DeletePartialMatch(labels)
	queueWeight.DeletePartialMatch(labels)
	queueDispatchTotal.DeletePartialMatch(labels)
	queueFaultsTotal.DeletePartialMatch(labels)
}

// RecordDispatch counts one scheduled dispatch of a queue.
func RecordDispatch(queue, id, outcome string) {
	queueDispatchTotal.WithLabelValues(queue, id, outcome).Inc()
}

// RecordFault counts one fault reported by a queue.
func RecordFault(queue, id, op string) {
	queueFaultsTotal.WithLabelValues(queue, id, op).Inc()
}

// SetCredit records the available credit and capacity of a controller.
func SetCredit(controller string, available, capacity int64) {
	creditAvailable.WithLabelValues(controller).Set(float64(available))
	creditCapacity.WithLabelValues(controller).Set(float64(capacity))
}

// RecordCreditAcquireDuration records how long a blocking acquire waited.
func RecordCreditAcquireDuration(controller, outcome string, duration time.Duration) {
	creditAcquireDuration.WithLabelValues(controller, outcome).Observe(duration.Seconds())
}

// SetDispatchPending records the number of enrolled queues awaiting selection.
func SetDispatchPending(n int) {
	coordinatorPending.Set(float64(n))
}

// IncDispatchInFlight marks a dispatch as started.
func IncDispatchInFlight() {
	coordinatorInFlight.Inc()
}

// DecDispatchInFlight marks a dispatch as finished.
func DecDispatchInFlight() {
	coordinatorInFlight.Dec()
}
