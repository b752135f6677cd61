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

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// The collectors are package globals, so these tests run sequentially and use distinct label values.

func TestRegister_IsIdempotent(t *testing.T) {
	Register()
	Register()

	SetQueueSize("register", "id-register", 1, 1)
	count, err := testutil.GatherAndCount(metrics.Registry, FlowQueueSubsystem+"_length")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestSetQueueSize(t *testing.T) {
	SetQueueSize("q-size", "id-1", 3, 7)
	assert.Equal(t, 3.0, testutil.ToFloat64(queueLength.WithLabelValues("q-size", "id-1")))
	assert.Equal(t, 7.0, testutil.ToFloat64(queueWeight.WithLabelValues("q-size", "id-1")))
}

func TestDeleteQueue_KeepsQueuesSharingTheName(t *testing.T) {
	SetQueueSize("q-shared", "id-a", 1, 1)
	SetQueueSize("q-shared", "id-b", 2, 2)
	RecordDispatch("q-shared", "id-a", "Delivered")
	RecordFault("q-shared", "id-a", "deliver")

	lengths := testutil.CollectAndCount(queueLength)
	dispatches := testutil.CollectAndCount(queueDispatchTotal)
	faults := testutil.CollectAndCount(queueFaultsTotal)
	DeleteQueue("id-a")

	assert.Equal(t, lengths-1, testutil.CollectAndCount(queueLength))
	assert.Equal(t, dispatches-1, testutil.CollectAndCount(queueDispatchTotal))
	assert.Equal(t, faults-1, testutil.CollectAndCount(queueFaultsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(queueLength.WithLabelValues("q-shared", "id-b")),
		"The other queue's series should survive")
}

func TestRecordDispatchAndFault(t *testing.T) {
	RecordDispatch("q-dispatch", "id-d", "Delivered")
	RecordDispatch("q-dispatch", "id-d", "Delivered")
	RecordDispatch("q-dispatch", "id-d", "Failed")
	RecordFault("q-dispatch", "id-d", "deliver")

	assert.Equal(t, 2.0, testutil.ToFloat64(queueDispatchTotal.WithLabelValues("q-dispatch", "id-d", "Delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueDispatchTotal.WithLabelValues("q-dispatch", "id-d", "Failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueFaultsTotal.WithLabelValues("q-dispatch", "id-d", "deliver")))
}

func TestCreditMetrics(t *testing.T) {
	SetCredit("c-1", 2, 5)
	assert.Equal(t, 2.0, testutil.ToFloat64(creditAvailable.WithLabelValues("c-1")))
	assert.Equal(t, 5.0, testutil.ToFloat64(creditCapacity.WithLabelValues("c-1")))

	RecordCreditAcquireDuration("c-1", "Granted", 20*time.Millisecond)
	expected := `
# HELP flow_credit_acquire_duration_seconds [ALPHA] Distribution of the time blocking acquires waited for credit, by outcome.
# TYPE flow_credit_acquire_duration_seconds histogram
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.0001"} 0
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.0005"} 0
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.001"} 0
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.005"} 0
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.01"} 0
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.025"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.05"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.1"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.25"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="0.5"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="1"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="2.5"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="5"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="10"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="30"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="60"} 1
flow_credit_acquire_duration_seconds_bucket{controller="c-1",outcome="Granted",le="+Inf"} 1
flow_credit_acquire_duration_seconds_sum{controller="c-1",outcome="Granted"} 0.02
flow_credit_acquire_duration_seconds_count{controller="c-1",outcome="Granted"} 1
`
	require.NoError(t, testutil.CollectAndCompare(creditAcquireDuration, strings.NewReader(expected),
		CreditSubsystem+"_acquire_duration_seconds"))
}

func TestCoordinatorGauges(t *testing.T) {
	SetDispatchPending(4)
	IncDispatchInFlight()
	IncDispatchInFlight()
	DecDispatchInFlight()
	assert.Equal(t, 4.0, testutil.ToFloat64(coordinatorPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(coordinatorInFlight))

	Reset()
	assert.Equal(t, 0.0, testutil.ToFloat64(coordinatorPending))
	assert.Equal(t, 0.0, testutil.ToFloat64(coordinatorInFlight))
}
