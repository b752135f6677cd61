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

package runner

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestBindEnvToFlags(t *testing.T) {
	saved := configFromFlags()
	savedPprof, savedPort, savedDispatches := *enablePprof, *metricsPort, *maxConcurrentDispatches
	t.Cleanup(func() {
		*stages, *stageCapacity, *sinkCapacity = saved.Stages, saved.StageCapacity, saved.SinkCapacity
		*producers, *elements, *consumeDelay = saved.Producers, saved.Elements, saved.ConsumeDelay
		*dispatchRate, *failEvery, *reportInterval = float64(saved.DispatchRate), saved.FailEvery, saved.ReportInterval
		*enablePprof, *metricsPort, *maxConcurrentDispatches = savedPprof, savedPort, savedDispatches
	})

	t.Setenv("RELAYBENCH_STAGES", "5")
	t.Setenv("RELAYBENCH_STAGE_CAPACITY", "32")
	t.Setenv("RELAYBENCH_SINK_CAPACITY", "not-a-number")
	t.Setenv("RELAYBENCH_CONSUME_DELAY", "250ms")
	t.Setenv("RELAYBENCH_DISPATCH_RATE", "12.5")
	t.Setenv("ENABLE_PPROF", "false")
	t.Setenv("MAX_CONCURRENT_DISPATCHES", "9")

	bindEnvToFlags()

	want := saved
	want.Stages = 5
	want.StageCapacity = 32
	want.ConsumeDelay = 250 * time.Millisecond
	want.DispatchRate = rate.Limit(12.5)
	if diff := cmp.Diff(want, configFromFlags()); diff != "" {
		t.Errorf("Config mismatch after env overrides (-want +got):\n%s", diff)
	}
	assert.Equal(t, saved.SinkCapacity, *sinkCapacity, "An unparsable value should keep the flag default")
	assert.False(t, *enablePprof)
	assert.Equal(t, 9, *maxConcurrentDispatches)
	assert.Equal(t, savedPort, *metricsPort, "An unset variable should keep the flag default")
}
