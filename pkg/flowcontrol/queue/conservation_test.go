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

package queue

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modelElement mirrors one buffered element for the random operation test.
type modelElement struct {
	id     string
	weight int64
}

// conservationHarness drives a queue with random operations and keeps a FIFO model of its buffer.
type conservationHarness struct {
	t        *testing.T
	q        *FlowQueue[string]
	capacity int64
	model    []modelElement
	next     int
}

func (h *conservationHarness) newElement(weight int64) modelElement {
	h.next++
	return modelElement{id: fmt.Sprintf("e%d", h.next), weight: weight}
}

func (h *conservationHarness) popModel(id string) {
	h.t.Helper()
	require.NotEmpty(h.t, h.model, "Removed %q from a queue the model says is empty", id)
	require.Equal(h.t, h.model[0].id, id, "Removal should follow FIFO order")
	h.model = h.model[1:]
}

func (h *conservationHarness) modelWeight() int64 {
	var w int64
	for _, e := range h.model {
		w += e.weight
	}
	return w
}

// checkQuiescent asserts that every unit of credit is either available or held by a buffered element.
func (h *conservationHarness) checkQuiescent(step int, op string) {
	h.t.Helper()
	require.Equal(h.t, h.capacity, h.q.Credit().Available()+h.q.Weight(),
		"Credit should be conserved after step %d (%s)", step, op)
	require.Equal(h.t, h.modelWeight(), h.q.Weight(), "Buffered weight should match the model after step %d (%s)",
		step, op)
	require.Equal(h.t, len(h.model), h.q.Len(), "Buffered length should match the model after step %d (%s)", step, op)
}

func TestFlowQueue_CreditConservation_RandomOperations(t *testing.T) {
	t.Parallel()
	const (
		seed     = 20251014
		steps    = 400
		capacity = 16
	)
	ctx := context.Background()
	c := startCoordinator(t)
	h := &conservationHarness{
		t:        t,
		q:        newTestQueue(t, "conservation-random", capacity, WithCoordinator(c)),
		capacity: capacity,
	}
	r := rand.New(rand.NewSource(seed))

	for step := range steps {
		var op string
		switch r.Intn(6) {
		case 0:
			op = "Enqueue"
			e := h.newElement(int64(1 + r.Intn(4)))
			if h.q.Credit().Available() < e.weight {
				break
			}
			require.NoError(t, h.q.Enqueue(ctx, e.id, e.weight))
			h.model = append(h.model, e)
		case 1:
			op = "TryEnqueue"
			e := h.newElement(int64(1 + r.Intn(4)))
			fits := h.q.Credit().Available() >= e.weight
			ok, err := h.q.TryEnqueue(e.id, e.weight)
			require.NoError(t, err)
			require.Equal(t, fits, ok, "TryEnqueue should succeed exactly when the weight fits")
			if ok {
				h.model = append(h.model, e)
			}
		case 2:
			op = "Poll"
			e, ok := h.q.Poll()
			require.Equal(t, len(h.model) > 0, ok)
			if ok {
				h.popModel(e)
			}
		case 3:
			op = "Take"
			if len(h.model) == 0 {
				break
			}
			e, err := h.q.Take(ctx)
			require.NoError(t, err)
			h.popModel(e)
		case 4:
			op = "Discard"
			digit := fmt.Sprint(r.Intn(10))
			match := func(id string) bool { return strings.HasSuffix(id, digit) }
			var want []string
			var rest []modelElement
			for _, e := range h.model {
				if match(e.id) {
					want = append(want, e.id)
					continue
				}
				rest = append(rest, e)
			}
			got := h.q.Discard(match)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Discard mismatch at step %d (-want +got):\n%s", step, diff)
			}
			h.model = rest
		case 5:
			op = "Push"
			rec := &deliveryRecorder{}
			require.NoError(t, h.q.SetPushCallback(func(_ context.Context, e string) error {
				rec.record(e)
				return nil
			}))
			var want []string
			for _, e := range h.model {
				want = append(want, e.id)
			}
			require.Eventually(t, func() bool {
				return len(rec.snapshot()) == len(want) && h.q.Credit().Available() == capacity
			}, testWaitTimeout, time.Millisecond, "Push mode should drain the queue at step %d", step)
			require.NoError(t, h.q.SetPushCallback(nil))
			if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
				t.Fatalf("Push delivery mismatch at step %d (-want +got):\n%s", step, diff)
			}
			h.model = nil
		}
		h.checkQuiescent(step, op)
	}

	h.q.Close()
	assert.Equal(t, int64(capacity), h.q.Credit().Available(), "Close should return every outstanding credit")
}
