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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/relay"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// relayHarness builds queues that share one relay table.
type relayHarness struct {
	t      *testing.T
	table  *relay.Table
	extras []Option
}

func newRelayHarness(t *testing.T, opts ...Option) *relayHarness {
	return &relayHarness{t: t, table: relay.NewTable(), extras: opts}
}

func (h *relayHarness) queue(name string, capacity int64) *FlowQueue[string] {
	h.t.Helper()
	opts := append([]Option{WithRelayTable(h.table)}, h.extras...)
	return newTestQueue(h.t, name, capacity, opts...)
}

func TestRelayTo_Rejections(t *testing.T) {
	t.Parallel()

	t.Run("ShouldRejectCycle_WithoutStateChange", func(t *testing.T) {
		t.Parallel()
		h := newRelayHarness(t)
		a, b := h.queue("a", 4), h.queue("b", 4)
		require.NoError(t, a.RelayTo(b))

		err := b.RelayTo(a)
		require.ErrorIs(t, err, types.ErrRelayCycle)
		assert.Nil(t, b.RelaySink(), "A rejected binding should leave the sink unbound")
		assert.Same(t, b, a.RelaySink(), "A rejected binding should leave existing bindings intact")
		assert.Equal(t, 1, h.table.Len())
	})

	t.Run("ShouldRejectSelfRelay", func(t *testing.T) {
		t.Parallel()
		h := newRelayHarness(t)
		a := h.queue("a", 4)
		require.ErrorIs(t, a.RelayTo(a), types.ErrRelayCycle)
		assert.Nil(t, a.RelaySink())
	})

	t.Run("ShouldRejectLongerCycle", func(t *testing.T) {
		t.Parallel()
		h := newRelayHarness(t)
		a, b, c := h.queue("a", 4), h.queue("b", 4), h.queue("c", 4)
		require.NoError(t, a.RelayTo(b))
		require.NoError(t, b.RelayTo(c))
		require.ErrorIs(t, c.RelayTo(a), types.ErrRelayCycle)
		assert.Nil(t, c.RelaySink())
	})

	testCases := []struct {
		name      string
		setup     func(h *relayHarness) (src, sink *FlowQueue[string])
		expectErr error
	}{
		{
			name: "ShouldReject_NilSink",
			setup: func(h *relayHarness) (*FlowQueue[string], *FlowQueue[string]) {
				return h.queue("src", 1), nil
			},
			expectErr: types.ErrNilSink,
		},
		{
			name: "ShouldReject_SinkInOtherTable",
			setup: func(h *relayHarness) (*FlowQueue[string], *FlowQueue[string]) {
				return h.queue("src", 1), newTestQueue(h.t, "elsewhere", 1, WithRelayTable(relay.NewTable()))
			},
			expectErr: types.ErrRelayTableMismatch,
		},
		{
			name: "ShouldReject_AlreadyBound",
			setup: func(h *relayHarness) (*FlowQueue[string], *FlowQueue[string]) {
				src := h.queue("src", 1)
				require.NoError(h.t, src.RelayTo(h.queue("first", 1)))
				return src, h.queue("second", 1)
			},
			expectErr: types.ErrRelayBound,
		},
		{
			name: "ShouldReject_PushConsumer",
			setup: func(h *relayHarness) (*FlowQueue[string], *FlowQueue[string]) {
				c := startCoordinator(h.t)
				src := newTestQueue(h.t, "src", 1, WithRelayTable(h.table), WithCoordinator(c))
				require.NoError(h.t, src.SetPushCallback(func(context.Context, string) error { return nil }))
				return src, h.queue("sink", 1)
			},
			expectErr: types.ErrPushConsumerSet,
		},
		{
			name: "ShouldReject_ClosedSource",
			setup: func(h *relayHarness) (*FlowQueue[string], *FlowQueue[string]) {
				src := h.queue("src", 1)
				src.Close()
				return src, h.queue("sink", 1)
			},
			expectErr: types.ErrQueueClosed,
		},
		{
			name: "ShouldReject_ClosedSink",
			setup: func(h *relayHarness) (*FlowQueue[string], *FlowQueue[string]) {
				sink := h.queue("sink", 1)
				sink.Close()
				return h.queue("src", 1), sink
			},
			expectErr: types.ErrQueueClosed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newRelayHarness(t)
			src, sink := tc.setup(h)
			before := src.RelaySink()

			require.ErrorIs(t, src.RelayTo(sink), tc.expectErr)
			assert.Same(t, before, src.RelaySink(), "A rejected binding should not change the source")
		})
	}
}

func TestRelay_Pull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newRelayHarness(t)
	a, b := h.queue("a", 10), h.queue("b", 2)
	require.NoError(t, a.RelayTo(b))
	for _, e := range []string{"a1", "a2", "a3"} {
		require.NoError(t, a.Enqueue(ctx, e, 1))
	}

	e, ok := a.Poll()
	require.True(t, ok)
	assert.Equal(t, "a1", e, "Poll on a bound queue should return the forwarded element")
	e, ok = a.Poll()
	require.True(t, ok)
	assert.Equal(t, "a2", e)
	assert.Equal(t, int64(9), a.Credit().Available(), "Forwarded elements should release source credit")

	_, ok = a.Poll()
	assert.False(t, ok, "Poll should not forward while the sink is full")
	assert.Equal(t, 1, a.Len())
	assert.Zero(t, b.Credit().Waiting(), "Poll should not leave a reservation on the sink")

	e, ok = b.Poll()
	require.True(t, ok)
	assert.Equal(t, "a1", e)
	e, ok = a.Poll()
	require.True(t, ok)
	assert.Equal(t, "a3", e, "Poll should forward once the sink frees credit")
	assert.Equal(t, []string{"a2", "a3"}, pollAll(b), "The sink should receive elements in order")
	assert.Equal(t, int64(10), a.Credit().Available())
	assert.Equal(t, int64(2), b.Credit().Available())
}

func TestRelay_Take(t *testing.T) {
	t.Parallel()

	t.Run("ShouldWaitForSinkCredit", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		h := newRelayHarness(t)
		a, b := h.queue("a", 4), h.queue("b", 1)
		require.NoError(t, b.Enqueue(ctx, "b1", 1))
		require.NoError(t, a.RelayTo(b))
		require.NoError(t, a.Enqueue(ctx, "a1", 1))

		done := make(chan string, 1)
		go func() {
			e, err := a.Take(ctx)
			assert.NoError(t, err)
			done <- e
		}()
		require.Eventually(t, func() bool { return b.Credit().Waiting() == 1 }, testWaitTimeout, testPollTick,
			"Take should reserve the sink's credit")

		e, ok := b.Poll()
		require.True(t, ok)
		assert.Equal(t, "b1", e)
		assert.Equal(t, "a1", waitFor(t, done))
		assert.Equal(t, []string{"a1"}, pollAll(b))
	})

	t.Run("ShouldReturnReservation_WhenCancelled", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		h := newRelayHarness(t)
		a, b := h.queue("a", 4), h.queue("b", 1)
		require.NoError(t, b.Enqueue(ctx, "b1", 1))
		require.NoError(t, a.RelayTo(b))
		require.NoError(t, a.Enqueue(ctx, "a1", 1))

		takeCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			_, err := a.Take(takeCtx)
			done <- err
		}()
		require.Eventually(t, func() bool { return b.Credit().Waiting() == 1 }, testWaitTimeout, testPollTick)
		cancel()

		require.ErrorIs(t, waitFor(t, done), types.ErrCancelled)
		assert.Zero(t, b.Credit().Waiting(), "A cancelled Take should withdraw its reservation")
		assert.Equal(t, 1, a.Len(), "A cancelled Take should not remove anything")
		assert.Equal(t, int64(3), a.Credit().Available())

		_, ok := b.Poll()
		require.True(t, ok)
		assert.Equal(t, int64(1), b.Credit().Available(), "The sink should not leak reserved credit")
	})
}

func TestRelay_ChainBackpressure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startCoordinator(t)
	h := newRelayHarness(t, WithCoordinator(c))
	a, b, sink := h.queue("a", 10), h.queue("b", 2), h.queue("sink", 0)
	require.NoError(t, a.RelayTo(b))
	require.NoError(t, b.RelayTo(sink))

	const n = 5
	for i := range n {
		require.NoError(t, a.Enqueue(ctx, fmt.Sprintf("e%d", i), 1))
	}

	require.Eventually(t, func() bool { return b.Len() == 2 && a.Len() == 3 }, testWaitTimeout, testPollTick,
		"The chain should fill up to the closed terminal sink")
	assert.Zero(t, sink.Len(), "A zero-capacity sink should admit nothing")

	require.NoError(t, sink.Credit().Resize(n))
	require.Eventually(t, func() bool { return sink.Len() == n }, testWaitTimeout, testPollTick,
		"Resizing the terminal sink should drain the chain")
	assert.Zero(t, a.Len())
	assert.Zero(t, b.Len())
	assert.Eventually(t, func() bool {
		return a.Credit().Available() == 10 && b.Credit().Available() == 2
	}, testWaitTimeout, testPollTick, "Intermediate queues should hold no credit once drained")
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, pollAll(sink), "The chain should preserve order")
}

func TestRelay_ChainBackpressure_BlocksHeadProducer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startCoordinator(t)
	h := newRelayHarness(t, WithCoordinator(c))
	a, b, sink := h.queue("a", 1), h.queue("b", 1), h.queue("sink", 0)
	require.NoError(t, a.RelayTo(b))
	require.NoError(t, b.RelayTo(sink))

	require.NoError(t, a.Enqueue(ctx, "first", 1))
	require.Eventually(t, func() bool { return b.Len() == 1 }, testWaitTimeout, testPollTick,
		"The first element should move into the intermediate queue")
	require.NoError(t, a.Enqueue(ctx, "second", 1))

	blocked := make(chan error, 1)
	go func() { blocked <- a.Enqueue(ctx, "third", 1) }()
	require.Eventually(t, func() bool { return a.Credit().Waiting() == 1 }, testWaitTimeout, testPollTick,
		"The head producer should block while the terminal sink is closed")
	assert.Never(t, func() bool { return len(blocked) > 0 }, 50*time.Millisecond, testPollTick,
		"Enqueue should not return before the terminal sink gains capacity")

	require.NoError(t, sink.Credit().Resize(3))
	require.NoError(t, waitFor(t, blocked), "Resizing the terminal sink should unblock the head producer")
	require.Eventually(t, func() bool { return sink.Len() == 3 }, testWaitTimeout, testPollTick)
	assert.Equal(t, []string{"first", "second", "third"}, pollAll(sink))
}

func TestRelay_IntoPushConsumer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startCoordinator(t)
	h := newRelayHarness(t, WithCoordinator(c))
	a, b := h.queue("a", 8), h.queue("b", 1)
	rec := &deliveryRecorder{}
	require.NoError(t, b.SetPushCallback(func(_ context.Context, e string) error {
		rec.record(e)
		return nil
	}))
	require.NoError(t, a.RelayTo(b))
	require.ErrorIs(t, a.SetPushCallback(func(context.Context, string) error { return nil }), types.ErrRelayBound)

	for i := range 4 {
		require.NoError(t, a.Enqueue(ctx, fmt.Sprintf("x%d", i), 1))
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, testWaitTimeout, testPollTick)
	assert.Equal(t, []string{"x0", "x1", "x2", "x3"}, rec.snapshot())
}

func TestRelay_DetachRelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := startCoordinator(t)
	h := newRelayHarness(t, WithCoordinator(c))
	a, b := h.queue("a", 4), h.queue("b", 1)
	require.NoError(t, b.Enqueue(ctx, "b1", 1))
	require.NoError(t, a.RelayTo(b))
	require.NoError(t, a.Enqueue(ctx, "a1", 1))
	require.Eventually(t, func() bool { return b.Credit().Waiting() == 1 }, testWaitTimeout, testPollTick,
		"The dispatcher should reserve the sink's credit")

	assert.True(t, a.DetachRelay())
	assert.False(t, a.DetachRelay(), "A second detach should report no binding")
	assert.Zero(t, b.Credit().Waiting(), "Detaching should withdraw the reservation")
	assert.Zero(t, h.table.Len())

	assert.Equal(t, []string{"b1"}, pollAll(b))
	assert.Equal(t, int64(1), b.Credit().Available(), "Detaching should not leak sink credit")
	assert.Equal(t, []string{"a1"}, pollAll(a), "Elements should stay in the detached queue")
}

func TestRelay_SinkClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newRelayHarness(t)
	a, b := h.queue("a", 4), h.queue("b", 4)
	faults := &faultRecorder{}
	a.SetFlowQueueListener(faults)
	require.NoError(t, a.RelayTo(b))
	require.NoError(t, a.Enqueue(ctx, "a1", 1))

	b.Close()

	got := faults.snapshot()
	require.Len(t, got, 1, "Closing the sink should be reported once")
	assert.Equal(t, types.FaultOpRelay, got[0].Op)
	assert.ErrorIs(t, got[0], types.ErrQueueClosed)
	assert.Nil(t, a.RelaySink(), "The source should be detached from a closed sink")
	assert.Zero(t, h.table.Len())

	e, ok := a.Poll()
	require.True(t, ok)
	assert.Equal(t, "a1", e, "Elements should stay in the source")
	assert.Len(t, faults.snapshot(), 1, "No further faults should be reported")
}
