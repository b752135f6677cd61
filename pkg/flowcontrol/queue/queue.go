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

// Package queue provides `FlowQueue`, a credit-bounded FIFO with three consumption modes.
//
// Producers pay for every element with credit from the queue's `credit.Controller`; consumers return it when the
// element leaves. An element is consumed in exactly one of these ways:
//
//   - Pull: `Poll` removes the head without blocking, `Take` and `TakeWithin` wait for one.
//   - Push: a callback registered with `SetPushCallback` is invoked for each element from a worker of the dispatch
//     coordinator. Credit is returned after the callback completes.
//   - Relay: a queue bound with `RelayTo` forwards its elements into a downstream queue, paying for each with the
//     downstream queue's credit first. Backpressure therefore propagates up a relay chain without extra buffering.
//
// Failures that have no caller to return to, such as a push callback error or a relay sink closing, are reported to
// the queue's `FaultListener`.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"sigs.k8s.io/flowqueue/pkg/common/observability/logging"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/credit"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/dispatch"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/framework"
	buffers "sigs.k8s.io/flowqueue/pkg/flowcontrol/framework/plugins/queue"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/relay"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
	"sigs.k8s.io/flowqueue/pkg/metrics"
)

// Coordinator schedules push deliveries and relay forwards. `*dispatch.Coordinator` implements it.
type Coordinator interface {
	RequestDispatch(d dispatch.Dispatchable) bool
	Reprioritize(d dispatch.Dispatchable)
	Withdraw(d dispatch.Dispatchable) bool
}

var _ Coordinator = &dispatch.Coordinator{}

// DeliveryFunc consumes one element in push mode. A returned error (or panic) is reported as a fault; the element is
// not redelivered.
type DeliveryFunc[E any] func(ctx context.Context, element E) error

// Option configures the collaborators of a `FlowQueue`.
type Option func(*options)

type options struct {
	coordinator Coordinator
	logger      logr.Logger
	credit      *credit.Controller
	clock       clock.WithTicker
	relays      *relay.Table
}

// WithCoordinator sets the coordinator that runs push deliveries and relay forwards. Without one, push mode is
// unavailable and a relay-bound queue only forwards when pulled.
func WithCoordinator(c Coordinator) Option {
	return func(o *options) {
		o.coordinator = c
	}
}

// WithLogger sets the base logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCreditController makes the queue acquire from a caller-owned controller, for example one shared by several
// queues or chained to a parent. The queue never closes an injected controller.
func WithCreditController(c *credit.Controller) Option {
	return func(o *options) {
		o.credit = c
	}
}

// WithClock sets the clock used for timed waits and enqueue timestamps.
func WithClock(clk clock.WithTicker) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithRelayTable sets the relay table in which bindings are recorded. Queues can only relay to queues sharing the
// same table. Defaults to `relay.DefaultTable`.
func WithRelayTable(t *relay.Table) Option {
	return func(o *options) {
		o.relays = t
	}
}

// Stats is a point-in-time snapshot of a queue.
type Stats struct {
	ID               string
	Name             string
	Len              int
	Weight           int64
	CreditAvailable  int64
	CreditCapacity   int64
	DispatchPriority int
	PushMode         bool
	// RelaySink is the name of the downstream queue, or empty if not bound.
	RelaySink string
	Closed    bool
}

// FlowQueue is a credit-bounded FIFO of elements of type E.
type FlowQueue[E any] struct {
	id          string
	name        string
	logger      logr.Logger
	clock       clock.WithTicker
	credit      *credit.Controller
	ownsCredit  bool
	buffer      framework.SafeQueue
	coordinator Coordinator
	relays      *relay.Table
	limiter     *rate.Limiter
	dispatcher  *dispatcher[E]
	priority    atomic.Int64

	// lifetime is cancelled by Close and bounds every blocking producer call.
	lifetime    context.Context
	endLifetime context.CancelFunc

	// relayMu serializes forwards out of this queue. Lock order: relayMu, then mu, then the sink's mu.
	relayMu sync.Mutex
	edge    relayEdge

	mu sync.Mutex
	// changed is closed and replaced whenever an element is added or the consumption mode changes.
	changed   chan struct{}
	closed    bool
	push      DeliveryFunc[E]
	listener  FaultListener
	sink      *FlowQueue[E]
	upstreams map[string]*FlowQueue[E]
}

// New creates a queue. Its credit controller is created from the config unless one is injected.
//
// A config built without `NewConfig` gets the same defaults and validation. A nil config means all defaults.
func New[E any](config *Config, opts ...Option) (*FlowQueue[E], error) {
	config, err := config.complete()
	if err != nil {
		return nil, fmt.Errorf("invalid flow queue config: %w", err)
	}
	o := options{
		logger: log.Log,
		clock:  clock.RealClock{},
		relays: relay.DefaultTable,
	}
	for _, opt := range opts {
		opt(&o)
	}

	buffer, err := buffers.NewQueueFromName(config.BufferType)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer for queue %q: %w", config.Name, err)
	}

	id := uuid.NewString()
	name := config.Name
	if name == "" {
		name = id
	}

	q := &FlowQueue[E]{
		id:          id,
		name:        name,
		logger:      o.logger.WithName("flow-queue").WithValues("queue", name),
		clock:       o.clock,
		credit:      o.credit,
		buffer:      buffer,
		coordinator: o.coordinator,
		relays:      o.relays,
		limiter:     config.newLimiter(),
		changed:     make(chan struct{}),
		upstreams:   make(map[string]*FlowQueue[E]),
	}
	if q.credit == nil {
		c, err := credit.NewController(name, config.Capacity, credit.WithClock(o.clock), credit.WithLogger(o.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create credit controller for queue %q: %w", name, err)
		}
		q.credit = c
		q.ownsCredit = true
	}
	q.dispatcher = &dispatcher[E]{q: q}
	q.priority.Store(int64(config.DispatchPriority))
	q.lifetime, q.endLifetime = context.WithCancel(context.Background())

	q.logger.V(logging.VERBOSE).Info("Created flow queue", "id", id, "capacity", q.credit.Capacity(),
		"buffer", buffer.Name(), "ownsCredit", q.ownsCredit)
	metrics.SetQueueSize(q.name, q.id, 0, 0)
	return q, nil
}

// ID returns the queue's unique identifier.
func (q *FlowQueue[E]) ID() string { return q.id }

// Name returns the queue's name.
func (q *FlowQueue[E]) Name() string { return q.name }

// Credit returns the controller the queue's producers acquire from.
func (q *FlowQueue[E]) Credit() *credit.Controller { return q.credit }

// Len returns the number of buffered elements.
func (q *FlowQueue[E]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffer.Len()
}

// Weight returns the total weight of buffered elements.
func (q *FlowQueue[E]) Weight() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffer.Weight()
}

// Stats returns a snapshot of the queue.
func (q *FlowQueue[E]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		ID:               q.id,
		Name:             q.name,
		Len:              q.buffer.Len(),
		Weight:           q.buffer.Weight(),
		CreditAvailable:  q.credit.Available(),
		CreditCapacity:   q.credit.Capacity(),
		DispatchPriority: int(q.priority.Load()),
		PushMode:         q.push != nil,
		Closed:           q.closed,
	}
	if q.sink != nil {
		s.RelaySink = q.sink.name
	}
	return s
}

// Enqueue buffers e at the tail, blocking until weight credits are granted or ctx is done.
//
// It fails with `types.ErrInvalidWeight` for a non-positive weight, `types.ErrExceedsCapacity` if weight can never
// fit, `types.ErrQueueClosed` if the queue is or becomes closed, and an error wrapping `types.ErrCancelled` if ctx
// ends first. A failed enqueue holds no credit.
func (q *FlowQueue[E]) Enqueue(ctx context.Context, e E, weight int64) error {
	_, err := q.enqueue(ctx, e, weight, 0)
	return err
}

// EnqueueWithin is `Enqueue` with a maximum wait. It returns (false, nil) if the wait expires. As with
// `credit.Controller.AcquireWithin`, a non-positive timeout waits without limit; use `TryEnqueue` to not wait.
func (q *FlowQueue[E]) EnqueueWithin(ctx context.Context, e E, weight int64, timeout time.Duration) (bool, error) {
	return q.enqueue(ctx, e, weight, timeout)
}

// TryEnqueue buffers e only if the credit is available right now.
func (q *FlowQueue[E]) TryEnqueue(e E, weight int64) (bool, error) {
	if err := q.checkEnqueue(weight); err != nil {
		return false, err
	}
	ok, err := q.credit.TryAcquire(weight)
	if err != nil || !ok {
		return false, q.enqueueError(err)
	}
	return true, q.admit(e, weight)
}

func (q *FlowQueue[E]) enqueue(ctx context.Context, e E, weight int64, timeout time.Duration) (bool, error) {
	if err := q.checkEnqueue(weight); err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(q.lifetime, func() { cancel(types.ErrQueueClosed) })
	defer stop()

	ok, err := q.credit.AcquireWithin(ctx, weight, timeout)
	if err != nil || !ok {
		return false, q.enqueueError(err)
	}
	return true, q.admit(e, weight)
}

func (q *FlowQueue[E]) checkEnqueue(weight int64) error {
	if weight <= 0 {
		return fmt.Errorf("%w: %d", types.ErrInvalidWeight, weight)
	}
	if q.lifetime.Err() != nil {
		return types.ErrQueueClosed
	}
	return nil
}

// enqueueError maps a failed acquire caused by Close to `types.ErrQueueClosed`.
func (q *FlowQueue[E]) enqueueError(err error) error {
	if err != nil && q.lifetime.Err() != nil {
		return types.ErrQueueClosed
	}
	return err
}

// admit buffers an element whose credit is already held.
func (q *FlowQueue[E]) admit(e E, weight int64) error {
	item := &flowItem[E]{element: e, weight: weight, enqueueTime: q.clock.Now()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release(weight)
		return types.ErrQueueClosed
	}
	q.buffer.Add(item)
	q.signalLocked()
	q.observeLocked()
	scheduled := q.push != nil || q.sink != nil
	q.mu.Unlock()

	if scheduled {
		q.requestDispatch()
	}
	return nil
}

// Poll removes and returns the head without blocking.
//
// On a relay-bound queue the head is forwarded to the sink instead, using only credit the sink can grant immediately.
// The element returned then belongs to the sink, which buffers and delivers it; the caller gets a copy for
// observation and must treat it as read-only. Element types carrying mutable state should be consumed from the sink.
func (q *FlowQueue[E]) Poll() (E, bool) {
	r := q.poll(false)
	return r.element, r.ok
}

// Take removes and returns the head, waiting for one if the queue is empty. On a relay-bound queue it also waits for
// the sink's credit, and the element returned is read-only as described for `Poll`. It fails with
// `types.ErrQueueClosed` once the queue is closed, or with an error wrapping `types.ErrCancelled` if ctx ends first,
// in which case nothing was removed.
func (q *FlowQueue[E]) Take(ctx context.Context) (E, error) {
	e, _, err := q.take(ctx, nil)
	return e, err
}

// TakeWithin is `Take` with a maximum wait. It returns (zero, false, nil) if the wait expires. As with
// `credit.Controller.AcquireWithin`, a non-positive timeout waits without limit; use `Poll` to not wait.
func (q *FlowQueue[E]) TakeWithin(ctx context.Context, timeout time.Duration) (E, bool, error) {
	if timeout <= 0 {
		return q.take(ctx, nil)
	}
	timer := q.clock.NewTimer(timeout)
	defer timer.Stop()
	return q.take(ctx, timer.C())
}

func (q *FlowQueue[E]) take(ctx context.Context, expiry <-chan time.Time) (E, bool, error) {
	var zero E
	for {
		r := q.poll(true)
		if r.err != nil || r.ok {
			return r.element, r.ok, r.err
		}

		select {
		case <-r.changed:
		case <-r.granted:
		case <-ctx.Done():
			q.abandonReservation()
			return zero, false, fmt.Errorf("%w: %w", types.ErrCancelled, context.Cause(ctx))
		case <-expiry:
			q.abandonReservation()
			return zero, false, nil
		}
	}
}

// pollResult is the outcome of one removal attempt. When nothing was removed, changed (and granted, while a sink
// reservation is pending) tell the caller when to retry.
type pollResult[E any] struct {
	element E
	ok      bool
	err     error
	changed <-chan struct{}
	granted <-chan struct{}
}

func (q *FlowQueue[E]) poll(reserve bool) pollResult[E] {
	q.relayMu.Lock()
	if sink := q.currentSink(); sink != nil {
		r := q.forwardLocked(sink, reserve)
		q.relayMu.Unlock()
		if r.fault != nil {
			q.reportFault(r.fault)
		}
		if r.status != forwardDetached {
			return pollResult[E]{element: r.element, ok: r.status == forwardDone, changed: r.changed, granted: r.granted}
		}
		// The sink went away; the head stays here and is handed out directly.
		q.relayMu.Lock()
	}
	defer q.relayMu.Unlock()

	q.mu.Lock()
	item := q.removeHeadLocked()
	if item == nil {
		r := pollResult[E]{changed: q.changed}
		if q.closed {
			r.err = types.ErrQueueClosed
		}
		q.mu.Unlock()
		return r
	}
	q.observeLocked()
	q.mu.Unlock()

	q.release(item.weight)
	return pollResult[E]{element: item.element, ok: true}
}

// Discard removes every buffered element matching pred and returns them in FIFO order. Their credit is released.
func (q *FlowQueue[E]) Discard(pred func(E) bool) []E {
	q.mu.Lock()
	removed := q.buffer.Cleanup(func(item types.QueueItem) bool {
		return pred(item.(*flowItem[E]).element)
	})
	q.observeLocked()
	q.mu.Unlock()

	return q.releaseItems(removed)
}

// SetDispatchPriority changes the queue's priority at the coordinator.
func (q *FlowQueue[E]) SetDispatchPriority(priority int) {
	q.priority.Store(int64(priority))
	if q.coordinator != nil {
		q.coordinator.Reprioritize(q.dispatcher)
	}
}

// Close shuts the queue and returns the elements that were still buffered, in FIFO order, releasing their credit.
//
// Blocked producers and consumers fail with `types.ErrQueueClosed`. The queue's own relay binding is dropped and every
// queue relaying into it is detached with a fault. Close is idempotent; later calls return nil.
func (q *FlowQueue[E]) Close() []E {
	q.relayMu.Lock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.relayMu.Unlock()
		return nil
	}
	q.closed = true
	q.endLifetime()
	q.push = nil
	drained := q.buffer.Drain()
	upstreams := make([]*FlowQueue[E], 0, len(q.upstreams))
	for _, u := range q.upstreams {
		upstreams = append(upstreams, u)
	}
	q.signalLocked()
	q.mu.Unlock()
	q.detachLocked()
	q.relayMu.Unlock()

	elements := q.releaseItems(drained)
	if q.coordinator != nil {
		q.coordinator.Withdraw(q.dispatcher)
	}
	for _, u := range upstreams {
		u.onSinkClosed(q)
	}
	if q.ownsCredit {
		q.credit.Close()
	}
	metrics.DeleteQueue(q.id)
	q.logger.V(logging.VERBOSE).Info("Closed flow queue", "drained", len(elements), "upstreams", len(upstreams))
	return elements
}

// removeHeadLocked removes and returns the head, or nil if the buffer is empty.
func (q *FlowQueue[E]) removeHeadLocked() *flowItem[E] {
	head := q.buffer.PeekHead()
	if head == nil {
		return nil
	}
	removed, err := q.buffer.Remove(head.Handle())
	if err != nil {
		q.logger.Error(err, "Failed to remove head of buffer")
		return nil
	}
	return removed.(*flowItem[E])
}

func (q *FlowQueue[E]) releaseItems(items []types.QueueItem) []E {
	if len(items) == 0 {
		return nil
	}
	elements := make([]E, 0, len(items))
	var weight int64
	for _, item := range items {
		fi := item.(*flowItem[E])
		elements = append(elements, fi.element)
		weight += fi.weight
	}
	q.release(weight)
	return elements
}

func (q *FlowQueue[E]) release(weight int64) {
	if err := q.credit.Release(weight); err != nil {
		q.logger.Error(err, "Failed to release credit", "weight", weight)
	}
}

func (q *FlowQueue[E]) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *FlowQueue[E]) observeLocked() {
	metrics.SetQueueSize(q.name, q.id, q.buffer.Len(), q.buffer.Weight())
}

func (q *FlowQueue[E]) requestDispatch() {
	if q.coordinator != nil {
		q.coordinator.RequestDispatch(q.dispatcher)
	}
}

// dispatcher adapts a queue to `dispatch.Dispatchable`.
type dispatcher[E any] struct {
	q *FlowQueue[E]
}

func (d *dispatcher[E]) ID() string            { return d.q.id }
func (d *dispatcher[E]) DispatchPriority() int { return int(d.q.priority.Load()) }

func (d *dispatcher[E]) Dispatch(ctx context.Context) bool {
	return d.q.dispatch(ctx)
}

// dispatch performs one scheduled unit of work: a relay forward if the queue is bound, otherwise a push delivery.
func (q *FlowQueue[E]) dispatch(ctx context.Context) bool {
	q.relayMu.Lock()
	if sink := q.currentSink(); sink != nil {
		r := q.forwardLocked(sink, true)
		q.relayMu.Unlock()
		if r.fault != nil {
			q.reportFault(r.fault)
		}
		metrics.RecordDispatch(q.name, q.id, r.outcome().String())
		return r.status == forwardDone && q.Len() > 0
	}
	q.relayMu.Unlock()
	return q.deliver(ctx)
}

// deliver hands the head to the push callback. Credit is released once the callback returns.
func (q *FlowQueue[E]) deliver(ctx context.Context) bool {
	q.mu.Lock()
	idle := q.push == nil || q.buffer.Len() == 0
	q.mu.Unlock()
	if idle {
		metrics.RecordDispatch(q.name, q.id, types.DispatchOutcomeIdle.String())
		return false
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			metrics.RecordDispatch(q.name, q.id, types.DispatchOutcomeDeferred.String())
			if ctx.Err() == nil {
				// The limiter can never admit this delivery; the element stays buffered.
				q.reportFault(&types.Fault{
					QueueID:   q.id,
					QueueName: q.name,
					Op:        types.FaultOpDeliver,
					Err:       fmt.Errorf("dispatch rate limit: %w", err),
				})
			}
			return false
		}
	}

	q.mu.Lock()
	fn := q.push
	var item *flowItem[E]
	if fn != nil {
		item = q.removeHeadLocked()
	}
	if item == nil {
		q.mu.Unlock()
		metrics.RecordDispatch(q.name, q.id, types.DispatchOutcomeIdle.String())
		return false
	}
	q.observeLocked()
	more := q.buffer.Len() > 0
	q.mu.Unlock()

	err := q.invoke(ctx, fn, item.element)
	q.release(item.weight)
	if err != nil {
		metrics.RecordDispatch(q.name, q.id, types.DispatchOutcomeFailed.String())
		q.reportFault(&types.Fault{
			QueueID:   q.id,
			QueueName: q.name,
			Op:        types.FaultOpDeliver,
			Element:   item.element,
			Err:       err,
		})
		return more
	}
	metrics.RecordDispatch(q.name, q.id, types.DispatchOutcomeDelivered.String())
	return more
}

func (q *FlowQueue[E]) invoke(ctx context.Context, fn DeliveryFunc[E], e E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", types.ErrDeliveryPanic, r)
		}
	}()
	return fn(log.IntoContext(ctx, q.logger), e)
}

// SetPushCallback switches the queue to push mode, delivering every buffered and future element to fn. A nil fn
// reverts to pull mode; a delivery already in progress completes.
//
// Push mode requires a coordinator and is exclusive with a relay binding.
func (q *FlowQueue[E]) SetPushCallback(fn DeliveryFunc[E]) error {
	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		return types.ErrQueueClosed
	case fn != nil && q.coordinator == nil:
		q.mu.Unlock()
		return types.ErrNoCoordinator
	case fn != nil && q.sink != nil:
		q.mu.Unlock()
		return fmt.Errorf("%w: queue %q relays to %q", types.ErrRelayBound, q.name, q.sink.name)
	}
	q.push = fn
	pending := q.buffer.Len() > 0
	q.signalLocked()
	q.mu.Unlock()

	if fn == nil {
		if q.coordinator != nil {
			q.coordinator.Withdraw(q.dispatcher)
		}
		q.logger.V(logging.VERBOSE).Info("Reverted to pull mode")
		return nil
	}
	q.logger.V(logging.VERBOSE).Info("Switched to push mode", "buffered", pending)
	if pending {
		q.requestDispatch()
	}
	return nil
}
