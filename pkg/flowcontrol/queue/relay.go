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
	"fmt"

	"sigs.k8s.io/flowqueue/pkg/common/observability/logging"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/credit"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// relayEdge is the sink credit a relay-bound queue has secured for its head. At most one of held and grant is set.
// Guarded by relayMu.
type relayEdge struct {
	held  int64
	grant *sinkGrant
}

// sinkGrant is an outstanding asynchronous acquisition on the sink's controller.
type sinkGrant struct {
	weight int64
	res    *credit.Reservation
	// done is closed by the grant callback after err is set.
	done chan struct{}
	err  error
}

type forwardStatus int

const (
	forwardDone forwardStatus = iota
	forwardEmpty
	forwardNoCredit
	forwardDetached
)

type forwardResult[E any] struct {
	status  forwardStatus
	element E
	changed <-chan struct{}
	granted <-chan struct{}
	// fault must be reported after relayMu is released.
	fault *types.Fault
}

func (r forwardResult[E]) outcome() types.DispatchOutcome {
	switch r.status {
	case forwardDone:
		return types.DispatchOutcomeForwarded
	case forwardNoCredit:
		return types.DispatchOutcomeDeferred
	case forwardDetached:
		return types.DispatchOutcomeFailed
	default:
		return types.DispatchOutcomeIdle
	}
}

// RelayTo binds the queue to sink: from now on every element leaving this queue is first enqueued into sink under
// sink's credit. The binding is rejected, with no change to either queue, if it would close a cycle of relays
// (`types.ErrRelayCycle`), if the queue is already bound (`types.ErrRelayBound`) or in push mode
// (`types.ErrPushConsumerSet`), or if either queue is closed.
func (q *FlowQueue[E]) RelayTo(sink *FlowQueue[E]) error {
	if sink == nil {
		return types.ErrNilSink
	}
	if q.relays != sink.relays {
		return fmt.Errorf("%w: %q and %q", types.ErrRelayTableMismatch, q.name, sink.name)
	}

	q.relayMu.Lock()
	defer q.relayMu.Unlock()

	if err := q.checkRelayable(); err != nil {
		return err
	}
	if err := q.relays.Bind(q.id, sink.id); err != nil {
		return fmt.Errorf("relay %q to %q: %w", q.name, sink.name, err)
	}

	q.mu.Lock()
	if err := q.checkRelayableLocked(); err != nil {
		q.mu.Unlock()
		q.relays.Unbind(q.id)
		return err
	}
	sink.mu.Lock()
	if sink.closed {
		sink.mu.Unlock()
		q.mu.Unlock()
		q.relays.Unbind(q.id)
		return fmt.Errorf("%w: relay sink %q", types.ErrQueueClosed, sink.name)
	}
	q.sink = sink
	sink.upstreams[q.id] = q
	sink.mu.Unlock()
	pending := q.buffer.Len() > 0
	q.signalLocked()
	q.mu.Unlock()

	q.logger.V(logging.VERBOSE).Info("Bound relay", "sink", sink.name, "buffered", pending)
	if pending {
		q.requestDispatch()
	}
	return nil
}

func (q *FlowQueue[E]) checkRelayable() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkRelayableLocked()
}

func (q *FlowQueue[E]) checkRelayableLocked() error {
	switch {
	case q.closed:
		return types.ErrQueueClosed
	case q.push != nil:
		return fmt.Errorf("%w: queue %q", types.ErrPushConsumerSet, q.name)
	case q.sink != nil:
		return fmt.Errorf("%w: queue %q relays to %q", types.ErrRelayBound, q.name, q.sink.name)
	}
	return nil
}

// DetachRelay removes the queue's relay binding, returning any sink credit secured for the head. Buffered elements
// stay in this queue. It reports whether the queue was bound.
func (q *FlowQueue[E]) DetachRelay() bool {
	q.relayMu.Lock()
	sink := q.detachLocked()
	q.relayMu.Unlock()
	if sink != nil {
		q.logger.V(logging.VERBOSE).Info("Detached relay", "sink", sink.name)
	}
	return sink != nil
}

// RelaySink returns the queue this one relays to, or nil.
func (q *FlowQueue[E]) RelaySink() *FlowQueue[E] {
	return q.currentSink()
}

func (q *FlowQueue[E]) currentSink() *FlowQueue[E] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sink
}

// detachLocked drops the binding and returns the former sink. Requires relayMu.
func (q *FlowQueue[E]) detachLocked() *FlowQueue[E] {
	q.mu.Lock()
	sink := q.sink
	if sink == nil {
		q.mu.Unlock()
		return nil
	}
	q.sink = nil
	q.signalLocked()
	q.mu.Unlock()

	q.relays.Unbind(q.id)
	q.dropEdgeLocked(sink)
	sink.mu.Lock()
	delete(sink.upstreams, q.id)
	sink.mu.Unlock()
	return sink
}

// dropEdgeLocked gives back sink credit secured but not used. Requires relayMu.
func (q *FlowQueue[E]) dropEdgeLocked(sink *FlowQueue[E]) {
	if g := q.edge.grant; g != nil {
		q.edge.grant = nil
		if !g.res.Cancel() {
			sink.release(g.weight)
		}
	}
	if q.edge.held > 0 {
		sink.release(q.edge.held)
		q.edge.held = 0
	}
}

// abandonReservation is called when a pull consumer stops waiting. Without a coordinator nobody else would use the
// secured sink credit, so it is returned.
func (q *FlowQueue[E]) abandonReservation() {
	if q.coordinator != nil {
		return
	}
	q.relayMu.Lock()
	defer q.relayMu.Unlock()
	if sink := q.currentSink(); sink != nil {
		q.dropEdgeLocked(sink)
	}
}

// onSinkClosed detaches the queue from a sink that has closed and reports it.
func (q *FlowQueue[E]) onSinkClosed(sink *FlowQueue[E]) {
	q.relayMu.Lock()
	if q.currentSink() != sink {
		q.relayMu.Unlock()
		return
	}
	q.detachLocked()
	q.relayMu.Unlock()

	q.logger.V(logging.DEFAULT).Info("Relay sink closed, detached", "sink", sink.name)
	q.reportFault(&types.Fault{
		QueueID:   q.id,
		QueueName: q.name,
		Op:        types.FaultOpRelay,
		Err:       fmt.Errorf("%w: relay sink %q", types.ErrQueueClosed, sink.name),
	})
}

// forwardLocked moves the head into sink, securing sink credit first. With reserve set, missing credit is requested
// asynchronously and the grant requests another dispatch; otherwise only immediately available credit is used.
// Requires relayMu.
func (q *FlowQueue[E]) forwardLocked(sink *FlowQueue[E], reserve bool) forwardResult[E] {
	for {
		q.mu.Lock()
		head, _ := q.buffer.PeekHead().(*flowItem[E])
		changed := q.changed
		q.mu.Unlock()
		if head == nil {
			return forwardResult[E]{status: forwardEmpty, changed: changed}
		}

		status, granted, err := q.secureLocked(sink, head.weight, reserve)
		if err != nil {
			return q.failForwardLocked(sink, head, err)
		}
		if status == forwardNoCredit {
			if granted != nil && closedChan(granted) {
				continue
			}
			return forwardResult[E]{status: forwardNoCredit, changed: changed, granted: granted}
		}

		q.mu.Lock()
		if q.buffer.PeekHead() != head {
			// The head was discarded concurrently; the secured credit is re-checked against the new head.
			q.mu.Unlock()
			continue
		}
		sink.mu.Lock()
		if sink.closed {
			sink.mu.Unlock()
			q.mu.Unlock()
			return q.failForwardLocked(sink, head, fmt.Errorf("%w: relay sink %q", types.ErrQueueClosed, sink.name))
		}
		q.removeHeadLocked()
		q.observeLocked()
		head.enqueueTime = sink.clock.Now()
		sink.buffer.Add(head)
		sink.signalLocked()
		sink.observeLocked()
		scheduled := sink.push != nil || sink.sink != nil
		sink.mu.Unlock()
		q.mu.Unlock()

		q.edge.held = 0
		q.release(head.weight)
		if scheduled {
			sink.requestDispatch()
		}
		q.logger.V(logging.TRACE).Info("Forwarded element", "sink", sink.name, "weight", head.weight)
		return forwardResult[E]{status: forwardDone, element: head.element}
	}
}

// secureLocked makes sure the edge holds exactly weight credits of sink. It returns forwardDone once it does, or
// forwardNoCredit with the channel of a pending grant. An error means the sink will never grant them.
func (q *FlowQueue[E]) secureLocked(sink *FlowQueue[E], weight int64,
	reserve bool) (forwardStatus, <-chan struct{}, error) {
	if g := q.edge.grant; g != nil {
		select {
		case <-g.done:
			q.edge.grant = nil
			if g.err != nil {
				return forwardDetached, nil, g.err
			}
			q.edge.held = g.weight
		default:
			return forwardNoCredit, g.done, nil
		}
	}

	if q.edge.held == weight {
		return forwardDone, nil, nil
	}
	if q.edge.held > 0 {
		sink.release(q.edge.held)
		q.edge.held = 0
	}

	ok, err := sink.credit.TryAcquire(weight)
	if err != nil {
		return forwardDetached, nil, err
	}
	if ok {
		q.edge.held = weight
		return forwardDone, nil, nil
	}
	if !reserve {
		return forwardNoCredit, nil, nil
	}

	g := &sinkGrant{weight: weight, done: make(chan struct{})}
	res, err := sink.credit.AcquireAsync(weight, func(err error) {
		g.err = err
		close(g.done)
		q.requestDispatch()
	})
	if err != nil {
		return forwardDetached, nil, err
	}
	g.res = res
	q.edge.grant = g
	return forwardNoCredit, g.done, nil
}

// failForwardLocked detaches from a sink that cannot accept the head. The head stays in this queue. Requires relayMu.
func (q *FlowQueue[E]) failForwardLocked(sink *FlowQueue[E], head *flowItem[E], err error) forwardResult[E] {
	q.detachLocked()
	q.logger.V(logging.DEFAULT).Info("Relay sink rejected element, detached", "sink", sink.name, "error", err.Error())
	return forwardResult[E]{
		status: forwardDetached,
		fault: &types.Fault{
			QueueID:   q.id,
			QueueName: q.name,
			Op:        types.FaultOpRelay,
			Element:   head.element,
			Err:       fmt.Errorf("relay to %q: %w", sink.name, err),
		},
	}
}

func closedChan(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
