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

// Package dispatch schedules asynchronous deliveries across many queues by priority.
//
// A `Coordinator` keeps the set of enrolled dispatchables in a heap keyed by (priority, enrollment order). Its run
// loop waits for a free worker slot, pops the best entry, and hands one `Dispatch` call to an `Executor`. A
// dispatchable is never dispatched concurrently with itself: a `RequestDispatch` that arrives while it is in flight
// is remembered and turned into a re-enrollment when the call returns.
package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"sigs.k8s.io/flowqueue/pkg/common/observability/logging"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
	"sigs.k8s.io/flowqueue/pkg/metrics"
)

// Dispatchable is a unit of asynchronous work the coordinator can schedule, typically one flow queue.
type Dispatchable interface {
	// ID uniquely identifies the dispatchable within a coordinator.
	ID() string

	// DispatchPriority returns the current priority. Higher values are dispatched sooner.
	DispatchPriority() int

	// Dispatch performs one unit of work (one delivery) and reports whether more work is immediately available, in
	// which case the dispatchable is re-enrolled behind others of its priority.
	Dispatch(ctx context.Context) (more bool)
}

// Option configures a `Coordinator`.
type Option func(*Coordinator)

// WithExecutor sets the executor used to run dispatch tasks. Defaults to `GoExecutor`.
func WithExecutor(executor Executor) Option {
	return func(c *Coordinator) {
		c.executor = executor
	}
}

// Coordinator orders and runs dispatches across enrolled dispatchables.
type Coordinator struct {
	config   Config
	logger   logr.Logger
	executor Executor
	slots    *semaphore.Weighted

	mu      sync.Mutex
	entries map[string]*entry
	pending dispatchHeap
	seq     uint64

	// wake is signalled (non-blocking, capacity one) whenever an entry is enrolled.
	wake chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call `Run` to start dispatching.
func NewCoordinator(config *Config, logger logr.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:   *config,
		logger:   logger.WithName("dispatch-coordinator"),
		executor: GoExecutor,
		slots:    semaphore.NewWeighted(int64(config.MaxConcurrentDispatches)),
		entries:  make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestDispatch enrolls d for dispatch.
//
// It is idempotent: requesting an already-enrolled dispatchable is a no-op, and requesting one that is currently in
// flight schedules a single follow-up run instead of a concurrent one. It returns true if d was newly enrolled.
func (c *Coordinator) RequestDispatch(d Dispatchable) bool {
	c.mu.Lock()
	e, ok := c.entries[d.ID()]
	if !ok {
		e = &entry{d: d, index: -1}
		c.entries[d.ID()] = e
	}
	switch {
	case e.inFlight:
		e.rerun = true
		e.withdrawn = false
		c.mu.Unlock()
		return false
	case e.index >= 0:
		c.mu.Unlock()
		return false
	}
	c.enrollLocked(e)
	c.mu.Unlock()

	c.signal()
	return true
}

// Reprioritize applies a change of d's priority according to the configured `PriorityUpdatePolicy`.
// It has no effect if d is not enrolled.
func (c *Coordinator) Reprioritize(d Dispatchable) {
	if c.config.PriorityUpdatePolicy != PriorityUpdateAtNextSelection {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[d.ID()]
	if !ok || e.index < 0 {
		return
	}
	e.priority = d.DispatchPriority()
	heap.Fix(&c.pending, e.index)
}

// Withdraw removes d from the coordinator. A dispatch already in flight finishes but is not re-enrolled.
// It returns true if d was enrolled or in flight.
func (c *Coordinator) Withdraw(d Dispatchable) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[d.ID()]
	if !ok {
		return false
	}
	if e.inFlight {
		e.rerun = false
		e.withdrawn = true
		return true
	}
	if e.index >= 0 {
		heap.Remove(&c.pending, e.index)
		metrics.SetDispatchPending(c.pending.Len())
	}
	delete(c.entries, d.ID())
	return true
}

// Pending returns the number of enrolled dispatchables waiting to be selected.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// Run selects and executes dispatches until ctx is cancelled. It returns after all dispatches it started have
// finished.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.V(logging.DEFAULT).Info("Dispatch coordinator run loop starting.",
		"maxConcurrentDispatches", c.config.MaxConcurrentDispatches,
		"priorityUpdatePolicy", c.config.PriorityUpdatePolicy.String())
	defer c.logger.V(logging.DEFAULT).Info("Dispatch coordinator run loop stopped.")

	for {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			break
		}
		e := c.next(ctx)
		if e == nil {
			c.slots.Release(1)
			break
		}
		c.wg.Add(1)
		metrics.IncDispatchInFlight()
		c.executor.Submit(func() {
			defer c.wg.Done()
			defer c.slots.Release(1)
			defer metrics.DecDispatchInFlight()
			c.execute(ctx, e)
		})
	}
	c.wg.Wait()
}

// next blocks until an entry can be selected or ctx is done. The selected entry is marked in flight.
func (c *Coordinator) next(ctx context.Context) *entry {
	for {
		c.mu.Lock()
		if c.pending.Len() > 0 {
			e := heap.Pop(&c.pending).(*entry)
			e.inFlight = true
			metrics.SetDispatchPending(c.pending.Len())
			c.mu.Unlock()
			return e
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, e *entry) {
	more := c.invoke(ctx, e.d)

	c.mu.Lock()
	e.inFlight = false
	requeue := (more || e.rerun) && !e.withdrawn && ctx.Err() == nil
	e.rerun = false
	e.withdrawn = false
	if requeue {
		c.enrollLocked(e)
	} else {
		delete(c.entries, e.d.ID())
	}
	c.mu.Unlock()

	if requeue {
		c.signal()
	}
}

// invoke calls Dispatch, containing any panic so that it cannot take down the worker.
func (c *Coordinator) invoke(ctx context.Context, d Dispatchable) (more bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Errorf("%w: %v", types.ErrDeliveryPanic, r), "Dispatch panicked", "id", d.ID())
			more = false
		}
	}()
	return d.Dispatch(ctx)
}

func (c *Coordinator) enrollLocked(e *entry) {
	c.seq++
	e.seq = c.seq
	e.priority = e.d.DispatchPriority()
	heap.Push(&c.pending, e)
	metrics.SetDispatchPending(c.pending.Len())
	c.logger.V(logging.TRACE).Info("Enrolled for dispatch", "id", e.d.ID(), "priority", e.priority, "seq", e.seq)
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
