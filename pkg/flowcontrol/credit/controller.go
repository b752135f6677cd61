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

// Package credit implements the credit-based flow controller that bounds the footprint of a flow queue.
//
// A `Controller` holds a fixed (but resizable) amount of credit. Producers acquire credit before buffering an element
// and consumers release it when the element leaves. Blocked acquirers wait in a single FIFO wait-set: a waiter at the
// head that cannot yet be satisfied holds back everyone behind it, and `TryAcquire` refuses to barge past queued
// waiters, so a steady stream of small non-blocking attempts can never starve a large blocking request.
//
// Controllers can be chained with `WithParent`. Acquiring from a child also acquires the same amount from its parent,
// and releasing returns it to both, which lets many queues share an aggregate limit while keeping their own.
package credit

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"sigs.k8s.io/flowqueue/pkg/common/observability/logging"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
	"sigs.k8s.io/flowqueue/pkg/metrics"
)

// Option configures a `Controller`.
type Option func(*Controller)

// WithParent chains the controller under a parent. Every grant from the child is also a grant from the parent.
func WithParent(parent *Controller) Option {
	return func(c *Controller) {
		c.parent = parent
	}
}

// WithClock sets the clock used for timed acquires. Test-only.
func WithClock(clk clock.WithTicker) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithLogger sets the logger. The controller name is added as a key.
func WithLogger(logger logr.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller is a goroutine-safe credit gate with FIFO waiters.
//
// Invariant: 0 <= available <= capacity. Capacity 0 is a closed gate: acquires block (rather than fail fast) until
// `Resize` opens it.
type Controller struct {
	name   string
	parent *Controller
	clock  clock.WithTicker
	logger logr.Logger

	mu        sync.Mutex
	capacity  int64
	available int64
	// waiters holds *waiter in arrival order.
	waiters *list.List
	closed  bool
}

// waiter is a queued acquire. Synchronous waiters block on ready; asynchronous ones are notified through notify.
type waiter struct {
	n      int64
	ready  chan struct{}
	notify func(error)
	// err is written before ready is closed or notify is called.
	err error
	// elem is nil once the waiter has been resolved (granted or failed) or abandoned.
	elem *list.Element
}

// NewController creates a controller with the given capacity, all of it available.
func NewController(name string, capacity int64, opts ...Option) (*Controller, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d for controller %q", types.ErrInvalidCapacity, capacity, name)
	}
	c := &Controller{
		name:      name,
		clock:     clock.RealClock{},
		logger:    logr.Discard(),
		capacity:  capacity,
		available: capacity,
		waiters:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithName("credit").WithValues("controller", name)
	metrics.SetCredit(name, c.available, c.capacity)
	return c, nil
}

// Name returns the controller's name.
func (c *Controller) Name() string { return c.name }

// Parent returns the parent controller, or nil.
func (c *Controller) Parent() *Controller { return c.parent }

// Capacity returns the current capacity.
func (c *Controller) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Available returns the credit that can currently be acquired from this controller (ignoring any parent).
func (c *Controller) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Outstanding returns the credit currently held by acquirers.
func (c *Controller) Outstanding() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.available
}

// Waiting returns the number of queued acquirers.
func (c *Controller) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}

// TryAcquire takes n credits without blocking.
//
// It succeeds iff n credits are available and no acquirer is already waiting. On false, nothing changed.
func (c *Controller) TryAcquire(n int64) (bool, error) {
	ok, err := c.tryAcquireLocal(n)
	if !ok || c.parent == nil {
		return ok, err
	}
	ok, err = c.parent.TryAcquire(n)
	if !ok {
		c.releaseLocal(n)
		return false, err
	}
	return true, nil
}

// Acquire blocks until n credits are granted or ctx is done.
//
// A cancelled acquire returns an error wrapping `types.ErrCancelled` and consumes no credit.
func (c *Controller) Acquire(ctx context.Context, n int64) error {
	_, err := c.acquire(ctx, n, nil)
	return err
}

// AcquireWithin is `Acquire` with a maximum wait measured on the controller's clock.
//
// If the wait expires it returns (false, nil) and consumes no credit. A non-positive timeout waits without limit;
// use `TryAcquire` to not wait.
func (c *Controller) AcquireWithin(ctx context.Context, n int64, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return c.acquire(ctx, n, nil)
	}
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	return c.acquire(ctx, n, timer.C())
}

// Release returns n credits and grants queued waiters, in order, while they fit.
//
// Releasing more than is outstanding returns `types.ErrOverRelease` and changes nothing. Release keeps working after
// `Close` so held credit can drain.
func (c *Controller) Release(n int64) error {
	if err := c.releaseLocal(n); err != nil {
		return err
	}
	if c.parent != nil {
		return c.parent.Release(n)
	}
	return nil
}

// Resize changes the capacity, adjusting available credit by the same delta.
//
// Shrinking below the outstanding credit is rejected. Waiters that could never be satisfied under the new capacity
// fail with `types.ErrExceedsCapacity`.
func (c *Controller) Resize(capacity int64) error {
	if capacity < 0 {
		return fmt.Errorf("%w: capacity %d", types.ErrInvalidCapacity, capacity)
	}

	c.mu.Lock()
	outstanding := c.capacity - c.available
	if capacity < outstanding {
		c.mu.Unlock()
		return fmt.Errorf("%w: capacity %d is below outstanding credit %d", types.ErrInvalidCapacity, capacity,
			outstanding)
	}
	c.capacity = capacity
	c.available = capacity - outstanding

	var notify []func()
	if capacity > 0 {
		var next *list.Element
		for e := c.waiters.Front(); e != nil; e = next {
			next = e.Next()
			w := e.Value.(*waiter)
			if w.n > capacity {
				c.waiters.Remove(e)
				notify = c.resolveLocked(w, fmt.Errorf("%w: requested %d, capacity %d", types.ErrExceedsCapacity, w.n,
					capacity), notify)
			}
		}
	}
	notify = c.grantLocked(notify)
	c.observeLocked()
	c.mu.Unlock()

	c.logger.V(logging.DEFAULT).Info("Resized credit controller", "capacity", capacity, "outstanding", outstanding)
	runAll(notify)
	return nil
}

// Close shuts the controller. Queued and future acquires fail with `types.ErrControllerClosed`.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var notify []func()
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		c.waiters.Remove(e)
		notify = c.resolveLocked(e.Value.(*waiter), types.ErrControllerClosed, notify)
	}
	c.mu.Unlock()

	c.logger.V(logging.VERBOSE).Info("Closed credit controller")
	runAll(notify)
}

// acquire runs the local stage and then the parent stage, undoing the local grant if the parent stage fails.
func (c *Controller) acquire(ctx context.Context, n int64, expiry <-chan time.Time) (bool, error) {
	start := c.clock.Now()
	ok, err := c.acquireLocal(ctx, n, expiry)
	if ok && c.parent != nil {
		if ok, err = c.parent.acquire(ctx, n, expiry); !ok {
			c.releaseLocal(n)
		}
	}
	metrics.RecordCreditAcquireDuration(c.name, acquireOutcome(ok, err).String(), c.clock.Since(start))
	return ok, err
}

func (c *Controller) acquireLocal(ctx context.Context, n int64, expiry <-chan time.Time) (bool, error) {
	c.mu.Lock()
	if err := c.checkLocked(n); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if c.waiters.Len() == 0 && c.available >= n {
		c.available -= n
		c.observeLocked()
		c.mu.Unlock()
		return true, nil
	}
	w := &waiter{n: n, ready: make(chan struct{})}
	w.elem = c.waiters.PushBack(w)
	c.mu.Unlock()

	c.logger.V(logging.TRACE).Info("Waiting for credit", "amount", n)
	select {
	case <-w.ready:
		if w.err != nil {
			return false, w.err
		}
		return true, nil
	case <-ctx.Done():
		c.withdraw(w)
		return false, fmt.Errorf("%w: %w", types.ErrCancelled, context.Cause(ctx))
	case <-expiry:
		c.withdraw(w)
		return false, nil
	}
}

// withdraw removes an abandoned synchronous waiter. If the waiter was granted in the meantime, the credit is given
// back so the abandoning caller observes no side effect.
func (c *Controller) withdraw(w *waiter) {
	if c.abandon(w) {
		return
	}
	<-w.ready
	if w.err == nil {
		c.releaseLocal(w.n)
	}
}

// abandon removes w from the wait-set. It returns false if w had already been resolved.
func (c *Controller) abandon(w *waiter) bool {
	c.mu.Lock()
	if w.elem == nil {
		c.mu.Unlock()
		return false
	}
	wasHead := c.waiters.Front() == w.elem
	c.waiters.Remove(w.elem)
	w.elem = nil
	var notify []func()
	if wasHead {
		// The abandoned head may have been holding back smaller requests.
		notify = c.grantLocked(nil)
		c.observeLocked()
	}
	c.mu.Unlock()
	runAll(notify)
	return true
}

func (c *Controller) tryAcquireLocal(n int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(n); err != nil {
		return false, err
	}
	if c.waiters.Len() > 0 || c.available < n {
		return false, nil
	}
	c.available -= n
	c.observeLocked()
	return true, nil
}

func (c *Controller) releaseLocal(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: release of %d", types.ErrInvalidAmount, n)
	}
	c.mu.Lock()
	if c.available+n > c.capacity {
		available, capacity := c.available, c.capacity
		c.mu.Unlock()
		return fmt.Errorf("%w: releasing %d with %d of %d available", types.ErrOverRelease, n, available, capacity)
	}
	c.available += n
	notify := c.grantLocked(nil)
	c.observeLocked()
	c.mu.Unlock()
	runAll(notify)
	return nil
}

// checkLocked validates an acquire request.
func (c *Controller) checkLocked(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: acquire of %d", types.ErrInvalidAmount, n)
	}
	if c.closed {
		return types.ErrControllerClosed
	}
	if c.capacity > 0 && n > c.capacity {
		return fmt.Errorf("%w: requested %d, capacity %d", types.ErrExceedsCapacity, n, c.capacity)
	}
	return nil
}

// grantLocked grants waiters from the head of the wait-set while they fit. Asynchronous notifications are appended to
// notify and must be run after the lock is released.
func (c *Controller) grantLocked(notify []func()) []func() {
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		w := e.Value.(*waiter)
		if w.n > c.available {
			break
		}
		c.available -= w.n
		c.waiters.Remove(e)
		notify = c.resolveLocked(w, nil, notify)
	}
	return notify
}

// resolveLocked completes a waiter that has already been removed from the wait-set.
func (c *Controller) resolveLocked(w *waiter, err error, notify []func()) []func() {
	w.elem = nil
	w.err = err
	if w.notify != nil {
		fn := w.notify
		return append(notify, func() { fn(err) })
	}
	close(w.ready)
	return notify
}

func (c *Controller) observeLocked() {
	metrics.SetCredit(c.name, c.available, c.capacity)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func acquireOutcome(ok bool, err error) types.AcquireOutcome {
	switch {
	case ok:
		return types.AcquireOutcomeGranted
	case err == nil:
		return types.AcquireOutcomeTimedOut
	case errors.Is(err, types.ErrCancelled):
		return types.AcquireOutcomeCancelled
	default:
		return types.AcquireOutcomeRejected
	}
}
