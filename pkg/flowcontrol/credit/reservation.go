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

package credit

import (
	"sync"
)

// GrantFunc is notified when an asynchronous acquisition resolves: err is nil if the credit was granted, otherwise the
// reason it never will be (for example, `types.ErrControllerClosed`).
//
// It runs outside the controller's lock, on whichever goroutine resolved the acquisition (possibly the caller of
// `AcquireAsync` itself), and must not block.
type GrantFunc func(err error)

type reservationState int

const (
	// reservationLocal waits in this controller's wait-set.
	reservationLocal reservationState = iota
	// reservationParent holds local credit and waits on the parent chain.
	reservationParent
	reservationGranted
	reservationFailed
	reservationCancelled
)

// Reservation is a pending asynchronous acquisition. It occupies a slot in the same FIFO wait-set as blocking
// acquirers but holds no goroutine while it waits.
type Reservation struct {
	c  *Controller
	n  int64
	fn GrantFunc

	mu     sync.Mutex
	state  reservationState
	local  *waiter
	parent *Reservation
}

// AcquireAsync queues a non-blocking request for n credits. fn is called once when the request resolves, unless the
// reservation is cancelled first. If the credit is available immediately, fn runs before AcquireAsync returns.
//
// Usage errors are returned synchronously and fn is never called.
func (c *Controller) AcquireAsync(n int64, fn GrantFunc) (*Reservation, error) {
	r := &Reservation{c: c, n: n, fn: fn}

	c.mu.Lock()
	if err := c.checkLocked(n); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.waiters.Len() == 0 && c.available >= n {
		c.available -= n
		c.observeLocked()
		c.mu.Unlock()
		r.onLocal(nil)
		return r, nil
	}
	r.local = &waiter{n: n, notify: r.onLocal}
	r.local.elem = c.waiters.PushBack(r.local)
	c.mu.Unlock()
	return r, nil
}

// Amount returns the credit requested.
func (r *Reservation) Amount() int64 { return r.n }

// Granted reports whether the credit has been granted to the holder of the reservation.
func (r *Reservation) Granted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == reservationGranted
}

// Cancel withdraws the reservation.
//
// It returns false only if the credit was already granted, in which case the caller owns it and must release it.
// Otherwise the reservation is dead, fn will not be called again, and no credit is held on its behalf.
func (r *Reservation) Cancel() bool {
	if r.withdraw() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != reservationGranted
}

// withdraw moves a pending reservation to cancelled. It reports whether it did, that is, whether fn is now
// suppressed. Credit acquired by a stage that resolves concurrently is returned by that stage's callback.
func (r *Reservation) withdraw() bool {
	r.mu.Lock()
	prev := r.state
	if prev != reservationLocal && prev != reservationParent {
		r.mu.Unlock()
		return false
	}
	r.state = reservationCancelled
	parent := r.parent
	r.mu.Unlock()

	switch prev {
	case reservationLocal:
		// If the waiter was resolved concurrently, onLocal observes the cancellation.
		r.c.abandon(r.local)
	case reservationParent:
		// A nil parent means onLocal has not stored it yet and will withdraw it itself.
		if parent != nil && parent.withdraw() {
			r.c.releaseLocal(r.n)
		}
	}
	return true
}

func (r *Reservation) onLocal(err error) {
	r.mu.Lock()
	if r.state == reservationCancelled {
		r.mu.Unlock()
		if err == nil {
			r.c.releaseLocal(r.n)
		}
		return
	}
	if err != nil || r.c.parent == nil {
		r.settleLocked(err)
		r.mu.Unlock()
		r.fn(err)
		return
	}
	r.state = reservationParent
	r.mu.Unlock()

	parent, perr := r.c.parent.AcquireAsync(r.n, r.onParent)
	if perr != nil {
		r.onParent(perr)
		return
	}

	r.mu.Lock()
	r.parent = parent
	cancelled := r.state == reservationCancelled
	r.mu.Unlock()
	if cancelled && parent.withdraw() {
		r.c.releaseLocal(r.n)
	}
}

func (r *Reservation) onParent(err error) {
	r.mu.Lock()
	if r.state == reservationCancelled {
		r.mu.Unlock()
		if err == nil {
			r.c.parent.Release(r.n)
		}
		r.c.releaseLocal(r.n)
		return
	}
	r.settleLocked(err)
	r.mu.Unlock()
	if err != nil {
		r.c.releaseLocal(r.n)
	}
	r.fn(err)
}

func (r *Reservation) settleLocked(err error) {
	if err != nil {
		r.state = reservationFailed
		return
	}
	r.state = reservationGranted
}
