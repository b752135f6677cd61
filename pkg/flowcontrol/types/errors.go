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

package types

import (
	"errors"
)

// --- Usage Errors ---

// The following errors are reported synchronously to the caller and are fatal to that call only. They never change
// controller or queue state.
var (
	// ErrInvalidAmount indicates a credit acquire or release was attempted with a zero or negative amount.
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrExceedsCapacity indicates an acquire requested more credit than the controller could ever grant.
	// It is returned immediately instead of blocking forever.
	ErrExceedsCapacity = errors.New("credit amount exceeds controller capacity")

	// ErrOverRelease indicates a release would push available credit above capacity.
	ErrOverRelease = errors.New("credit release exceeds outstanding credit")

	// ErrInvalidCapacity indicates a negative capacity, or a resize below the credit currently outstanding.
	ErrInvalidCapacity = errors.New("invalid credit capacity")

	// ErrInvalidWeight indicates an element was enqueued with a zero or negative weight.
	ErrInvalidWeight = errors.New("element weight must be positive")
)

// --- Terminal State Errors ---

var (
	// ErrQueueClosed indicates the operation targeted a queue that has been closed.
	// Producers observe it on enqueue; blocked consumers observe it from Take.
	ErrQueueClosed = errors.New("flow queue is closed")

	// ErrControllerClosed indicates the credit controller has been closed and no longer grants credit.
	ErrControllerClosed = errors.New("credit controller is closed")
)

// --- Cancellation ---

var (
	// ErrCancelled indicates a blocked acquire or take was aborted by its context. No credit was consumed and no element
	// was removed. The error returned alongside typically also wraps the context's cause (`context.Canceled` or
	// `context.DeadlineExceeded`).
	//
	// Cancellation is distinct from a timed wait expiring, which is reported as a boolean false with a nil error.
	ErrCancelled = errors.New("operation cancelled")
)

// --- Configuration Errors ---

// These errors are returned when assembling a pipeline: binding relays, registering push consumers, or wiring
// collaborators.
var (
	// ErrRelayCycle indicates a relay binding was rejected because it would create a cycle in the relay graph.
	ErrRelayCycle = errors.New("relay binding would create a cycle")

	// ErrRelayBound indicates the queue's output is already bound to a relay sink.
	ErrRelayBound = errors.New("queue output is already relay-bound")

	// ErrPushConsumerSet indicates the queue already delivers to a push callback and cannot also be relay-bound.
	ErrPushConsumerSet = errors.New("queue has a push callback registered")

	// ErrRelayTableMismatch indicates the source and sink of a relay binding are tracked by different relay tables.
	ErrRelayTableMismatch = errors.New("relay source and sink use different relay tables")

	// ErrNilSink indicates a relay binding was requested without a sink.
	ErrNilSink = errors.New("relay sink must not be nil")

	// ErrNoCoordinator indicates an operation that requires asynchronous dispatch was attempted on a queue created
	// without a dispatch coordinator.
	ErrNoCoordinator = errors.New("queue has no dispatch coordinator")
)

// --- Delivery Errors ---

var (
	// ErrDeliveryPanic wraps a value recovered from a panicking push callback.
	ErrDeliveryPanic = errors.New("push callback panicked")
)
