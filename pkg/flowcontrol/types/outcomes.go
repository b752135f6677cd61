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

import "strconv"

// AcquireOutcome is the final state of a blocking credit acquisition.
//
// It is a low-cardinality label intended for metrics. The precise cause of a failure is carried by the error returned
// from the acquire call.
type AcquireOutcome int

const (
	// AcquireOutcomeGranted indicates the requested credit was granted.
	AcquireOutcomeGranted AcquireOutcome = iota

	// AcquireOutcomeTimedOut indicates the maximum wait expired before the credit became available.
	AcquireOutcomeTimedOut

	// AcquireOutcomeCancelled indicates the caller's context ended the wait.
	AcquireOutcomeCancelled

	// AcquireOutcomeRejected indicates a usage or terminal-state error (invalid amount, exceeds capacity, closed).
	AcquireOutcomeRejected
)

// String returns a human-readable string representation of the AcquireOutcome.
func (o AcquireOutcome) String() string {
	switch o {
	case AcquireOutcomeGranted:
		return "Granted"
	case AcquireOutcomeTimedOut:
		return "TimedOut"
	case AcquireOutcomeCancelled:
		return "Cancelled"
	case AcquireOutcomeRejected:
		return "Rejected"
	default:
		return "UnknownOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// DispatchOutcome is the result of a single scheduled dispatch of a queue by the coordinator.
type DispatchOutcome int

const (
	// DispatchOutcomeDelivered indicates the head element was handed to the push callback, which returned without error.
	DispatchOutcomeDelivered DispatchOutcome = iota

	// DispatchOutcomeFailed indicates the push callback returned an error or panicked. A `Fault` was reported.
	DispatchOutcomeFailed

	// DispatchOutcomeForwarded indicates the head element was moved into the queue's relay sink.
	DispatchOutcomeForwarded

	// DispatchOutcomeDeferred indicates the relay sink had no credit; the dispatch resumes when it is granted.
	DispatchOutcomeDeferred

	// DispatchOutcomeIdle indicates there was nothing to do (empty buffer, or no consumer registered).
	DispatchOutcomeIdle
)

// String returns a human-readable string representation of the DispatchOutcome.
func (o DispatchOutcome) String() string {
	switch o {
	case DispatchOutcomeDelivered:
		return "Delivered"
	case DispatchOutcomeFailed:
		return "Failed"
	case DispatchOutcomeForwarded:
		return "Forwarded"
	case DispatchOutcomeDeferred:
		return "Deferred"
	case DispatchOutcomeIdle:
		return "Idle"
	default:
		return "UnknownOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}
