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
	"fmt"
	"strconv"
)

// FaultOp identifies the asynchronous operation during which a `Fault` occurred.
type FaultOp int

const (
	// FaultOpDeliver is a push callback delivery that returned an error or panicked.
	FaultOpDeliver FaultOp = iota

	// FaultOpRelay is a relay forward that could not reach its sink (for example, because the sink was closed).
	FaultOpRelay
)

// String returns the label form of the operation.
func (o FaultOp) String() string {
	switch o {
	case FaultOpDeliver:
		return "deliver"
	case FaultOpRelay:
		return "relay"
	default:
		return "UnknownOp(" + strconv.Itoa(int(o)) + ")"
	}
}

// Fault describes a failure detected while no caller was on the stack to receive it.
//
// Faults are handed to the queue's registered fault listener exactly once. The element is included for diagnosis
// only: a faulted delivery is not retried and its credit has already been returned.
type Fault struct {
	// QueueID is the unique identity of the queue that observed the fault.
	QueueID string
	// QueueName is the human-readable name of the queue.
	QueueName string
	// Op is the operation that failed.
	Op FaultOp
	// Element is the element being delivered or forwarded when the fault occurred. It may be nil.
	Element any
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("queue %q (%s): %s failed: %v", f.QueueName, f.QueueID, f.Op, f.Err)
}

// Unwrap exposes the underlying cause to `errors.Is` and `errors.As`.
func (f *Fault) Unwrap() error {
	return f.Err
}
