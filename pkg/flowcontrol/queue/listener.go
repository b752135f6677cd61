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
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
	"sigs.k8s.io/flowqueue/pkg/metrics"
)

// FaultListener observes failures of asynchronous work on a queue.
//
// It is called once per failure, outside the queue's locks, from the goroutine that observed the failure (typically
// a coordinator worker). It may call back into the queue.
type FaultListener interface {
	OnQueueFault(queueID string, fault *types.Fault)
}

// FaultListenerFunc adapts a function to `FaultListener`.
type FaultListenerFunc func(queueID string, fault *types.Fault)

func (f FaultListenerFunc) OnQueueFault(queueID string, fault *types.Fault) {
	f(queueID, fault)
}

// SetFlowQueueListener registers l as the queue's fault listener, replacing any previous one. A nil l removes it;
// faults are then only logged.
func (q *FlowQueue[E]) SetFlowQueueListener(l FaultListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = l
}

func (q *FlowQueue[E]) reportFault(fault *types.Fault) {
	q.mu.Lock()
	l := q.listener
	q.mu.Unlock()

	metrics.RecordFault(q.name, q.id, fault.Op.String())
	if l == nil {
		q.logger.Error(fault, "Unobserved queue fault")
		return
	}
	l.OnQueueFault(q.id, fault)
}
