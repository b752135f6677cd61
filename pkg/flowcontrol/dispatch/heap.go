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

package dispatch

// entry is the coordinator's bookkeeping for one dispatchable.
type entry struct {
	d        Dispatchable
	priority int
	// seq is the enrollment order, used as the tie-break among equal priorities.
	seq uint64
	// index is the position in the heap, or -1 when not enrolled.
	index int
	// inFlight is true while a Dispatch call is running.
	inFlight bool
	// rerun records a RequestDispatch that arrived while inFlight.
	rerun bool
	// withdrawn suppresses re-enrollment of an in-flight entry.
	withdrawn bool
}

// dispatchHeap orders entries by priority (highest first), then by enrollment sequence (oldest first).
// It implements `container/heap.Interface`.
type dispatchHeap []*entry

func (h dispatchHeap) Len() int { return len(h) }

func (h dispatchHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h dispatchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dispatchHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dispatchHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
