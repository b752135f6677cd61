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
	"container/list"
	"sync"
	"sync/atomic"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/framework"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// ListQueueName is the name of the list-based queue implementation.
//
// It is a strict physical FIFO over `container/list`: items leave in exactly the order they were added. All
// operations are O(1) except Cleanup and Drain, which are O(n). This is the default buffer for flow queues.
const ListQueueName = "ListQueue"

func init() {
	MustRegisterQueue(RegisteredQueueName(ListQueueName), func() (framework.SafeQueue, error) {
		return newListQueue(), nil
	})
}

type listQueue struct {
	items  *list.List
	weight atomic.Int64
	mu     sync.RWMutex
}

// listItemHandle wraps the list element and records the owning queue so foreign handles are rejected.
type listItemHandle struct {
	element       *list.Element
	owner         *listQueue
	isInvalidated bool
}

func (lh *listItemHandle) Handle() any {
	return lh.element
}

func (lh *listItemHandle) Invalidate() {
	lh.isInvalidated = true
}

func (lh *listItemHandle) IsInvalidated() bool {
	return lh.isInvalidated
}

var _ types.QueueItemHandle = &listItemHandle{}

func newListQueue() *listQueue {
	return &listQueue{
		items: list.New(),
	}
}

// --- `framework.SafeQueue` Interface Implementation ---

func (lq *listQueue) Add(item types.QueueItem) {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	element := lq.items.PushBack(item)
	lq.weight.Add(item.Weight())
	item.SetHandle(&listItemHandle{element: element, owner: lq})
}

func (lq *listQueue) Remove(handle types.QueueItemHandle) (types.QueueItem, error) {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	if handle == nil || handle.IsInvalidated() {
		return nil, framework.ErrInvalidQueueItemHandle
	}
	lh, ok := handle.(*listItemHandle)
	if !ok {
		return nil, framework.ErrInvalidQueueItemHandle
	}
	if lh.owner != lq {
		return nil, framework.ErrQueueItemNotFound
	}

	item := lh.element.Value.(types.QueueItem)
	lq.items.Remove(lh.element)
	lq.weight.Add(-item.Weight())
	handle.Invalidate()
	return item, nil
}

func (lq *listQueue) Cleanup(predicate framework.PredicateFunc) []types.QueueItem {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	var removed []types.QueueItem
	var next *list.Element
	for e := lq.items.Front(); e != nil; e = next {
		next = e.Next()
		item := e.Value.(types.QueueItem)
		if !predicate(item) {
			continue
		}
		lq.items.Remove(e)
		lq.weight.Add(-item.Weight())
		if h := item.Handle(); h != nil {
			h.Invalidate()
		}
		removed = append(removed, item)
	}
	return removed
}

func (lq *listQueue) Drain() []types.QueueItem {
	lq.mu.Lock()
	defer lq.mu.Unlock()

	drained := make([]types.QueueItem, 0, lq.items.Len())
	for e := lq.items.Front(); e != nil; e = e.Next() {
		item := e.Value.(types.QueueItem)
		drained = append(drained, item)
		if h := item.Handle(); h != nil {
			h.Invalidate()
		}
	}
	lq.items.Init()
	lq.weight.Store(0)
	return drained
}

func (lq *listQueue) Name() string {
	return ListQueueName
}

func (lq *listQueue) Len() int {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	return lq.items.Len()
}

func (lq *listQueue) Weight() int64 {
	return lq.weight.Load()
}

func (lq *listQueue) PeekHead() types.QueueItem {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	if front := lq.items.Front(); front != nil {
		return front.Value.(types.QueueItem)
	}
	return nil
}

func (lq *listQueue) PeekTail() types.QueueItem {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	if back := lq.items.Back(); back != nil {
		return back.Value.(types.QueueItem)
	}
	return nil
}
