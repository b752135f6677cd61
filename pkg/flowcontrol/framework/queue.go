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

// Package framework defines the buffer contract that flow queues are built on.
package framework

import (
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// PredicateFunc reports whether an item matches a condition. Used by SafeQueue.Cleanup.
type PredicateFunc func(item types.QueueItem) bool

// SafeQueue is a goroutine-safe, unbounded, ordered buffer of items.
//
// Implementations do not enforce capacity; credit accounting happens in the owning flow queue. Items are removed by
// handle so that a consumer can peek, decide, and then remove exactly the item it looked at.
type SafeQueue interface {
	// Name returns the registered name of the implementation (e.g., "ListQueue").
	Name() string

	// Len returns the number of buffered items.
	Len() int

	// Weight returns the sum of the weights of the buffered items.
	Weight() int64

	// PeekHead returns the next item to leave the queue without removing it, or nil if the queue is empty.
	PeekHead() types.QueueItem

	// PeekTail returns the most recently added item without removing it, or nil if the queue is empty.
	PeekTail() types.QueueItem

	// Add appends an item and assigns it a fresh handle through item.SetHandle.
	// Contract: the caller MUST NOT provide a nil item.
	Add(item types.QueueItem)

	// Remove removes the item identified by the handle and invalidates the handle.
	// Returns ErrInvalidQueueItemHandle if the handle is nil, invalidated, or of a foreign type.
	// Returns ErrQueueItemNotFound if the handle belongs to a different queue instance.
	Remove(handle types.QueueItemHandle) (types.QueueItem, error)

	// Cleanup removes, in order, every item for which the predicate returns true, invalidating their handles.
	Cleanup(predicate PredicateFunc) []types.QueueItem

	// Drain removes and returns all items in order, invalidating their handles. The queue is empty afterwards.
	Drain() []types.QueueItem
}
