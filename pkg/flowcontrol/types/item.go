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
	"time"
)

// QueueItemHandle is an opaque reference to an item's position inside a specific `framework.SafeQueue`.
//
// A handle is issued by `SafeQueue.Add` and invalidated when the item leaves the queue, so a stale handle can never
// remove a different item.
type QueueItemHandle interface {
	// Handle returns the implementation-specific raw handle (for example, a `*list.Element`).
	Handle() any

	// Invalidate marks the handle as no longer valid. Called by the owning queue upon removal.
	Invalidate()

	// IsInvalidated reports whether Invalidate has been called.
	IsInvalidated() bool
}

// QueueItem is the view of a buffered element that buffer implementations need.
//
// The weight is fixed at enqueue time and is exactly the credit held on behalf of the item.
type QueueItem interface {
	// Weight returns the credit consumed by the item. Always positive.
	Weight() int64

	// EnqueueTime returns when the item was accepted into its current queue.
	EnqueueTime() time.Time

	// Handle returns the handle assigned by the buffer, or nil if the item is not buffered.
	Handle() QueueItemHandle

	// SetHandle associates a handle with the item. Called by the buffer on Add.
	SetHandle(handle QueueItemHandle)
}
