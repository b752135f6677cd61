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

package framework

import (
	"errors"
)

// SafeQueue errors. They indicate a programming error in the caller and are wrapped by the flow queue if surfaced.
var (
	// ErrInvalidQueueItemHandle indicates a handle passed to SafeQueue.Remove is nil, already invalidated, or was not
	// issued by this kind of queue.
	ErrInvalidQueueItemHandle = errors.New("invalid queue item handle")

	// ErrQueueItemNotFound indicates a valid handle that was issued by a different queue instance.
	ErrQueueItemNotFound = errors.New("queue item not found for the given handle")
)
