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
	"time"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// flowItem is the buffered form of an element: the element plus the credit held for it.
type flowItem[E any] struct {
	element     E
	weight      int64
	enqueueTime time.Time
	handle      types.QueueItemHandle
}

var _ types.QueueItem = &flowItem[int]{}

func (fi *flowItem[E]) Weight() int64                         { return fi.weight }
func (fi *flowItem[E]) EnqueueTime() time.Time                { return fi.enqueueTime }
func (fi *flowItem[E]) Handle() types.QueueItemHandle         { return fi.handle }
func (fi *flowItem[E]) SetHandle(handle types.QueueItemHandle) { fi.handle = handle }
