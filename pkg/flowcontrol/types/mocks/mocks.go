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

// Package mocks provides test doubles for the types package.
package mocks

import (
	"time"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// MockQueueItem is a simple QueueItem whose accessors return the V fields.
type MockQueueItem struct {
	IDV          string
	WeightV      int64
	EnqueueTimeV time.Time
	handle       types.QueueItemHandle
}

func (m *MockQueueItem) Weight() int64 { return m.WeightV }
func (m *MockQueueItem) EnqueueTime() time.Time { return m.EnqueueTimeV }
func (m *MockQueueItem) Handle() types.QueueItemHandle { return m.handle }
func (m *MockQueueItem) SetHandle(h types.QueueItemHandle) { m.handle = h }

var _ types.QueueItem = &MockQueueItem{}

// NewMockQueueItem creates a mock item enqueued now.
func NewMockQueueItem(id string, weight int64) *MockQueueItem {
	return &MockQueueItem{IDV: id, WeightV: weight, EnqueueTimeV: time.Now()}
}

// MockQueueItemHandle is a handle no real queue issued.
type MockQueueItemHandle struct {
	RawHandle   any
	Invalidated bool
}

func (m *MockQueueItemHandle) Handle() any { return m.RawHandle }
func (m *MockQueueItemHandle) Invalidate() { m.Invalidated = true }
func (m *MockQueueItemHandle) IsInvalidated() bool { return m.Invalidated }

var _ types.QueueItemHandle = &MockQueueItemHandle{}
