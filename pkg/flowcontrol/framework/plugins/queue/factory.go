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

// Package queue holds the registry of SafeQueue implementations and the built-in ones.
package queue

import (
	"fmt"
	"sort"
	"sync"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/framework"
)

// RegisteredQueueName is the name a SafeQueue implementation is registered under.
type RegisteredQueueName string

// QueueConstructor creates an empty framework.SafeQueue.
type QueueConstructor func() (framework.SafeQueue, error)

var (
	// mu guards RegisteredQueues.
	mu sync.RWMutex
	// RegisteredQueues stores the constructors for all registered queues.
	RegisteredQueues = make(map[RegisteredQueueName]QueueConstructor)
)

// MustRegisterQueue registers a queue constructor, and panics if the name is already registered.
// This is intended to be called from init() functions.
func MustRegisterQueue(name RegisteredQueueName, constructor QueueConstructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := RegisteredQueues[name]; ok {
		panic(fmt.Sprintf("framework.SafeQueue already registered with name %q", name))
	}
	RegisteredQueues[name] = constructor
}

// NewQueueFromName creates a new SafeQueue from its registered name.
func NewQueueFromName(name RegisteredQueueName) (framework.SafeQueue, error) {
	mu.RLock()
	constructor, ok := RegisteredQueues[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no framework.SafeQueue registered with name %q", name)
	}
	return constructor()
}

// Names returns the registered names in sorted order.
func Names() []RegisteredQueueName {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]RegisteredQueueName, 0, len(RegisteredQueues))
	for name := range RegisteredQueues {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
