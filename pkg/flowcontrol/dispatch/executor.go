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

// Executor runs dispatch tasks on worker goroutines owned by the environment.
//
// Submit must not run the task on the caller's goroutine: the coordinator calls it from its selection loop.
// Concurrency is already bounded by the coordinator, so an Executor never needs to queue tasks of its own.
type Executor interface {
	Submit(task func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(task func())

// Submit calls f(task).
func (f ExecutorFunc) Submit(task func()) { f(task) }

// GoExecutor runs every task on a new goroutine.
var GoExecutor Executor = ExecutorFunc(func(task func()) { go task() })
