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

// Package types defines the shared vocabulary of the flow control packages.
//
// It holds the sentinel errors returned by credit controllers and queues, the `Fault` value reported for failures
// that happen off the caller's stack, the low-cardinality outcome enums used as metric labels, and the item and
// handle contracts that buffer implementations (`framework.SafeQueue`) operate on.
//
// Nothing in this package blocks or holds state; it exists so that `credit`, `framework`, `relay`, `dispatch` and
// `queue` can agree on errors and data shapes without importing each other.
package types
