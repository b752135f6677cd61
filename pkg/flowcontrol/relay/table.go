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

// Package relay tracks the relay graph between flow queues.
//
// The graph is an explicit binding table keyed by queue ID rather than a web of object references, so that every new
// edge is validated against the whole chain before it exists. Each node has at most one downstream sink (out-degree
// one) and any number of upstream sources. Because out-degree is one, a cycle check is a walk down the chain from the
// proposed sink: if it reaches the proposed source, the binding is rejected.
package relay

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// DefaultTable is the table used by queues that are not given one explicitly.
var DefaultTable = NewTable()

// Table is a goroutine-safe directed acyclic graph of relay bindings.
type Table struct {
	mu sync.RWMutex
	// next maps a source ID to its sink ID.
	next map[string]string
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{next: make(map[string]string)}
}

// Bind records the edge from -> to.
//
// It fails with `types.ErrRelayBound` if from already has a sink, and with `types.ErrRelayCycle` if the edge would
// close a cycle (including from == to). A rejected Bind leaves the table unchanged.
func (t *Table) Bind(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: %s cannot relay to itself", types.ErrRelayCycle, from)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.next[from]; ok {
		return fmt.Errorf("%w: %s already relays to %s", types.ErrRelayBound, from, existing)
	}
	path := []string{from, to}
	for node, ok := t.next[to]; ok; node, ok = t.next[node] {
		path = append(path, node)
		if node == from {
			return fmt.Errorf("%w: %s", types.ErrRelayCycle, strings.Join(path, " -> "))
		}
	}
	t.next[from] = to
	return nil
}

// Unbind removes the outgoing edge of from, returning the former sink.
func (t *Table) Unbind(from string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	to, ok := t.next[from]
	delete(t.next, from)
	return to, ok
}

// Downstream returns the sink of from.
func (t *Table) Downstream(from string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	to, ok := t.next[from]
	return to, ok
}

// Upstreams returns the sources relaying into to, sorted.
func (t *Table) Upstreams(to string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sources []string
	for from, sink := range t.next {
		if sink == to {
			sources = append(sources, from)
		}
	}
	sort.Strings(sources)
	return sources
}

// Path returns the chain starting at from and ending at its terminal sink. A node with no sink yields [from].
func (t *Table) Path(from string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path := []string{from}
	for node, ok := t.next[from]; ok; node, ok = t.next[node] {
		path = append(path, node)
	}
	return path
}

// Len returns the number of edges.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.next)
}
