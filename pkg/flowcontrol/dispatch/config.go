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

import (
	"fmt"
	"strconv"
)

const (
	// defaultMaxConcurrentDispatches is the default number of dispatches that may run at once across all queues.
	defaultMaxConcurrentDispatches = 4
)

// PriorityUpdatePolicy controls when a priority change reaches an already-enrolled dispatchable.
type PriorityUpdatePolicy int

const (
	// PriorityUpdateAtNextSelection re-keys an enrolled dispatchable immediately, so the change applies to the next
	// selection. Dispatches already selected are not affected.
	PriorityUpdateAtNextSelection PriorityUpdatePolicy = iota

	// PriorityUpdateAtEnrollment keeps the priority captured at enrollment until the dispatchable is enrolled again.
	PriorityUpdateAtEnrollment
)

// String returns a human-readable string representation of the policy.
func (p PriorityUpdatePolicy) String() string {
	switch p {
	case PriorityUpdateAtNextSelection:
		return "AtNextSelection"
	case PriorityUpdateAtEnrollment:
		return "AtEnrollment"
	default:
		return "UnknownPolicy(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePriorityUpdatePolicy parses the string form produced by `PriorityUpdatePolicy.String`.
func ParsePriorityUpdatePolicy(s string) (PriorityUpdatePolicy, error) {
	for _, p := range []PriorityUpdatePolicy{PriorityUpdateAtNextSelection, PriorityUpdateAtEnrollment} {
		if s == p.String() {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown PriorityUpdatePolicy %q", s)
}

// Config holds the configuration for the `Coordinator`.
type Config struct {
	// MaxConcurrentDispatches bounds the number of dispatches running at once, across all dispatchables.
	// Optional: Defaults to `defaultMaxConcurrentDispatches` (4).
	MaxConcurrentDispatches int

	// PriorityUpdatePolicy decides when `Coordinator.Reprioritize` takes effect.
	// Optional: Defaults to `PriorityUpdateAtNextSelection`.
	PriorityUpdatePolicy PriorityUpdatePolicy
}

// ConfigOption is a functional option for configuring the Coordinator.
type ConfigOption func(*Config)

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxConcurrentDispatches: defaultMaxConcurrentDispatches,
		PriorityUpdatePolicy:    PriorityUpdateAtNextSelection,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithMaxConcurrentDispatches sets the dispatch concurrency bound.
func WithMaxConcurrentDispatches(n int) ConfigOption {
	return func(c *Config) {
		c.MaxConcurrentDispatches = n
	}
}

// WithPriorityUpdatePolicy sets the priority update policy.
func WithPriorityUpdatePolicy(p PriorityUpdatePolicy) ConfigOption {
	return func(c *Config) {
		c.PriorityUpdatePolicy = p
	}
}

// validate checks the configuration for validity.
func (c *Config) validate() error {
	if c.MaxConcurrentDispatches <= 0 {
		return fmt.Errorf("MaxConcurrentDispatches must be positive, but got %d", c.MaxConcurrentDispatches)
	}
	switch c.PriorityUpdatePolicy {
	case PriorityUpdateAtNextSelection, PriorityUpdateAtEnrollment:
	default:
		return fmt.Errorf("unknown PriorityUpdatePolicy %v", c.PriorityUpdatePolicy)
	}
	return nil
}
