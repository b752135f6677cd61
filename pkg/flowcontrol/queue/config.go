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
	"fmt"

	"golang.org/x/time/rate"

	buffers "sigs.k8s.io/flowqueue/pkg/flowcontrol/framework/plugins/queue"
)

const (
	// defaultCapacity is the default credit capacity of a queue that owns its controller.
	defaultCapacity = 1024
	// defaultBufferType is the default buffer implementation.
	defaultBufferType = buffers.ListQueueName
)

// Config holds the configuration of a single `FlowQueue`.
type Config struct {
	// Name is a human-readable name used in logs, metrics and faults.
	// Optional: Defaults to the queue's generated ID.
	Name string

	// Capacity is the credit capacity of the queue's own controller. Ignored when a controller is injected with
	// `WithCreditController`. Zero is a closed gate: every enqueue blocks until the controller is resized.
	// Optional: Defaults to `defaultCapacity` (1024).
	Capacity int64

	// DispatchPriority is the initial priority of the queue at the dispatch coordinator. Higher is sooner.
	DispatchPriority int

	// BufferType is the registered name of the `framework.SafeQueue` implementation to buffer into.
	// Optional: Defaults to "ListQueue".
	BufferType buffers.RegisteredQueueName

	// DispatchRateLimit caps push deliveries per second. Zero (or `rate.Inf`) means unlimited.
	DispatchRateLimit rate.Limit

	// DispatchBurst is the token bucket size used with DispatchRateLimit.
	// Optional: Defaults to 1 when a rate limit is set.
	DispatchBurst int
}

// ConfigOption is a functional option for configuring a FlowQueue.
type ConfigOption func(*Config)

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Capacity:   defaultCapacity,
		BufferType: defaultBufferType,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.defaultBurst()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// complete returns a validated copy of a Config that may have been built without `NewConfig`. A nil Config yields
// the defaults, and an empty BufferType selects the default buffer.
func (c *Config) complete() (*Config, error) {
	if c == nil {
		return NewConfig()
	}
	cp := *c
	if cp.BufferType == "" {
		cp.BufferType = defaultBufferType
	}
	cp.defaultBurst()
	if err := cp.validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (c *Config) defaultBurst() {
	if c.DispatchRateLimit > 0 && c.DispatchRateLimit != rate.Inf && c.DispatchBurst == 0 {
		c.DispatchBurst = 1
	}
}

// WithName sets the queue name.
func WithName(name string) ConfigOption {
	return func(c *Config) {
		c.Name = name
	}
}

// WithCapacity sets the capacity of the queue's own credit controller.
func WithCapacity(capacity int64) ConfigOption {
	return func(c *Config) {
		c.Capacity = capacity
	}
}

// WithDispatchPriority sets the initial dispatch priority.
func WithDispatchPriority(priority int) ConfigOption {
	return func(c *Config) {
		c.DispatchPriority = priority
	}
}

// WithBufferType selects the buffer implementation by registered name.
func WithBufferType(name buffers.RegisteredQueueName) ConfigOption {
	return func(c *Config) {
		c.BufferType = name
	}
}

// WithDispatchRateLimit caps push deliveries at limit per second with the given burst.
func WithDispatchRateLimit(limit rate.Limit, burst int) ConfigOption {
	return func(c *Config) {
		c.DispatchRateLimit = limit
		c.DispatchBurst = burst
	}
}

// validate checks the configuration for validity.
func (c *Config) validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("Capacity cannot be negative, but got %d", c.Capacity)
	}
	if c.BufferType == "" {
		return fmt.Errorf("BufferType must be set")
	}
	if c.DispatchRateLimit < 0 {
		return fmt.Errorf("DispatchRateLimit cannot be negative, but got %v", c.DispatchRateLimit)
	}
	if c.DispatchBurst < 0 {
		return fmt.Errorf("DispatchBurst cannot be negative, but got %d", c.DispatchBurst)
	}
	return nil
}

// newLimiter returns the push delivery limiter, or nil when deliveries are unlimited.
func (c *Config) newLimiter() *rate.Limiter {
	if c.DispatchRateLimit == 0 || c.DispatchRateLimit == rate.Inf {
		return nil
	}
	return rate.NewLimiter(c.DispatchRateLimit, c.DispatchBurst)
}
