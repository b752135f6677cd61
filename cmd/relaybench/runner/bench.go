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

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"sigs.k8s.io/flowqueue/pkg/common/observability/logging"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/dispatch"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/queue"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/relay"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

// Default benchmark settings.
const (
	DefaultStages         = 3
	DefaultStageCapacity  = 16
	DefaultSinkCapacity   = 4
	DefaultProducers      = 4
	DefaultElements       = 1000
	DefaultConsumeDelay   = time.Millisecond
	DefaultReportInterval = time.Second
	DefaultMetricsPort    = 9090
)

var errInjected = errors.New("injected delivery failure")

// BenchConfig describes one benchmark run.
type BenchConfig struct {
	// Stages is the number of queues in the chain, including the terminal queue.
	Stages        int
	StageCapacity int64
	SinkCapacity  int64
	Producers     int
	// Elements is the number of elements each producer enqueues.
	Elements     int
	ConsumeDelay time.Duration
	// DispatchRate caps deliveries at the terminal queue. Zero means unlimited.
	DispatchRate rate.Limit
	// FailEvery makes every n-th delivery fail. Zero disables injected failures.
	FailEvery      int
	ReportInterval time.Duration
}

func (c BenchConfig) validate() error {
	switch {
	case c.Stages < 1:
		return fmt.Errorf("stages must be at least 1, but got %d", c.Stages)
	case c.StageCapacity <= 0:
		return fmt.Errorf("stage capacity must be positive, but got %d", c.StageCapacity)
	case c.SinkCapacity <= 0:
		return fmt.Errorf("sink capacity must be positive, but got %d", c.SinkCapacity)
	case c.Producers < 1:
		return fmt.Errorf("producers must be at least 1, but got %d", c.Producers)
	case c.Elements < 1:
		return fmt.Errorf("elements must be at least 1, but got %d", c.Elements)
	case c.ConsumeDelay < 0:
		return fmt.Errorf("consume delay cannot be negative, but got %v", c.ConsumeDelay)
	case c.DispatchRate < 0:
		return fmt.Errorf("dispatch rate cannot be negative, but got %v", c.DispatchRate)
	case c.FailEvery < 0:
		return fmt.Errorf("fail-every cannot be negative, but got %d", c.FailEvery)
	case c.ReportInterval <= 0:
		return fmt.Errorf("report interval must be positive, but got %v", c.ReportInterval)
	}
	return nil
}

func (c BenchConfig) total() int64 {
	return int64(c.Producers) * int64(c.Elements)
}

// Result summarizes a benchmark run.
type Result struct {
	Delivered    int64
	Failed       int64
	Elapsed      time.Duration
	TotalLatency time.Duration
	// Leftover counts elements still buffered in the chain when the run ended.
	Leftover int
}

// Throughput returns settled elements per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Delivered+r.Failed) / r.Elapsed.Seconds()
}

// MeanLatency returns the mean time from enqueue at the head to delivery at the terminal queue.
func (r Result) MeanLatency() time.Duration {
	if r.Delivered == 0 {
		return 0
	}
	return r.TotalLatency / time.Duration(r.Delivered)
}

type element struct {
	producer int
	seq      int
	enqueued time.Time
}

// bench is the state of one run.
type bench struct {
	cfg    BenchConfig
	logger logr.Logger
	chain  []*queue.FlowQueue[element]

	consumed  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	latency   atomic.Int64

	finishOnce sync.Once
	finished   chan struct{}
}

// RunBench builds a relay chain per cfg, runs producers against it until every element is delivered or has failed,
// and returns the outcome. The extra runnables (for example a metrics server) run alongside and are stopped with it.
func RunBench(ctx context.Context, cfg BenchConfig, dispatchConfig *dispatch.Config, logger logr.Logger,
	extra ...manager.Runnable) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	coordinator := dispatch.NewCoordinator(dispatchConfig, logger)
	b := &bench{cfg: cfg, logger: logger, finished: make(chan struct{})}
	if err := b.buildChain(coordinator); err != nil {
		b.closeChain()
		return Result{}, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	workers := append([]manager.Runnable{manager.RunnableFunc(func(ctx context.Context) error {
		coordinator.Run(ctx)
		return nil
	})}, extra...)
	for _, w := range workers {
		g.Go(func() error { return w.Start(gctx) })
	}

	start := time.Now()
	for p := range cfg.Producers {
		g.Go(func() error { return b.produce(gctx, p) })
	}
	g.Go(func() error {
		b.report(gctx, stop)
		return nil
	})

	err := g.Wait()
	result := Result{
		Delivered:    b.delivered.Load(),
		Failed:       b.failed.Load(),
		Elapsed:      time.Since(start),
		TotalLatency: time.Duration(b.latency.Load()),
		Leftover:     b.closeChain(),
	}
	if err != nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("benchmark interrupted: %w", context.Cause(ctx))
	}
	return result, nil
}

func (b *bench) buildChain(coordinator *dispatch.Coordinator) error {
	table := relay.NewTable()
	for i := range b.cfg.Stages {
		last := i == b.cfg.Stages-1
		opts := []queue.ConfigOption{
			queue.WithName(fmt.Sprintf("stage-%d", i)),
			queue.WithCapacity(b.cfg.StageCapacity),
			// Downstream stages drain first.
			queue.WithDispatchPriority(i),
		}
		if last {
			opts = append(opts, queue.WithCapacity(b.cfg.SinkCapacity), queue.WithDispatchRateLimit(b.cfg.DispatchRate, 0))
		}
		cfg, err := queue.NewConfig(opts...)
		if err != nil {
			return err
		}
		q, err := queue.New[element](cfg,
			queue.WithCoordinator(coordinator),
			queue.WithLogger(b.logger),
			queue.WithRelayTable(table))
		if err != nil {
			return err
		}
		q.SetFlowQueueListener(queue.FaultListenerFunc(b.onFault))
		if i > 0 {
			if err := b.chain[i-1].RelayTo(q); err != nil {
				q.Close()
				return err
			}
		}
		b.chain = append(b.chain, q)
	}
	return b.chain[len(b.chain)-1].SetPushCallback(b.consume)
}

// closeChain closes every stage from the head down and returns the number of elements left behind.
func (b *bench) closeChain() int {
	leftover := 0
	for _, q := range b.chain {
		leftover += len(q.Close())
	}
	return leftover
}

func (b *bench) produce(ctx context.Context, producer int) error {
	head := b.chain[0]
	for seq := range b.cfg.Elements {
		e := element{producer: producer, seq: seq, enqueued: time.Now()}
		if err := head.Enqueue(ctx, e, 1); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("producer %d: %w", producer, err)
		}
	}
	b.logger.V(logging.VERBOSE).Info("Producer done", "producer", producer, "elements", b.cfg.Elements)
	return nil
}

func (b *bench) consume(ctx context.Context, e element) error {
	if b.cfg.ConsumeDelay > 0 {
		timer := time.NewTimer(b.cfg.ConsumeDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if n := b.consumed.Add(1); b.cfg.FailEvery > 0 && n%int64(b.cfg.FailEvery) == 0 {
		return fmt.Errorf("%w: element %d of producer %d", errInjected, e.seq, e.producer)
	}
	b.latency.Add(int64(time.Since(e.enqueued)))
	b.delivered.Add(1)
	b.checkFinished()
	return nil
}

func (b *bench) onFault(_ string, fault *types.Fault) {
	if fault.Op != types.FaultOpDeliver {
		b.logger.V(logging.VERBOSE).Info("Relay fault", "queue", fault.QueueName, "error", fault.Err.Error())
		return
	}
	b.logger.V(logging.DEBUG).Info("Delivery fault", "queue", fault.QueueName, "error", fault.Err.Error())
	b.failed.Add(1)
	b.checkFinished()
}

func (b *bench) checkFinished() {
	if b.delivered.Load()+b.failed.Load() >= b.cfg.total() {
		b.finishOnce.Do(func() { close(b.finished) })
	}
}

// report logs progress every interval and calls stop once every element has settled.
func (b *bench) report(ctx context.Context, stop context.CancelFunc) {
	ticker := time.NewTicker(b.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.finished:
			b.logger.V(logging.DEFAULT).Info("All elements settled", "delivered", b.delivered.Load(),
				"failed", b.failed.Load())
			stop()
			return
		case <-ticker.C:
			for _, q := range b.chain {
				s := q.Stats()
				b.logger.V(logging.DEFAULT).Info("Stage progress", "queue", s.Name, "len", s.Len,
					"creditAvailable", s.CreditAvailable, "creditCapacity", s.CreditCapacity)
			}
			b.logger.V(logging.DEFAULT).Info("Progress", "delivered", b.delivered.Load(), "failed", b.failed.Load(),
				"total", b.cfg.total())
		}
	}
}
