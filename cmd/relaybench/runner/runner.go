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

// Package runner wires a relay chain benchmark: producers feed the head of a chain of flow queues whose terminal
// queue is drained by a slow push consumer, so backpressure propagates from the consumer to the producers.
package runner

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"sigs.k8s.io/flowqueue/internal/runnable"
	"sigs.k8s.io/flowqueue/pkg/common/observability/logging"
	"sigs.k8s.io/flowqueue/pkg/common/observability/profiling"
	"sigs.k8s.io/flowqueue/pkg/flowcontrol/dispatch"
	"sigs.k8s.io/flowqueue/pkg/metrics"
	"sigs.k8s.io/flowqueue/pkg/util/env"
	"sigs.k8s.io/flowqueue/version"
)

var (
	stages = flag.Int(
		"stages",
		DefaultStages,
		"Number of queues in the relay chain, including the terminal queue")
	stageCapacity = flag.Int64(
		"stage-capacity",
		DefaultStageCapacity,
		"Credit capacity of each intermediate queue")
	sinkCapacity = flag.Int64(
		"sink-capacity",
		DefaultSinkCapacity,
		"Credit capacity of the terminal queue")
	producers = flag.Int(
		"producers",
		DefaultProducers,
		"Number of concurrent producers feeding the head of the chain")
	elements = flag.Int(
		"elements",
		DefaultElements,
		"Number of elements each producer enqueues")
	consumeDelay = flag.Duration(
		"consume-delay",
		DefaultConsumeDelay,
		"Time the push consumer spends on each element")
	dispatchRate = flag.Float64(
		"dispatch-rate",
		0,
		"Maximum push deliveries per second at the terminal queue. 0 means unlimited.")
	failEvery = flag.Int(
		"fail-every",
		0,
		"Fail every n-th delivery to exercise fault reporting. 0 disables injected failures.")
	maxConcurrentDispatches = flag.Int(
		"max-concurrent-dispatches",
		4,
		"Maximum number of deliveries and forwards running at once")
	reportInterval = flag.Duration(
		"report-interval",
		DefaultReportInterval,
		"Interval between progress reports")
	enablePprof = flag.Bool(
		"enable-pprof",
		true,
		"Enables pprof handlers on the metrics port.")
	metricsPort = flag.Int(
		"metrics-port",
		DefaultMetricsPort,
		"The metrics port. 0 disables the metrics server.")
	logVerbosity = flag.Int(
		"v",
		logging.DEFAULT,
		"number for the log level verbosity")

	setupLog = ctrl.Log.WithName("setup")
)

// NewRunner initializes a new Runner and returns its pointer.
func NewRunner() *Runner {
	return &Runner{}
}

// Runner runs the relay benchmark from command line flags.
type Runner struct {
	dispatchConfig *dispatch.Config
}

// WithDispatchConfig overrides the coordinator configuration otherwise derived from flags and the environment.
func (r *Runner) WithDispatchConfig(cfg *dispatch.Config) *Runner {
	r.dispatchConfig = cfg
	return r
}

// bindEnvToFlags loads environment variables as "soft" overrides of the flag defaults. It must run before
// flag.Parse so that explicitly passed flags still win.
func bindEnvToFlags() {
	log := setupLog.V(logging.VERBOSE)
	*stages = env.GetEnvInt("RELAYBENCH_STAGES", *stages, log)
	*stageCapacity = env.GetEnvInt64("RELAYBENCH_STAGE_CAPACITY", *stageCapacity, log)
	*sinkCapacity = env.GetEnvInt64("RELAYBENCH_SINK_CAPACITY", *sinkCapacity, log)
	*producers = env.GetEnvInt("RELAYBENCH_PRODUCERS", *producers, log)
	*elements = env.GetEnvInt("RELAYBENCH_ELEMENTS", *elements, log)
	*consumeDelay = env.GetEnvDuration("RELAYBENCH_CONSUME_DELAY", *consumeDelay, log)
	*dispatchRate = env.GetEnvFloat("RELAYBENCH_DISPATCH_RATE", *dispatchRate, log)
	*reportInterval = env.GetEnvDuration("RELAYBENCH_REPORT_INTERVAL", *reportInterval, log)
	*enablePprof = env.GetEnvBool("ENABLE_PPROF", *enablePprof, log)
	*maxConcurrentDispatches = env.GetEnvInt("MAX_CONCURRENT_DISPATCHES", *maxConcurrentDispatches, log)
	*metricsPort = env.GetEnvInt("METRICS_PORT", *metricsPort, log)
}

func (r *Runner) Run(ctx context.Context) error {
	// Load env vars as "soft" overrides of the flag defaults.
	bindEnvToFlags()

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	initLogging(&opts)

	setupLog.Info("relaybench build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	cfg := configFromFlags()
	if err := cfg.validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}

	flags := make(map[string]any)
	flag.VisitAll(func(f *flag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	if r.dispatchConfig == nil {
		dispatchConfig, err := loadDispatchConfig()
		if err != nil {
			setupLog.Error(err, "Failed to load dispatch configuration")
			return err
		}
		r.dispatchConfig = dispatchConfig
	}

	metrics.Register()
	var servers []manager.Runnable
	if *metricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
		if *enablePprof {
			profiling.RegisterPprofHandlers(mux)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, runnable.HTTPServer("metrics", srv, *metricsPort))
	}

	result, err := RunBench(ctx, cfg, r.dispatchConfig, ctrl.Log.WithName("relaybench"), servers...)
	if err != nil {
		setupLog.Error(err, "Benchmark failed")
		return err
	}
	setupLog.Info("Benchmark finished",
		"delivered", result.Delivered,
		"failed", result.Failed,
		"elapsed", result.Elapsed.String(),
		"throughputPerSecond", result.Throughput(),
		"meanLatency", result.MeanLatency().String(),
		"leftover", result.Leftover)
	return nil
}

func configFromFlags() BenchConfig {
	return BenchConfig{
		Stages:         *stages,
		StageCapacity:  *stageCapacity,
		SinkCapacity:   *sinkCapacity,
		Producers:      *producers,
		Elements:       *elements,
		ConsumeDelay:   *consumeDelay,
		DispatchRate:   rate.Limit(*dispatchRate),
		FailEvery:      *failEvery,
		ReportInterval: *reportInterval,
	}
}

// loadDispatchConfig builds the coordinator config from flags, with the priority policy taken from the environment.
func loadDispatchConfig() (*dispatch.Config, error) {
	policyName := env.GetEnvString("PRIORITY_UPDATE_POLICY", dispatch.PriorityUpdateAtNextSelection.String(),
		setupLog.V(logging.VERBOSE))
	policy, err := dispatch.ParsePriorityUpdatePolicy(policyName)
	if err != nil {
		return nil, err
	}
	return dispatch.NewConfig(
		dispatch.WithMaxConcurrentDispatches(*maxConcurrentDispatches),
		dispatch.WithPriorityUpdatePolicy(policy),
	)
}

func initLogging(opts *zap.Options) {
	// Unless -zap-log-level is explicitly set, use -v
	useV := true
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "zap-log-level" {
			useV = false
		}
	})
	if useV {
		// See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		lvl := -1 * (*logVerbosity)
		opts.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
	}
	logging.InitLogging(opts)
}
