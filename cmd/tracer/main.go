/*

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

// Command tracer is the recorder process (§4 components C1-C5, C9 clock):
// it watches the configured kinds and pods, canonicalizes and stores every
// observed change, and serves the export endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	runtimecache "sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/clusterplay/tracesim/pkg/config"
	"github.com/clusterplay/tracesim/pkg/exportapi"
	"github.com/clusterplay/tracesim/pkg/kindkey"
	"github.com/clusterplay/tracesim/pkg/store"
	"github.com/clusterplay/tracesim/pkg/telemetry"
	"github.com/clusterplay/tracesim/pkg/tracedata"
	"github.com/clusterplay/tracesim/pkg/watchfabric"
)

var setupLog = ctrl.Log.WithName("setup")

var (
	configPath  = flag.String("config", "", "path to the tracked-objects config YAML")
	podKind     = flag.String("pod-kind", "v1.Pod", "kind string for the global pod watch")
	exportAddr  = flag.String("export-addr", ":8090", "address the export HTTP endpoint binds to")
	healthAddr  = flag.String("health-addr", ":9090", "address the health endpoint binds to")
	metricsAddr = flag.String("metrics-addr", "0", "address the metrics endpoint binds to")
	logLevel    = flag.String("log-level", "INFO", "minimum log level")
)

func main() {
	os.Exit(innerMain())
}

func innerMain() int {
	flag.Parse()

	opts := []crzap.Opts{crzap.UseDevMode(*logLevel == "DEBUG")}
	if *logLevel == "DEBUG" {
		opts = append(opts, crzap.Encoder(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())))
	}
	ctrl.SetLogger(crzap.New(opts...))

	if *configPath == "" {
		setupLog.Error(fmt.Errorf("missing required flag"), "-config is required")
		return 1
	}
	data, err := os.ReadFile(*configPath)
	if err != nil {
		setupLog.Error(err, "unable to read config file")
		return 1
	}
	specs, err := config.Parse(data)
	if err != nil {
		setupLog.Error(err, "unable to parse config file")
		return 1
	}

	trackerConfig := config.ToTrackerConfig(specs)
	s := store.New(trackerConfig)

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Metrics:                metricsserver.Options{BindAddress: *metricsAddr},
		HealthProbeBindAddress: *healthAddr,
		LeaderElection:         false,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return 1
	}
	if err := mgr.AddHealthzCheck("default", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to add health check")
		return 1
	}
	if err := mgr.AddReadyzCheck("default", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to add readiness check")
		return 1
	}

	podGVK, err := kindkey.Parse(tracedata.KindKey(*podKind))
	if err != nil {
		setupLog.Error(err, "invalid -pod-kind")
		return 1
	}

	kindSpecs := make([]watchfabric.KindSpec, 0, len(specs))
	for _, spec := range specs {
		gvk, err := kindkey.Parse(spec.Kind)
		if err != nil {
			setupLog.Error(err, "invalid tracked kind in config", "kind", spec.Kind)
			return 1
		}
		kindSpecs = append(kindSpecs, watchfabric.KindSpec{GVK: gvk, Kind: spec.Kind, Config: spec.Config})
	}

	start := time.Now()
	clock := func() int64 { return int64(time.Since(start).Seconds()) }

	metrics, err := telemetry.New("tracesim.tracer")
	if err != nil {
		setupLog.Error(err, "unable to build telemetry instruments")
		return 1
	}

	fabric := watchfabric.New(cacheAdapter{cache: mgr.GetCache()}, s, kindSpecs, podGVK, clock, ctrl.Log.WithName("watchfabric")).
		WithMetrics(metrics)

	ctx := ctrl.SetupSignalHandler()

	exportServer := &http.Server{
		Addr:              *exportAddr,
		Handler:           &exportapi.Handler{Store: s, Log: ctrl.Log.WithName("exportapi"), Metrics: metrics},
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		setupLog.Info("starting export endpoint", "addr", *exportAddr)
		if err := exportServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "export server exited")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exportServer.Shutdown(shutdownCtx)
	}()

	startErr := make(chan error, 1)
	go func() { startErr <- fabric.Start(ctx) }()

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return 1
	}
	if err := <-startErr; err != nil {
		setupLog.Error(err, "watch fabric exited with error")
		return 1
	}
	return 0
}

// cacheAdapter narrows controller-runtime's cache.Cache down to
// watchfabric.InformerCache: the same GetInformer/Get/List the fabric
// needs, with GetInformer's informer options dropped so the fabric's own
// interface doesn't have to know about them. Get and List pass their
// options through unchanged.
type cacheAdapter struct {
	cache runtimecache.Cache
}

func (c cacheAdapter) GetInformer(ctx context.Context, obj client.Object) (runtimecache.Informer, error) {
	return c.cache.GetInformer(ctx, obj)
}

func (c cacheAdapter) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	return c.cache.Get(ctx, key, obj, opts...)
}

func (c cacheAdapter) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	return c.cache.List(ctx, list, opts...)
}
