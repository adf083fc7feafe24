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

// Command driver is the simulation driver process (§4 components C6-C9):
// it decodes a trace, replays it into a simulation cluster on a scaled
// clock, and runs the admission mutator that routes the replayed pods onto
// virtual nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	crWebhook "sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/open-policy-agent/cert-controller/pkg/rotator"

	"github.com/clusterplay/tracesim/pkg/mutator"
	"github.com/clusterplay/tracesim/pkg/ownership"
	"github.com/clusterplay/tracesim/pkg/replay"
	"github.com/clusterplay/tracesim/pkg/telemetry"
	tracecodec "github.com/clusterplay/tracesim/pkg/trace"
	"github.com/clusterplay/tracesim/pkg/traceuri"
)

const fieldOwner = "tracesim-driver"

var setupLog = ctrl.Log.WithName("setup")

var (
	traceURI       = flag.String("trace-uri", "", "trace URI to replay (file://, s3://)")
	speedFactor    = flag.Float64("speed-factor", 1.0, "scaled-clock speed factor")
	duration       = flag.Duration("duration", 0, "fixed drain duration; 0 means drain only on signal")
	repetitions    = flag.Int("repetitions", 1, "number of times to replay the trace before draining")
	simulationID   = flag.String("simulation-id", "", "simulation identity; defaults to a generated UUID")
	port           = flag.Int("port", 9443, "admission webhook port")
	certDir        = flag.String("cert-dir", "/certs", "directory the webhook TLS cert/key are stored in")
	disableRotator = flag.Bool("disable-cert-rotation", false, "disable automatic webhook TLS cert rotation")
	healthAddr     = flag.String("health-addr", ":9090", "address the health endpoint binds to")
)

func main() {
	os.Exit(innerMain())
}

func innerMain() int {
	flag.Parse()
	ctrl.SetLogger(crzap.New())

	if *traceURI == "" {
		setupLog.Error(fmt.Errorf("missing required flag"), "-trace-uri is required")
		return 1
	}

	simID := *simulationID
	if simID == "" {
		simID = uuid.NewString()
	}

	ctx := ctrl.SetupSignalHandler()

	raw, err := traceuri.Load(ctx, *traceURI)
	if err != nil {
		setupLog.Error(err, "unable to load trace")
		return 1
	}
	t, err := tracecodec.Decode(raw)
	if err != nil {
		setupLog.Error(err, "unable to decode trace")
		return 1
	}

	tracker, err := ownership.NewTracker(t.Config, t.PodLifecycles)
	if err != nil {
		setupLog.Error(err, "unable to build ownership tracker")
		return 1
	}

	restConfig := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		HealthProbeBindAddress: *healthAddr,
		LeaderElection:         false,
		WebhookServer: crWebhook.NewServer(crWebhook.Options{
			Port:    *port,
			CertDir: *certDir,
		}),
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return 1
	}
	if err := mgr.AddHealthzCheck("default", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to add health check")
		return 1
	}

	metrics, err := telemetry.New("tracesim.driver")
	if err != nil {
		setupLog.Error(err, "unable to build telemetry instruments")
		return 1
	}

	getter := clientGetter{client: mgr.GetClient()}

	simRoot := &metav1.OwnerReference{
		APIVersion: "v1",
		Kind:       "Namespace",
		Name:       simulationNamespaceName(simID),
		UID:        "", // stamped once the root namespace is created; left empty lets the apiserver reject a dangling ref rather than silently orphan objects
	}

	replayCfg := replay.Config{
		Trace:          t,
		Orchestrator:   clientOrchestrator{client: mgr.GetClient()},
		SpeedFactor:    *speedFactor,
		Repetitions:    *repetitions,
		SimulationRoot: simRoot,
		Log:            ctrl.Log.WithName("replay"),
		Metrics:        metrics,
	}
	if *duration > 0 {
		d := *duration
		replayCfg.Duration = &d
	} else {
		replayCfg.DrainSignal = ctx.Done()
	}
	engine := replay.New(replayCfg)

	mutatorHandler := &mutator.Handler{
		Client:       getter,
		Tracker:      tracker,
		SimulationID: simID,
		Log:          ctrl.Log.WithName("mutator"),
		Metrics:      metrics,
	}
	mgr.GetWebhookServer().Register("/mutate", &admission.Webhook{Handler: mutatorHandler})

	if !*disableRotator {
		setupFinished := make(chan struct{})
		if err := rotator.AddRotator(mgr, &rotator.CertRotator{
			SecretKey:      client.ObjectKey{Namespace: driverNamespace(), Name: "tracesim-driver-cert"},
			CertDir:        *certDir,
			CAName:         "tracesim-ca",
			CAOrganization: "tracesim",
			DNSName:        fmt.Sprintf("tracesim-driver.%s.svc", driverNamespace()),
			IsReady:        setupFinished,
			Webhooks: []rotator.WebhookInfo{
				{Name: "tracesim-driver-mutator", Type: rotator.Mutating},
			},
		}); err != nil {
			setupLog.Error(err, "unable to set up cert rotation")
			return 1
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run(ctx) }()

	setupLog.Info("starting manager", "simulation_id", simID)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return 1
	}
	if err := <-runErr; err != nil {
		setupLog.Error(err, "replay engine exited with error")
		return 1
	}
	return 0
}

func driverNamespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "tracesim-system"
}

func simulationNamespaceName(simID string) string {
	return "tracesim-" + simID
}

// clientOrchestrator implements replay.Orchestrator against a live
// controller-runtime client, applying objects with server-side apply so
// repeated replays of the same object converge instead of conflicting.
type clientOrchestrator struct {
	client client.Client
}

func (o clientOrchestrator) EnsureNamespace(ctx context.Context, name string) error {
	ns := &unstructured.Unstructured{}
	ns.SetAPIVersion("v1")
	ns.SetKind("Namespace")
	ns.SetName(name)
	if err := o.client.Create(ctx, ns); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("driver: ensure namespace %s: %w", name, err)
	}
	return nil
}

func (o clientOrchestrator) Apply(ctx context.Context, obj *unstructured.Unstructured) error {
	if err := o.client.Patch(ctx, obj, client.Apply, client.ForceOwnership, client.FieldOwner(fieldOwner)); err != nil {
		return fmt.Errorf("driver: apply %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
	}
	return nil
}

func (o clientOrchestrator) Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(namespace)
	obj.SetName(name)
	if err := o.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("driver: delete %s %s/%s: %w", gvk, namespace, name, err)
	}
	return nil
}

// clientGetter adapts controller-runtime's client.Client to
// ownership.Getter, the same abstraction the watch fabric satisfies from
// its informer cache (§4.8 "same ownership walk ... using live-cluster
// state").
type clientGetter struct {
	client client.Client
}

func (g clientGetter) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	if err := g.client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, obj); err != nil {
		return nil, err
	}
	return obj, nil
}
