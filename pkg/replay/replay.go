// Package replay implements the replay engine (§4.6 component C6): a state
// machine that reconstructs the alive-at-start snapshot of a trace inside a
// simulation cluster, then streams the remaining events on a scaled clock,
// and finally drains everything it created.
//
// Grounded on the teacher's pkg/cachemanager retry discipline (a package-level
// wait.Backoff plus client-go's retry.OnError) and pkg/watch/manager.go's
// single-consumer-loop shape, generalized here to a five-state machine
// instead of a watch-event loop.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/clusterplay/tracesim/pkg/errtax"
	"github.com/clusterplay/tracesim/pkg/kindkey"
	"github.com/clusterplay/tracesim/pkg/logging"
	"github.com/clusterplay/tracesim/pkg/simclock"
	"github.com/clusterplay/tracesim/pkg/telemetry"
	"github.com/clusterplay/tracesim/pkg/tracedata"
)

// State is one node of the §4.6 state machine.
type State string

const (
	Init     State = "Init"
	Priming  State = "Priming"
	Playing  State = "Playing"
	Draining State = "Draining"
	Done     State = "Done"
	Failed   State = "Failed"
)

// applyBackoff bounds retries for transient apply/delete failures (§7
// "ApplyFailed(transient)"), mirroring cachemanager's own backoff shape.
var applyBackoff = wait.Backoff{Duration: time.Second, Factor: 2, Jitter: 0.1, Steps: 3}

// Orchestrator is the simulation cluster's write surface. Implementations
// decide transient-vs-permanent classification themselves and report it by
// returning an *errtax.Error of kind ApplyFailed (§7); any other error is
// treated as permanent.
type Orchestrator interface {
	EnsureNamespace(ctx context.Context, name string) error
	Apply(ctx context.Context, obj *unstructured.Unstructured) error
	Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) error
}

// Config parameterizes one replay run (§4.6 "scheduling controls").
type Config struct {
	Trace          *tracedata.Trace
	Orchestrator   Orchestrator
	SpeedFactor    float64
	Duration       *time.Duration
	Repetitions    int
	SimulationRoot *metav1.OwnerReference // stamped onto every applied object so GC reclaims it (§4.9)
	Log            logr.Logger
	WallNow        func() time.Time // overridable for tests; defaults to time.Now
	DrainSignal    <-chan struct{}  // external drain trigger in addition to Duration; may be nil
	Metrics        *telemetry.Instruments // optional; nil records against a no-op meter
}

// Engine runs one Config through Init -> Priming -> Playing -> Draining ->
// Done|Failed.
type Engine struct {
	cfg   Config
	state State
	err   error

	applied map[objectRef]bool // tracks everything this engine created, for Draining
}

type objectRef struct {
	gvk       schema.GroupVersionKind
	namespace string
	name      string
}

// New builds an Engine for cfg. Repetitions defaults to 1 if unset.
func New(cfg Config) *Engine {
	if cfg.Repetitions < 1 {
		cfg.Repetitions = 1
	}
	if cfg.WallNow == nil {
		cfg.WallNow = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Noop()
	}
	return &Engine{cfg: cfg, state: Init, applied: make(map[objectRef]bool)}
}

// State reports the engine's current state machine node.
func (e *Engine) State() State { return e.state }

// Run drives the engine through every state to Done or Failed. Cancelling
// ctx moves the engine to Draining from whichever state it is in (§4.6
// "Cancellation"), rather than aborting outright.
func (e *Engine) Run(ctx context.Context) error {
	trace := e.cfg.Trace
	if len(trace.Events) == 0 {
		e.state = Done
		return nil
	}

	traceT0 := trace.Events[0].TS
	clock := simclock.New(traceT0, e.cfg.SpeedFactor, e.cfg.WallNow)

	for rep := 0; rep < e.cfg.Repetitions; rep++ {
		e.state = Priming
		if err := e.prime(ctx, trace.Events[0]); err != nil {
			if ctx.Err() != nil {
				break
			}
			e.state = Failed
			e.err = err
			return err
		}

		e.state = Playing
		cancelled := false
		for _, ev := range trace.Events[1:] {
			if err := clock.SleepUntil(ctx, ev.TS); err != nil {
				cancelled = true
				break
			}
			if err := e.applyEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					cancelled = true
					break
				}
				e.state = Failed
				e.err = err
				return err
			}
		}
		if cancelled {
			break
		}
	}

	e.state = Draining
	e.drain(ctx)
	e.state = Done
	return nil
}

// prime replays the synthetic t0 event: lazily ensures every namespace an
// applied object names, then applies every object (§4.6 "Priming").
func (e *Engine) prime(ctx context.Context, t0Event tracedata.TimelineEvent) error {
	applied := sortedObjects(t0Event.Applied)
	for _, obj := range applied {
		if err := e.cfg.Orchestrator.EnsureNamespace(ctx, obj.Key.Namespace); err != nil {
			return errtax.NewApplyFailed(fmt.Errorf("replay: ensure namespace %s: %w", obj.Key.Namespace, err), false)
		}
	}
	for _, obj := range applied {
		if err := e.applyWithRetry(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

// applyEvent handles one non-initial timeline event: deletes before
// applies, each internally ordered by kind then namespaced name (§4.6
// "Playing").
func (e *Engine) applyEvent(ctx context.Context, ev tracedata.TimelineEvent) error {
	for _, obj := range sortedObjects(ev.Deleted) {
		if err := e.deleteWithRetry(ctx, obj); err != nil {
			return err
		}
	}
	for _, obj := range sortedObjects(ev.Applied) {
		if err := e.cfg.Orchestrator.EnsureNamespace(ctx, obj.Key.Namespace); err != nil {
			return errtax.NewApplyFailed(fmt.Errorf("replay: ensure namespace %s: %w", obj.Key.Namespace, err), false)
		}
		if err := e.applyWithRetry(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyWithRetry(ctx context.Context, obj tracedata.Object) error {
	ref := objectRef{gvk: mustGVK(obj.Kind), namespace: obj.Key.Namespace, name: obj.Key.Name}
	u := toUnstructured(obj)
	if e.cfg.SimulationRoot != nil {
		u.SetOwnerReferences([]metav1.OwnerReference{*e.cfg.SimulationRoot})
	}

	err := retry.OnError(applyBackoff, isTransientApply, func() error {
		return e.cfg.Orchestrator.Apply(ctx, u)
	})
	if err != nil {
		e.cfg.Log.Error(err, "apply failed, non-transient", logging.Kind, obj.Kind, logging.Namespace, obj.Key.Namespace, logging.Name, obj.Key.Name)
		return err
	}
	e.applied[ref] = true
	e.cfg.Metrics.ReplayApplied.Add(ctx, 1)
	return nil
}

func (e *Engine) deleteWithRetry(ctx context.Context, obj tracedata.Object) error {
	gvk := mustGVK(obj.Kind)
	err := retry.OnError(applyBackoff, isTransientApply, func() error {
		return e.cfg.Orchestrator.Delete(ctx, gvk, obj.Key.Namespace, obj.Key.Name)
	})
	if err != nil {
		e.cfg.Log.Error(err, "delete failed, non-transient", logging.Kind, obj.Kind, logging.Namespace, obj.Key.Namespace, logging.Name, obj.Key.Name)
		return err
	}
	delete(e.applied, objectRef{gvk: gvk, namespace: obj.Key.Namespace, name: obj.Key.Name})
	e.cfg.Metrics.ReplayDeleted.Add(ctx, 1)
	return nil
}

// drain waits for Duration or a drain signal, whichever arrives, then
// issues deletes for every object this engine still has live (§4.6
// "Draining", §4.9 "Graceful shutdown"). It never fails the run: a stuck
// delete during drain is logged, not fatal, since the simulation-root
// ownership the replay engine established lets the garbage collector
// reclaim anything left over.
func (e *Engine) drain(ctx context.Context) {
	if e.cfg.Duration != nil {
		timer := time.NewTimer(*e.cfg.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.cfg.DrainSignal:
		case <-ctx.Done():
		}
	} else if e.cfg.DrainSignal != nil {
		select {
		case <-e.cfg.DrainSignal:
		case <-ctx.Done():
		}
	}

	for ref := range e.applied {
		if err := e.cfg.Orchestrator.Delete(ctx, ref.gvk, ref.namespace, ref.name); err != nil {
			e.cfg.Log.Error(err, "drain delete failed, leaving to GC", logging.Namespace, ref.namespace, logging.Name, ref.name)
			continue
		}
		e.cfg.Metrics.ReplayDeleted.Add(ctx, 1)
	}
}

func isTransientApply(err error) bool {
	var taxErr *errtax.Error
	if errors.As(err, &taxErr) {
		return taxErr.Transient()
	}
	return false
}

func sortedObjects(objs []tracedata.Object) []tracedata.Object {
	out := append([]tracedata.Object(nil), objs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Key.Namespace != out[j].Key.Namespace {
			return out[i].Key.Namespace < out[j].Key.Namespace
		}
		return out[i].Key.Name < out[j].Key.Name
	})
	return out
}

func mustGVK(kind tracedata.KindKey) schema.GroupVersionKind {
	gvk, err := kindkey.Parse(kind)
	if err != nil {
		return schema.GroupVersionKind{}
	}
	return gvk
}

func toUnstructured(obj tracedata.Object) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: make(map[string]interface{}, len(obj.Body))}
	for k, v := range obj.Body {
		u.Object[k] = v
	}
	gvk := mustGVK(obj.Kind)
	u.SetGroupVersionKind(gvk)
	u.SetNamespace(obj.Key.Namespace)
	u.SetName(obj.Key.Name)
	return u
}
