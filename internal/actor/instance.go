// Package actor implements ActorInstance, its explicit StateMachine, and
// the typed Handle/Mailbox surface the rest of the kernel uses to talk
// to a running actor (§3, §4.4-§4.6).
package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theater-rt/theater/internal/chain"
	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/handler"
	"github.com/theater-rt/theater/internal/id"
	"github.com/theater-rt/theater/internal/kvstore"
	"github.com/theater-rt/theater/internal/logging"
	"github.com/theater-rt/theater/internal/theatererr"
)

// runtimeInterface and runtimeSetStateFunc name the implicit "set state"
// host capability ("theater/set-state"). Unlike every other host import, it is
// not registered by a Handler — it is built into every actor's Linker
// at spawn time, because WASM sets its own opaque state directly rather
// than through a capability (§4.4's "WASM may set via a runtime
// capability").
const (
	runtimeInterface     = "theater"
	runtimeSetStateFunc  = "set-state"
)

// Instance is one actor's durable state: its identity, its hash chain,
// its per-actor key/value store, the live WASM instance, the Handlers
// mediating its host imports, and its operation/error counters. It
// satisfies handler.ActorRef so Handlers can append events and reach
// capability-local storage without seeing anything else.
type Instance struct {
	actorID id.ActorID
	logger  *logging.Logger

	chain *chain.Chain
	store *kvstore.Store
	wasm  engine.Instance

	handlers []handler.Handler

	mu        sync.RWMutex
	state     []byte
	startedAt time.Time

	opCount  uint64
	errCount uint64

	metricOps  prometheus.Counter
	metricErrs prometheus.Counter
	metricUp   prometheus.Gauge

	supervisorNotify func(error)
}

// NewInstance constructs an Instance and appends its lifecycle/start
// event. wasm and handlers may be nil and bound later with SetWASM and
// SetHandlers, which is how runtime.spawn uses it. initState seeds the opaque state bytes before Starting's
// setup completes (manifest's init_state, §4.9).
func NewInstance(actorID id.ActorID, wasm engine.Instance, handlers []handler.Handler, logger *logging.Logger, initState []byte) *Instance {
	i := &Instance{
		actorID:   actorID,
		logger:    logger,
		chain:     chain.New(nil),
		store:     kvstore.New(),
		wasm:      wasm,
		handlers:  handlers,
		state:     append([]byte(nil), initState...),
		startedAt: time.Now(),
	}
	i.chain.Append("lifecycle/start", []byte(actorID.String()))
	i.registerMetrics()
	return i
}

func (i *Instance) registerMetrics() {
	labels := prometheus.Labels{"actor_id": i.actorID.String()}
	i.metricOps = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "theater_actor_operations_total",
		Help:        "Total operations executed by this actor.",
		ConstLabels: labels,
	})
	i.metricErrs = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "theater_actor_operation_errors_total",
		Help:        "Total operation failures for this actor.",
		ConstLabels: labels,
	})
	i.metricUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "theater_actor_uptime_seconds",
		Help:        "Seconds since this actor's instance was created.",
		ConstLabels: labels,
	})
	// Registration is the composition root's job (it owns the
	// registry and must tolerate actors coming and going); Instance
	// only constructs the collectors so callers can register/unregister
	// them around spawn/shutdown.
}

// Collectors returns this actor's prometheus collectors, for the
// composition root to register against its own registry.
func (i *Instance) Collectors() []prometheus.Collector {
	return []prometheus.Collector{i.metricOps, i.metricErrs, i.metricUp}
}

// ActorID implements handler.ActorRef.
func (i *Instance) ActorID() string { return i.actorID.String() }

// AppendEvent implements handler.ActorRef: every host call is recorded
// before WASM sees a return value (I4).
func (i *Instance) AppendEvent(eventType string, data []byte) chain.Event {
	return i.chain.Append(eventType, data)
}

// Store implements handler.ActorRef.
func (i *Instance) Store() *kvstore.Store { return i.store }

// SetSupervisorNotify installs the callback invoked exactly once, with
// the actor's terminal error (nil on a clean shutdown), when the state
// machine reaches ShuttingDown and releases resources.
func (i *Instance) SetSupervisorNotify(fn func(error)) { i.supervisorNotify = fn }

// Linker builds the host-import surface for this actor: every Handler's
// SetupHostFunctions wired directly against the returned Linker, plus
// the built-in runtime set-state capability.
func (i *Instance) Linker() *engine.Linker {
	return i.BuildLinker(nil)
}

// BuildLinker is Linker's general form: every Handler registers against
// sink instead of the returned target linker when sink is non-nil. This
// is how replay mode substitutes every host-import handler at once
// (§4.3, §9): the kernel passes a *replay.Handler as sink, which
// implements engine.HostLinker and installs its own replay-serving
// functions, in place of each handler's real ones, into the linker it
// was constructed with; the caller (runtime.runSetup) copies those into
// the returned linker. The built-in runtime capability is always wired
// directly into target, since it isn't a Handler and has nothing to
// replay.
func (i *Instance) BuildLinker(sink engine.HostLinker) *engine.Linker {
	target := engine.NewLinker()
	dest := sink
	if dest == nil {
		dest = target
	}
	for _, h := range i.handlers {
		h.SetupHostFunctions(dest, i)
	}
	target.Define(runtimeInterface, runtimeSetStateFunc, func(_ context.Context, params []byte) ([]byte, error) {
		i.mu.Lock()
		i.state = append([]byte(nil), params...)
		i.mu.Unlock()
		i.chain.Append(runtimeInterface+"/"+runtimeSetStateFunc, params)
		return nil, nil
	})
	return target
}

// SetWASM binds the underlying WASM instance once it has been
// instantiated against this Instance's Linker. Spawning requires
// building the linker (which needs the Instance to exist, for
// ActorRef) before the module can be instantiated, so the wasm field is
// necessarily set after construction rather than passed to NewInstance.
func (i *Instance) SetWASM(wasm engine.Instance) { i.wasm = wasm }

// SetHandlers binds the actor's Handlers once constructed. Handler
// construction happens in runtime.runSetup, concurrently with the state
// machine's Starting state, so handlers — like wasm — are necessarily
// attached after NewInstance returns rather than passed to it.
func (i *Instance) SetHandlers(handlers []handler.Handler) { i.handlers = handlers }

// CallExported invokes name on the underlying WASM instance, translating
// a transport-level failure into ErrOperationFailure.
func (i *Instance) CallExported(ctx context.Context, name string, params []byte) ([]byte, error) {
	out, err := i.wasm.CallExport(ctx, name, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", theatererr.ErrOperationFailure, name, err)
	}
	return out, nil
}

// GetState returns the actor-defined opaque state bytes.
func (i *Instance) GetState() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]byte(nil), i.state...), nil
}

// GetChain returns a snapshot of the actor's hash chain.
func (i *Instance) GetChain() []chain.Event { return i.chain.Iter() }

// SaveChain persists the actor's chain to path.
func (i *Instance) SaveChain(path string) error { return i.chain.Save(path) }

// Chain exposes the underlying chain, e.g. for supervisor-driven chain
// archival on restart (§4.7 supplemented behavior).
func (i *Instance) Chain() *chain.Chain { return i.chain }

// RecordSuccess increments the operation counter and its metric.
func (i *Instance) RecordSuccess() {
	atomic.AddUint64(&i.opCount, 1)
	i.metricOps.Inc()
}

// RecordError increments both the operation and error counters.
func (i *Instance) RecordError() {
	atomic.AddUint64(&i.opCount, 1)
	atomic.AddUint64(&i.errCount, 1)
	i.metricOps.Inc()
	i.metricErrs.Inc()
}

// GetMetrics returns the actor's counters and uptime.
func (i *Instance) GetMetrics() Metrics {
	uptime := time.Since(i.startedAt)
	i.metricUp.Set(uptime.Seconds())
	return Metrics{
		OperationCount: atomic.LoadUint64(&i.opCount),
		ErrorCount:     atomic.LoadUint64(&i.errCount),
		UptimeNanos:    uptime.Nanoseconds(),
	}
}

// Close releases the underlying WASM instance's resources. Called
// exactly once, during ShuttingDown. wasm is nil if setup failed before
// SetWASM was ever reached (e.g. the component failed to compile), in
// which case there is nothing to release.
func (i *Instance) Close(ctx context.Context) error {
	if i.wasm == nil {
		return nil
	}
	return i.wasm.Close(ctx)
}
