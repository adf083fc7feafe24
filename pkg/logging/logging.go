package logging

// Log keys used across the recorder and the simulation driver so that
// structured log lines stay greppable regardless of which component emitted
// them.
const (
	Component     = "component"
	Kind          = "kind"
	Namespace     = "namespace"
	Name          = "name"
	ContentHash   = "content_hash"
	OwnerKind     = "owner_kind"
	OwnerName     = "owner_name"
	SimulationID  = "simulation_id"
	TraceEventTS  = "trace_event_ts"
	Operation     = "operation"
	DebugLevel    = 2 // r.log.V(logging.DebugLevel).Info(foo) == r.log.Debug(foo)
)
