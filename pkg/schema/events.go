package schema

// Trace event names emitted to trace.json and the optional trace DB.
const (
	EventNodeRunnable  = "NodeRunnable"
	EventNodeQueued    = "NodeQueued"
	EventAttemptStart  = "AttemptStart"
	EventAttemptFinish = "AttemptFinish"
	EventAttemptFail   = "AttemptFail"
	EventAttemptCancel = "AttemptCancel"
	EventHedgeLaunched = "HedgeLaunched"
	EventWorkflowDone  = "WorkflowDone"
)

// TraceEvent is one entry in the trace stream. TMs is simulated milliseconds.
type TraceEvent struct {
	Ev    string     `json:"ev"`
	TMs   float64    `json:"t_ms"`
	Wf    WorkflowID `json:"wf"`
	Node  NodeID     `json:"node"`
	Extra string     `json:"extra,omitempty"`
}
