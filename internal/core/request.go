package core

// StartRequest is the admission payload for starting or enqueueing a run. It
// is also the serialized queue entry payload, so queued runs restart from the
// exact original request.
type StartRequest struct {
	DAG            *DAGDef           `json:"dag,omitempty"`
	Example        string            `json:"example,omitempty"`
	Context        map[string]any    `json:"context,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Priority       *Priority         `json:"priority,omitempty"`
	ManualRank     *int              `json:"manual_rank,omitempty"`
	DevMode        bool              `json:"devMode,omitempty"`
	AgentMapping   map[string]string `json:"agentMapping,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Model          string            `json:"model,omitempty"`

	// RunID is set internally when a queued run is admitted, so the run keeps
	// the id it was enqueued under. Callers cannot choose ids.
	RunID string `json:"run_id,omitempty"`
}

// PriorityValue returns the requested priority, defaulting to P3.
func (r *StartRequest) PriorityValue() int {
	if r.Priority == nil {
		return PriorityP3
	}
	return int(*r.Priority)
}

// RunContext converts the raw request context into a typed run context.
func (r *StartRequest) RunContext() Context {
	out := make(Context, len(r.Context))
	for k, v := range r.Context {
		out[k] = FromAny(v)
	}
	return out
}
