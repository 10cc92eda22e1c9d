package core

// RunOptions carries per-run dispatch settings. They ride on the run context
// under KeyRunOptions so iterations inherit them.
type RunOptions struct {
	Provider       string            `json:"provider,omitempty"`
	DevMode        bool              `json:"devMode,omitempty"`
	AgentMapping   map[string]string `json:"agentMapping,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Model          string            `json:"model,omitempty"`
}

// RunOptionsOf reads the options from a run context, zero when absent.
func RunOptionsOf(c Context) RunOptions {
	var o RunOptions
	if v, ok := c[KeyRunOptions]; ok {
		_ = DecodeValue(v, &o)
	}
	return o
}

// Store writes the options onto the context.
func (o RunOptions) Store(c Context) {
	if v, err := EncodeValue(o); err == nil {
		c[KeyRunOptions] = v
	}
}
