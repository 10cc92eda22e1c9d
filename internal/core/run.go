package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Reserved context keys. Keys prefixed with "__" belong to the engine; user
// payloads must not rely on them.
const (
	KeyApprovalRequest     = "__approval_request"
	KeyLatestFeedback      = "__latest_feedback"
	KeyIterationParentRun  = "__iteration_parent_run_id"
	KeyIterationRootRun    = "__iteration_root_run_id"
	KeyLatestIteratedRun   = "__latest_iterated_run_id"
	KeySharedMemory        = "__shared_memory"
	KeyRunOptions          = "__run_options"
	reservedPrefix         = "__"
	approvalMarkerPrefix   = "__approval_"
	overrideInputPrefix    = "__override_input_"
	approvedOverrideSuffix = "_approved"
)

// ApprovalMarkerKey returns the context key recording an approve decision for
// a block.
func ApprovalMarkerKey(blockID string) string { return approvalMarkerPrefix + blockID }

// OverrideInputKey returns the context key overriding one input port of a
// block.
func OverrideInputKey(blockID, port string) string {
	return overrideInputPrefix + blockID + "_" + port
}

// ApprovedOverrideKey returns the override key set alongside an approve
// decision.
func ApprovedOverrideKey(blockID string) string {
	return overrideInputPrefix + blockID + approvedOverrideSuffix
}

// IsReservedKey reports whether the context key belongs to the engine.
func IsReservedKey(key string) bool {
	return len(key) >= len(reservedPrefix) && key[:len(reservedPrefix)] == reservedPrefix
}

// Context is the per-run key/value scratchpad. Entry-port bindings live next
// to engine-reserved "__" keys.
type Context map[string]Value

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v.Clone()
	}
	return out
}

// GetString returns the string payload of a context entry.
func (c Context) GetString(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// UserEntries returns a copy of the context without engine-reserved keys.
func (c Context) UserEntries() Context {
	out := make(Context)
	for k, v := range c {
		if !IsReservedKey(k) {
			out[k] = v.Clone()
		}
	}
	return out
}

// DefaultMaxCycles bounds reject-iterate loops when the caller sets none.
const DefaultMaxCycles = 5

// DecisionRecord is one approval decision kept in shared memory.
type DecisionRecord struct {
	BlockID   string    `json:"block_id"`
	Decision  string    `json:"decision"`
	Notes     string    `json:"notes,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// SharedMemory is the per-run scratchpad that survives iteration cycles.
type SharedMemory struct {
	OriginalIntent  string           `json:"original_intent,omitempty"`
	FeedbackHistory []string         `json:"feedback_history,omitempty"`
	Decisions       []DecisionRecord `json:"decisions,omitempty"`
	Cycle           int              `json:"cycle"`
	MaxCycles       int              `json:"max_cycles"`
}

// SharedMemoryOf reads shared memory from the context, returning a default
// value when absent or malformed.
func SharedMemoryOf(c Context) SharedMemory {
	sm := SharedMemory{MaxCycles: DefaultMaxCycles}
	v, ok := c[KeySharedMemory]
	if !ok {
		return sm
	}
	if err := DecodeValue(v, &sm); err != nil {
		return SharedMemory{MaxCycles: DefaultMaxCycles}
	}
	if sm.MaxCycles <= 0 {
		sm.MaxCycles = DefaultMaxCycles
	}
	return sm
}

// Store writes the shared memory back onto the context.
func (m SharedMemory) Store(c Context) {
	v, err := EncodeValue(m)
	if err != nil {
		return
	}
	c[KeySharedMemory] = v
}

// DecodeValue decodes a Value into a struct using its json field names.
func DecodeValue(v Value, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(v.ToAny())
}

// DecodeMap decodes a generic map into a struct using its json field names.
func DecodeMap(in map[string]any, out any) error {
	return DecodeValue(FromAny(in), out)
}

// EncodeValue converts a struct into a Value via its JSON form.
func EncodeValue(in any) (Value, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return Null(), fmt.Errorf("encode value: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Null(), fmt.Errorf("encode value: %w", err)
	}
	return FromAny(raw), nil
}

// Run is one execution instance of a DAG. The executor that owns it is the
// only writer; everyone else observes snapshots and events.
type Run struct {
	ID         string                    `json:"id"`
	DAGName    string                    `json:"dag_name"`
	Status     RunStatus                 `json:"status"`
	Blocks     map[string]*BlockInstance `json:"blocks"`
	Context    Context                   `json:"context"`
	Provider   string                    `json:"provider,omitempty"`
	TokensUsed int64                     `json:"tokens_used,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`

	// DAG is the definition snapshot. It is persisted in its own column and
	// attached after load, so it stays out of the run JSON.
	DAG *DAGDef `json:"-"`
}

// NewRun builds a pending run over the given definition. maxAttempts is the
// already-clamped per-block retry budget resolver.
func NewRun(id string, dag *DAGDef, runCtx Context, clamp func(b *BlockDef) int) *Run {
	now := time.Now().UTC()
	if runCtx == nil {
		runCtx = Context{}
	}
	blocks := make(map[string]*BlockInstance, len(dag.Blocks))
	for i := range dag.Blocks {
		b := &dag.Blocks[i]
		maxAttempts := b.Retry.MaxAttempts
		if clamp != nil {
			maxAttempts = clamp(b)
		}
		blocks[b.ID] = NewBlockInstance(b.ID, maxAttempts)
	}
	return &Run{
		ID:        id,
		DAGName:   dag.Name,
		Status:    RunPending,
		Blocks:    blocks,
		Context:   runCtx,
		CreatedAt: now,
		UpdatedAt: now,
		DAG:       dag,
	}
}

// Clone returns a deep copy of the run. The DAG definition pointer is shared;
// definitions are immutable after parse.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Blocks = make(map[string]*BlockInstance, len(r.Blocks))
	for id, inst := range r.Blocks {
		out.Blocks[id] = inst.Clone()
	}
	out.Context = r.Context.Clone()
	return &out
}

// Block returns the instance for a block id, or nil.
func (r *Run) Block(id string) *BlockInstance { return r.Blocks[id] }

// Terminal reports whether the run has settled.
func (r *Run) Terminal() bool { return r.Status.Terminal() }

// AllBlocksTerminal reports whether every block instance has settled.
func (r *Run) AllBlocksTerminal() bool {
	for _, inst := range r.Blocks {
		if !inst.Status.Terminal() {
			return false
		}
	}
	return true
}

// AnyBlockFailed reports whether some block instance ended in failure.
func (r *Run) AnyBlockFailed() bool {
	for _, inst := range r.Blocks {
		if inst.Status == BlockFailed {
			return true
		}
	}
	return false
}

// Touch bumps the updated timestamp.
func (r *Run) Touch() { r.UpdatedAt = time.Now().UTC() }
