package core

import (
	"encoding/json"
	"strings"
	"time"
)

// PortType constrains the values a block port accepts or emits.
type PortType string

const (
	PortString   PortType = "string"
	PortNumber   PortType = "number"
	PortBoolean  PortType = "boolean"
	PortJSON     PortType = "json"
	PortArtifact PortType = "artifact"
)

// Valid reports whether t is a known port type.
func (t PortType) Valid() bool {
	switch t {
	case PortString, PortNumber, PortBoolean, PortJSON, PortArtifact:
		return true
	default:
		return false
	}
}

// Port declares one named input or output of a block.
type Port struct {
	Type        PortType `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Description string   `json:"description,omitempty"`
}

// AgentSelector routes a block to a provider-side agent by exactly one of a
// specific id, a role, or a capability.
type AgentSelector struct {
	ID         string `json:"id,omitempty"`
	Role       string `json:"role,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// IsZero reports whether no selector is set.
func (a AgentSelector) IsZero() bool {
	return a.ID == "" && a.Role == "" && a.Capability == ""
}

// String renders the selector for dispatch requests and logs.
func (a AgentSelector) String() string {
	switch {
	case a.ID != "":
		return a.ID
	case a.Role != "":
		return "role:" + a.Role
	case a.Capability != "":
		return "capability:" + a.Capability
	default:
		return ""
	}
}

// BackoffKind selects the inter-attempt delay curve for block retries.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Valid reports whether k is a known backoff kind. The empty kind is treated
// as none.
func (k BackoffKind) Valid() bool {
	switch k {
	case "", BackoffNone, BackoffLinear, BackoffExponential:
		return true
	default:
		return false
	}
}

// RetrySpec configures dispatch retries for a block.
type RetrySpec struct {
	MaxAttempts int         `json:"max_attempts"`
	Backoff     BackoffKind `json:"backoff,omitempty"`
	DelayMS     int64       `json:"delay_ms,omitempty"`
}

// ApprovalSpec marks a block as requiring a human decision before dispatch.
type ApprovalSpec struct {
	Required bool   `json:"required"`
	Prompt   string `json:"prompt,omitempty"`
}

// GateType discriminates the gate variants.
type GateType string

const (
	GateJSONSchema GateType = "json_schema"
	GateExpression GateType = "expression"
	GateWordCount  GateType = "word_count"
	GateLLMReview  GateType = "llm_review"
	GateShell      GateType = "shell"
)

// Valid reports whether t is a known gate type.
func (t GateType) Valid() bool {
	switch t {
	case GateJSONSchema, GateExpression, GateWordCount, GateLLMReview, GateShell:
		return true
	default:
		return false
	}
}

// SchemaValidator is the safe-parse interface an opaque schema object must
// expose. It is satisfied by resolved schemas from jsonschema libraries.
type SchemaValidator interface {
	Validate(v any) error
}

// SchemaNode is the serializable schema subset understood by the json_schema
// gate and by output contracts.
type SchemaNode struct {
	Type       string                 `json:"type,omitempty"`
	Required   []string               `json:"required,omitempty"`
	Properties map[string]*SchemaNode `json:"properties,omitempty"`
	Items      *SchemaNode            `json:"items,omitempty"`
}

// EffectiveType returns the node type, inferring object when properties or
// required are present without an explicit type.
func (n *SchemaNode) EffectiveType() string {
	if n.Type == "" && (len(n.Properties) > 0 || len(n.Required) > 0) {
		return "object"
	}
	return n.Type
}

// ArgvCommand is an argument vector. It never passes through a shell: a JSON
// string form is split on whitespace, an array form is taken verbatim.
type ArgvCommand []string

// UnmarshalJSON implements json.Unmarshaler.
func (c *ArgvCommand) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = strings.Fields(s)
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return err
	}
	*c = argv
	return nil
}

// GateSpec is a tagged gate variant. Type selects which of the remaining
// fields apply.
type GateSpec struct {
	Type GateType `json:"type"`
	Name string   `json:"name,omitempty"`

	// json_schema
	Schema    *SchemaNode     `json:"schema,omitempty"`
	Validator SchemaValidator `json:"-"`

	// expression
	Expr string `json:"expr,omitempty"`

	// word_count
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`

	// llm_review
	Criteria  []string `json:"criteria,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`

	// shell
	Command ArgvCommand `json:"command,omitempty"`
}

// Label returns the display name used in results and feedback text.
func (g GateSpec) Label() string {
	if g.Name != "" {
		return g.Name
	}
	if g.Type == GateExpression && g.Expr != "" {
		return g.Expr
	}
	return string(g.Type)
}

// GateViolation is one structured failure detail with a canonical path.
type GateViolation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// GateResult is the outcome of evaluating one gate against one value.
type GateResult struct {
	Gate       string          `json:"gate"`
	Type       GateType        `json:"type"`
	Passed     bool            `json:"passed"`
	Reason     string          `json:"reason,omitempty"`
	Details    []GateViolation `json:"details,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Audit      map[string]any  `json:"audit,omitempty"`
}

// ExtractMode selects how raw producer output is turned into a Value before
// gate evaluation.
type ExtractMode string

const (
	ExtractAuto   ExtractMode = "auto"
	ExtractJSON   ExtractMode = "json"
	ExtractText   ExtractMode = "text"
	ExtractCustom ExtractMode = "custom"
)

// ExtractSpec configures output extraction for a block.
type ExtractSpec struct {
	Mode ExtractMode `json:"mode"`
	JQ   string      `json:"jq,omitempty"`
}

// BlockDef is the static definition of one block in a pipeline.
type BlockDef struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name,omitempty"`
	Description        string          `json:"description,omitempty"`
	Inputs             map[string]Port `json:"inputs,omitempty"`
	Outputs            map[string]Port `json:"outputs,omitempty"`
	Agent              AgentSelector   `json:"agent,omitempty"`
	System             string          `json:"system,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
	PreGates           []GateSpec      `json:"pre_gates,omitempty"`
	PostGates          []GateSpec      `json:"post_gates,omitempty"`
	Retry              RetrySpec       `json:"retry"`
	TimeoutMS          int64           `json:"timeout_ms,omitempty"`
	Approval           *ApprovalSpec   `json:"approval,omitempty"`
	OutputSchema       *SchemaNode     `json:"output_schema,omitempty"`
	Extract            *ExtractSpec    `json:"extract,omitempty"`
}

// DefaultOutputPort is the implicit output port of blocks that declare none.
const DefaultOutputPort = "output"

// OutputPorts returns the declared output port names, or the implicit default
// port when the block declares none.
func (b *BlockDef) OutputPorts() []string {
	if len(b.Outputs) == 0 {
		return []string{DefaultOutputPort}
	}
	ports := make([]string, 0, len(b.Outputs))
	for name := range b.Outputs {
		ports = append(ports, name)
	}
	return ports
}

// HasOutputPort reports whether name is a valid output port of b.
func (b *BlockDef) HasOutputPort(name string) bool {
	if len(b.Outputs) == 0 {
		return name == DefaultOutputPort
	}
	_, ok := b.Outputs[name]
	return ok
}

// Title returns the block display name for dispatch requests.
func (b *BlockDef) Title() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// RequiresApproval reports whether the block pauses for a human decision.
func (b *BlockDef) RequiresApproval() bool {
	return b.Approval != nil && b.Approval.Required
}

// RetryState tracks dispatch attempts on a block instance.
type RetryState struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// ErrorInfo records the first blocking cause of a failed block instance.
type ErrorInfo struct {
	Stage            Stage  `json:"stage"`
	Message          string `json:"message"`
	Code             Code   `json:"code"`
	Repair           string `json:"repair,omitempty"`
	RawOutputPreview string `json:"raw_output_preview,omitempty"`
}

// RawOutputPreviewLimit bounds the size of raw output kept on error records.
const RawOutputPreviewLimit = 2 * 1024

// PreviewOf truncates raw output to the preview limit.
func PreviewOf(s string) string {
	if len(s) <= RawOutputPreviewLimit {
		return s
	}
	return s[:RawOutputPreviewLimit]
}

// BlockInstance is the per-run state of one block.
type BlockInstance struct {
	BlockID         string           `json:"block_id"`
	Status          BlockStatus      `json:"status"`
	InputsResolved  map[string]Value `json:"inputs_resolved,omitempty"`
	Outputs         map[string]Value `json:"outputs,omitempty"`
	PreGateResults  []GateResult     `json:"pre_gate_results,omitempty"`
	PostGateResults []GateResult     `json:"post_gate_results,omitempty"`
	Retry           RetryState       `json:"retry_state"`
	TokensUsed      int64            `json:"tokens_used,omitempty"`
	Error           *ErrorInfo       `json:"error_info,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

// NewBlockInstance creates the initial pending instance for a block.
func NewBlockInstance(blockID string, maxAttempts int) *BlockInstance {
	return &BlockInstance{
		BlockID: blockID,
		Status:  BlockPending,
		Retry:   RetryState{MaxAttempts: maxAttempts},
	}
}

// Clone returns a deep copy of the instance.
func (b *BlockInstance) Clone() *BlockInstance {
	if b == nil {
		return nil
	}
	out := *b
	if b.InputsResolved != nil {
		out.InputsResolved = make(map[string]Value, len(b.InputsResolved))
		for k, v := range b.InputsResolved {
			out.InputsResolved[k] = v.Clone()
		}
	}
	if b.Outputs != nil {
		out.Outputs = make(map[string]Value, len(b.Outputs))
		for k, v := range b.Outputs {
			out.Outputs[k] = v.Clone()
		}
	}
	out.PreGateResults = append([]GateResult(nil), b.PreGateResults...)
	out.PostGateResults = append([]GateResult(nil), b.PostGateResults...)
	if b.Error != nil {
		errCopy := *b.Error
		out.Error = &errCopy
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		out.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
