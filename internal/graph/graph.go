// Package graph builds and validates the typed block-DAG of a pipeline
// definition and answers readiness queries during execution.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/weftlabs/weft/internal/core"
)

var (
	errCycleDetected    = errors.New("cycle detected in block graph")
	errDuplicateBlockID = errors.New("duplicate block id")
	errUnknownBlock     = errors.New("edge references unknown block")
	errUnknownPort      = errors.New("edge references unknown port")
	errUnknownGateType  = errors.New("unknown gate type")
	errShellPostGate    = errors.New("shell gates are pre-gates only")
	errNoBlocks         = errors.New("dag has no blocks")
)

// Graph is the validated form of a DAG definition with adjacency indexes and
// a precomputed topological order.
type Graph struct {
	def     *core.DAGDef
	byID    map[string]*core.BlockDef
	from    map[string][]core.Edge // outgoing edges by block id
	to      map[string][]core.Edge // incoming edges by block id
	order   []string               // Kahn topological order, ties by id
	entries []string
}

// Build validates the definition and constructs the graph. All violations are
// collected into a single INVALID_INPUT error.
func Build(def *core.DAGDef) (*Graph, error) {
	g := &Graph{
		def:  def,
		byID: make(map[string]*core.BlockDef, len(def.Blocks)),
		from: make(map[string][]core.Edge),
		to:   make(map[string][]core.Edge),
	}

	var errs core.ErrorList
	if len(def.Blocks) == 0 {
		errs.Add(core.NewValidationError("blocks", nil, errNoBlocks))
	}
	for i := range def.Blocks {
		b := &def.Blocks[i]
		if b.ID == "" {
			errs.Add(core.NewValidationError(fmt.Sprintf("blocks[%d].id", i), "", errors.New("block id is required")))
			continue
		}
		if _, ok := g.byID[b.ID]; ok {
			errs.Add(core.NewValidationError("blocks", b.ID, errDuplicateBlockID))
			continue
		}
		g.byID[b.ID] = b
		errs.Add(validateBlock(b))
	}

	for i, e := range def.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		src, ok := g.byID[e.From]
		if !ok {
			errs.Add(core.NewValidationError(field+".from", e.From, errUnknownBlock))
			continue
		}
		dst, ok := g.byID[e.To]
		if !ok {
			errs.Add(core.NewValidationError(field+".to", e.To, errUnknownBlock))
			continue
		}
		if !src.HasOutputPort(e.FromPort) {
			errs.Add(core.NewValidationError(field+".from_port", e.From+"."+e.FromPort, errUnknownPort))
			continue
		}
		if _, ok := dst.Inputs[e.ToPort]; !ok {
			errs.Add(core.NewValidationError(field+".to_port", e.To+"."+e.ToPort, errUnknownPort))
			continue
		}
		g.from[e.From] = append(g.from[e.From], e)
		g.to[e.To] = append(g.to[e.To], e)
	}

	if err := errs.OrNil(); err != nil {
		return nil, core.WrapCoded(core.CodeInvalidInput, err)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, core.WrapCoded(core.CodeInvalidInput, err)
	}
	g.order = order
	g.entries = def.Entrypoints()
	return g, nil
}

func validateBlock(b *core.BlockDef) error {
	var errs core.ErrorList
	for port, p := range b.Inputs {
		if !p.Type.Valid() {
			errs.Add(core.NewValidationError(b.ID+".inputs."+port, string(p.Type), errors.New("unknown port type")))
		}
	}
	for port, p := range b.Outputs {
		if !p.Type.Valid() {
			errs.Add(core.NewValidationError(b.ID+".outputs."+port, string(p.Type), errors.New("unknown port type")))
		}
	}
	if !b.Retry.Backoff.Valid() {
		errs.Add(core.NewValidationError(b.ID+".retry.backoff", string(b.Retry.Backoff), errors.New("unknown backoff kind")))
	}
	if b.Retry.MaxAttempts < 0 {
		errs.Add(core.NewValidationError(b.ID+".retry.max_attempts", b.Retry.MaxAttempts, errors.New("must be >= 0")))
	}
	if b.Retry.DelayMS < 0 {
		errs.Add(core.NewValidationError(b.ID+".retry.delay_ms", b.Retry.DelayMS, errors.New("must be >= 0")))
	}
	for i, gate := range b.PreGates {
		if !gate.Type.Valid() {
			errs.Add(core.NewValidationError(fmt.Sprintf("%s.pre_gates[%d].type", b.ID, i), string(gate.Type), errUnknownGateType))
		}
	}
	for i, gate := range b.PostGates {
		if !gate.Type.Valid() {
			errs.Add(core.NewValidationError(fmt.Sprintf("%s.post_gates[%d].type", b.ID, i), string(gate.Type), errUnknownGateType))
		} else if gate.Type == core.GateShell {
			errs.Add(core.NewValidationError(fmt.Sprintf("%s.post_gates[%d]", b.ID, i), string(gate.Type), errShellPostGate))
		}
	}
	return errs.OrNil()
}

// topoSort runs Kahn's algorithm, breaking ties by block id ascending.
func (g *Graph) topoSort() ([]string, error) {
	// Parallel edges between the same pair each count toward the indegree.
	indegree := make(map[string]int, len(g.byID))
	for id := range g.byID {
		indegree[id] = len(g.to[id])
	}

	frontier := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(indegree))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		next := make([]string, 0)
		seen := make(map[string]bool)
		for _, e := range g.from[id] {
			if seen[e.To] {
				continue
			}
			seen[e.To] = true
			indegree[e.To] -= countEdges(g.to[e.To], id)
			if indegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		if len(next) > 0 {
			frontier = append(frontier, next...)
			sort.Strings(frontier)
		}
	}

	if len(order) != len(indegree) {
		return nil, errCycleDetected
	}
	return order, nil
}

func countEdges(edges []core.Edge, from string) int {
	n := 0
	for _, e := range edges {
		if e.From == from {
			n++
		}
	}
	return n
}

// Def returns the underlying definition.
func (g *Graph) Def() *core.DAGDef { return g.def }

// Block returns the definition of one block.
func (g *Graph) Block(id string) *core.BlockDef { return g.byID[id] }

// ExecutionOrder returns the topological order, ties broken by id ascending.
func (g *Graph) ExecutionOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Entrypoints returns the blocks with no incoming edges.
func (g *Graph) Entrypoints() []string {
	out := make([]string, len(g.entries))
	copy(out, g.entries)
	return out
}

// InEdges returns the incoming edges of a block.
func (g *Graph) InEdges(id string) []core.Edge { return g.to[id] }

// OutEdges returns the outgoing edges of a block.
func (g *Graph) OutEdges(id string) []core.Edge { return g.from[id] }

// Upstreams returns the distinct upstream block ids of a block.
func (g *Graph) Upstreams(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.to[id] {
		if !seen[e.From] {
			seen[e.From] = true
			out = append(out, e.From)
		}
	}
	sort.Strings(out)
	return out
}

// ReadyBlocks returns the ids of blocks that may be submitted now: status
// pending, every upstream completed, and any approval either undecided-yet
// or already approved. Order follows the topological order.
func (g *Graph) ReadyBlocks(run *core.Run) []string {
	var ready []string
	for _, id := range g.order {
		inst := run.Block(id)
		if inst == nil || inst.Status != core.BlockPending {
			continue
		}
		if !g.upstreamsCompleted(run, id) {
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

func (g *Graph) upstreamsCompleted(run *core.Run, id string) bool {
	for _, up := range g.Upstreams(id) {
		inst := run.Block(up)
		if inst == nil || inst.Status != core.BlockCompleted {
			return false
		}
	}
	return true
}

// RequiredFromContext returns, per block, the required input ports that have
// neither an incoming edge nor an entry in the run context. The executor
// fails such blocks with MISSING_INPUT at resolve time; callers may use this
// for early diagnostics.
func (g *Graph) RequiredFromContext(runCtx core.Context) map[string][]string {
	missing := make(map[string][]string)
	for _, id := range g.order {
		b := g.byID[id]
		edges := g.to[id]
		for port, p := range b.Inputs {
			if !p.Required {
				continue
			}
			if hasEdgeTo(edges, port) {
				continue
			}
			if _, ok := runCtx[port]; ok {
				continue
			}
			if _, ok := runCtx[core.OverrideInputKey(id, port)]; ok {
				continue
			}
			missing[id] = append(missing[id], port)
		}
	}
	for id := range missing {
		sort.Strings(missing[id])
	}
	return missing
}

func hasEdgeTo(edges []core.Edge, port string) bool {
	for _, e := range edges {
		if e.ToPort == port {
			return true
		}
	}
	return false
}
