package runner

import (
	"sort"
	"strings"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/graph"
)

// resolveInputs binds a block's input ports just before submit. Precedence per
// port: an approved override on the run context, then the upstream edge
// output, then a plain context entry named after the port. A required port
// with no source fails the block with MISSING_INPUT.
func resolveInputs(g *graph.Graph, run *core.Run, def *core.BlockDef) (map[string]core.Value, error) {
	inputs := make(map[string]core.Value)

	for _, e := range g.InEdges(def.ID) {
		up := run.Block(e.From)
		if up == nil || up.Status != core.BlockCompleted {
			continue
		}
		if v, ok := up.Outputs[e.FromPort]; ok {
			inputs[e.ToPort] = v.Clone()
		}
	}

	for port := range def.Inputs {
		if v, ok := run.Context[core.OverrideInputKey(def.ID, port)]; ok {
			inputs[port] = v.Clone()
			continue
		}
		if _, ok := inputs[port]; ok {
			continue
		}
		if v, ok := run.Context[port]; ok {
			inputs[port] = v.Clone()
		}
	}

	var missing []string
	for port, p := range def.Inputs {
		if !p.Required {
			continue
		}
		if _, ok := inputs[port]; !ok {
			missing = append(missing, port)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, core.Coded(core.CodeMissingInput, "block %s is missing required inputs: %s", def.ID, strings.Join(missing, ", ")).
			WithDetail("block_id", def.ID).
			WithDetail("ports", missing)
	}
	return inputs, nil
}
