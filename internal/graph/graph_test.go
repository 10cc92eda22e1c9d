package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/core"
)

func blockWithIO(id string) core.BlockDef {
	return core.BlockDef{
		ID:      id,
		Inputs:  map[string]core.Port{"in": {Type: core.PortJSON}},
		Outputs: map[string]core.Port{"out": {Type: core.PortJSON}},
	}
}

func diamondDef() *core.DAGDef {
	return &core.DAGDef{
		Name:   "diamond",
		Blocks: []core.BlockDef{blockWithIO("a"), blockWithIO("b"), blockWithIO("c"), blockWithIO("d")},
		Edges: []core.Edge{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "a", FromPort: "out", To: "c", ToPort: "in"},
			{From: "b", FromPort: "out", To: "d", ToPort: "in"},
			{From: "c", FromPort: "out", To: "d", ToPort: "in"},
		},
	}
}

func TestBuildDiamond(t *testing.T) {
	t.Parallel()

	g, err := Build(diamondDef())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, g.ExecutionOrder())
	assert.Equal(t, []string{"a"}, g.Entrypoints())
	assert.Equal(t, []string{"b", "c"}, g.Upstreams("d"))
}

func TestBuildRejectsCycle(t *testing.T) {
	t.Parallel()

	def := &core.DAGDef{
		Name:   "loop",
		Blocks: []core.BlockDef{blockWithIO("a"), blockWithIO("b")},
		Edges: []core.Edge{
			{From: "a", FromPort: "out", To: "b", ToPort: "in"},
			{From: "b", FromPort: "out", To: "a", ToPort: "in"},
		},
	}
	_, err := Build(def)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	def := &core.DAGDef{
		Name:   "dup",
		Blocks: []core.BlockDef{blockWithIO("a"), blockWithIO("a")},
	}
	_, err := Build(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate block id")
}

func TestBuildRejectsUnknownEdgeTargets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edge core.Edge
		want string
	}{
		{"unknown from block", core.Edge{From: "zz", FromPort: "out", To: "a", ToPort: "in"}, "unknown block"},
		{"unknown to block", core.Edge{From: "a", FromPort: "out", To: "zz", ToPort: "in"}, "unknown block"},
		{"unknown from port", core.Edge{From: "a", FromPort: "zz", To: "b", ToPort: "in"}, "unknown port"},
		{"unknown to port", core.Edge{From: "a", FromPort: "out", To: "b", ToPort: "zz"}, "unknown port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			def := &core.DAGDef{
				Name:   "bad",
				Blocks: []core.BlockDef{blockWithIO("a"), blockWithIO("b")},
				Edges:  []core.Edge{tt.edge},
			}
			_, err := Build(def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildRejectsUnknownGateType(t *testing.T) {
	t.Parallel()

	b := blockWithIO("a")
	b.PreGates = []core.GateSpec{{Type: "telepathy"}}
	_, err := Build(&core.DAGDef{Name: "g", Blocks: []core.BlockDef{b}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown gate type")
}

func TestBuildRejectsShellPostGate(t *testing.T) {
	t.Parallel()

	b := blockWithIO("a")
	b.PostGates = []core.GateSpec{{Type: core.GateShell, Command: core.ArgvCommand{"true"}}}
	_, err := Build(&core.DAGDef{Name: "g", Blocks: []core.BlockDef{b}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-gates only")
}

func TestImplicitOutputPort(t *testing.T) {
	t.Parallel()

	producer := core.BlockDef{ID: "p"}
	consumer := core.BlockDef{ID: "c", Inputs: map[string]core.Port{"in": {Type: core.PortJSON}}}
	def := &core.DAGDef{
		Name:   "implicit",
		Blocks: []core.BlockDef{producer, consumer},
		Edges:  []core.Edge{{From: "p", FromPort: core.DefaultOutputPort, To: "c", ToPort: "in"}},
	}
	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "c"}, g.ExecutionOrder())
}

func TestReadyBlocks(t *testing.T) {
	t.Parallel()

	g, err := Build(diamondDef())
	require.NoError(t, err)
	run := core.NewRun("r", g.Def(), core.Context{}, nil)

	assert.Equal(t, []string{"a"}, g.ReadyBlocks(run))

	run.Blocks["a"].Status = core.BlockCompleted
	assert.Equal(t, []string{"b", "c"}, g.ReadyBlocks(run))

	run.Blocks["b"].Status = core.BlockCompleted
	assert.Equal(t, []string{"c"}, g.ReadyBlocks(run), "d still waits on c")

	run.Blocks["c"].Status = core.BlockFailed
	assert.Empty(t, g.ReadyBlocks(run), "failed upstream never readies d")
}

func TestRequiredFromContext(t *testing.T) {
	t.Parallel()

	entry := core.BlockDef{
		ID:     "entry",
		Inputs: map[string]core.Port{"prompt": {Type: core.PortString, Required: true}},
	}
	g, err := Build(&core.DAGDef{Name: "e", Blocks: []core.BlockDef{entry}})
	require.NoError(t, err)

	missing := g.RequiredFromContext(core.Context{})
	assert.Equal(t, []string{"prompt"}, missing["entry"])

	missing = g.RequiredFromContext(core.Context{"prompt": core.String("hi")})
	assert.Empty(t, missing)

	override := core.Context{core.OverrideInputKey("entry", "prompt"): core.String("hi")}
	missing = g.RequiredFromContext(override)
	assert.Empty(t, missing)
}
