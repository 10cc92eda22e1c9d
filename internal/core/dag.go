package core

// Edge routes one output port of a block to one input port of another.
type Edge struct {
	From     string `json:"from"`
	FromPort string `json:"from_port"`
	To       string `json:"to"`
	ToPort   string `json:"to_port"`
}

// DAGDef is the static definition of a pipeline: an ordered list of blocks
// plus the directed edges between their ports.
type DAGDef struct {
	Name   string     `json:"name"`
	Blocks []BlockDef `json:"blocks"`
	Edges  []Edge     `json:"edges,omitempty"`
}

// Block returns the definition with the given id, or nil.
func (d *DAGDef) Block(id string) *BlockDef {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return &d.Blocks[i]
		}
	}
	return nil
}

// BlockIDs returns the block ids in definition order.
func (d *DAGDef) BlockIDs() []string {
	ids := make([]string, len(d.Blocks))
	for i := range d.Blocks {
		ids[i] = d.Blocks[i].ID
	}
	return ids
}

// InEdges returns the edges terminating at the given block.
func (d *DAGDef) InEdges(blockID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.To == blockID {
			out = append(out, e)
		}
	}
	return out
}

// OutEdges returns the edges originating at the given block.
func (d *DAGDef) OutEdges(blockID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == blockID {
			out = append(out, e)
		}
	}
	return out
}

// Entrypoints returns the ids of blocks with no incoming edges, in definition
// order.
func (d *DAGDef) Entrypoints() []string {
	hasIn := make(map[string]bool, len(d.Blocks))
	for _, e := range d.Edges {
		hasIn[e.To] = true
	}
	var out []string
	for i := range d.Blocks {
		if !hasIn[d.Blocks[i].ID] {
			out = append(out, d.Blocks[i].ID)
		}
	}
	return out
}
