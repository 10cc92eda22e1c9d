// Package examples ships named pipeline definitions that start requests can
// reference by name instead of carrying a full DAG.
package examples

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/graph"
)

//go:embed pipelines/*.yaml
var builtinFS embed.FS

// Example is one named pipeline together with its default run context.
type Example struct {
	Name        string
	Description string
	DAG         *core.DAGDef
	Context     core.Context
	Builtin     bool
}

// Registry resolves example names. Built-in pipelines are always present;
// files from the user directory may add to or override them.
type Registry struct {
	examples map[string]*Example
	order    []string

	// Warnings lists user-directory files that failed to load. Broken user
	// files never break startup.
	Warnings []string
}

// Load reads the embedded pipelines plus any *.yaml files under dir. dir may
// be empty or missing. A user file sharing a builtin's name overrides it.
func Load(dir string) (*Registry, error) {
	r := &Registry{examples: map[string]*Example{}}

	builtin, err := fs.Glob(builtinFS, "pipelines/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list builtin examples: %w", err)
	}
	sort.Strings(builtin)
	for _, path := range builtin {
		data, err := builtinFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read builtin example %s: %w", path, err)
		}
		ex, err := parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin example %s: %w", path, err)
		}
		ex.Builtin = true
		r.add(ex)
	}

	if dir != "" {
		files, _ := filepath.Glob(filepath.Join(dir, "*.yaml"))
		sort.Strings(files)
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				r.Warnings = append(r.Warnings, fmt.Sprintf("example %s: %v", path, err))
				continue
			}
			ex, err := parse(data)
			if err != nil {
				r.Warnings = append(r.Warnings, fmt.Sprintf("example %s: %v", path, err))
				continue
			}
			r.add(ex)
		}
	}
	return r, nil
}

func (r *Registry) add(ex *Example) {
	if _, exists := r.examples[ex.Name]; !exists {
		r.order = append(r.order, ex.Name)
	}
	r.examples[ex.Name] = ex
}

// Get returns a private copy of the named example, so callers may clamp or
// annotate the definition without affecting later starts.
func (r *Registry) Get(name string) (*Example, error) {
	ex, ok := r.examples[name]
	if !ok {
		return nil, core.Coded(core.CodeExampleNotFound, "example %q not found", name).
			WithDetail("available", r.Names())
	}
	return ex.clone(), nil
}

// Names returns the example names in load order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// List returns copies of all examples in load order.
func (r *Registry) List() []*Example {
	out := make([]*Example, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.examples[name].clone())
	}
	return out
}

func (e *Example) clone() *Example {
	out := *e
	if e.DAG != nil {
		// The definition came from plain YAML data, so the round-trip cannot
		// fail.
		if data, err := json.Marshal(e.DAG); err == nil {
			var dag core.DAGDef
			if json.Unmarshal(data, &dag) == nil {
				out.DAG = &dag
			}
		}
	}
	out.Context = e.Context.Clone()
	return &out
}

type document struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
	DAG         map[string]any `json:"dag"`
}

func parse(data []byte) (*Example, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	var doc document
	if err := core.DecodeMap(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode example: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("example has no name")
	}
	if len(doc.DAG) == 0 {
		return nil, fmt.Errorf("example %q has no dag", doc.Name)
	}

	var dag core.DAGDef
	if err := core.DecodeMap(doc.DAG, &dag); err != nil {
		return nil, fmt.Errorf("example %q: decode dag: %w", doc.Name, err)
	}
	if dag.Name == "" {
		dag.Name = doc.Name
	}
	if _, err := graph.Build(&dag); err != nil {
		return nil, fmt.Errorf("example %q: %w", doc.Name, err)
	}

	runCtx := make(core.Context, len(doc.Context))
	for k, v := range doc.Context {
		runCtx[k] = core.FromAny(v)
	}
	return &Example{
		Name:        doc.Name,
		Description: doc.Description,
		DAG:         &dag,
		Context:     runCtx,
	}, nil
}
