package gate

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/weftlabs/weft/internal/core"
)

// ValidateSchema checks a value against the serializable schema subset and
// returns every violation with its canonical path. The root path is "$";
// nested paths are dotted with numeric segments for array indexes, e.g.
// "user.age" or "items.1.id".
func ValidateSchema(node *core.SchemaNode, v core.Value) []core.GateViolation {
	var out []core.GateViolation
	walkSchema(node, v, "$", &out)
	return out
}

func walkSchema(node *core.SchemaNode, v core.Value, path string, out *[]core.GateViolation) {
	if node == nil {
		return
	}
	switch typ := node.EffectiveType(); typ {
	case "object":
		obj, ok := v.AsObject()
		if !ok {
			violate(out, path, "object", v)
			return
		}
		for _, req := range node.Required {
			// A key holding null is present; only an absent key violates.
			if _, present := obj[req]; !present {
				*out = append(*out, core.GateViolation{
					Path:   childPath(path, req),
					Reason: fmt.Sprintf("missing required property %q", req),
				})
			}
		}
		names := make([]string, 0, len(node.Properties))
		for name := range node.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if cv, present := obj[name]; present {
				walkSchema(node.Properties[name], cv, childPath(path, name), out)
			}
		}
	case "array":
		arr, ok := v.AsArray()
		if !ok {
			violate(out, path, "array", v)
			return
		}
		if node.Items != nil {
			for i, item := range arr {
				walkSchema(node.Items, item, childPath(path, strconv.Itoa(i)), out)
			}
		}
	case "string":
		if v.Kind() != core.KindString {
			violate(out, path, "string", v)
		}
	case "number":
		if v.Kind() != core.KindNumber {
			violate(out, path, "number", v)
		}
	case "boolean":
		if v.Kind() != core.KindBool {
			violate(out, path, "boolean", v)
		}
	case "null":
		if v.Kind() != core.KindNull {
			violate(out, path, "null", v)
		}
	case "":
		// No constraint.
	default:
		*out = append(*out, core.GateViolation{
			Path:   path,
			Reason: fmt.Sprintf("unknown schema type %q", typ),
		})
	}
}

func violate(out *[]core.GateViolation, path, want string, got core.Value) {
	*out = append(*out, core.GateViolation{
		Path:   path,
		Reason: fmt.Sprintf("expected %s, got %s", want, got.Kind()),
	})
}

func childPath(parent, seg string) string {
	if parent == "" || parent == "$" {
		return seg
	}
	return parent + "." + seg
}
