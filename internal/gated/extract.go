package gated

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/weftlabs/weft/internal/core"
)

var fenceRE = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// Extract turns raw producer output into a value per the extract mode.
//
//   - text: the raw string, verbatim.
//   - json: strict; tries the whole output, then a fenced code block, then
//     the outermost {...} or [...] substring. Nothing parseable is an error.
//   - custom: applies a jq program to the parsed output.
//   - auto (default): parses output that looks like JSON, otherwise passes
//     the raw string through.
func Extract(spec core.ExtractSpec, raw string) (core.Value, error) {
	switch spec.Mode {
	case core.ExtractText:
		return core.String(raw), nil
	case core.ExtractJSON:
		return extractJSON(raw)
	case core.ExtractCustom:
		return extractJQ(spec.JQ, raw)
	case core.ExtractAuto, "":
		trimmed := strings.TrimSpace(raw)
		if looksLikeJSON(trimmed) {
			if v, err := parseJSON(trimmed); err == nil {
				return v, nil
			}
		}
		return core.String(raw), nil
	default:
		return core.Value{}, fmt.Errorf("unknown extract mode %q", spec.Mode)
	}
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func parseJSON(s string) (core.Value, error) {
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return core.Value{}, err
	}
	return core.FromAny(out), nil
}

func extractJSON(raw string) (core.Value, error) {
	trimmed := strings.TrimSpace(raw)
	if v, err := parseJSON(trimmed); err == nil {
		return v, nil
	}
	if m := fenceRE.FindStringSubmatch(raw); m != nil {
		if v, err := parseJSON(strings.TrimSpace(m[1])); err == nil {
			return v, nil
		}
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(raw, pair[0])
		end := strings.LastIndex(raw, pair[1])
		if start >= 0 && end > start {
			if v, err := parseJSON(raw[start : end+1]); err == nil {
				return v, nil
			}
		}
	}
	return core.Value{}, errors.New("no valid JSON found in output")
}

// extractJQ parses the output as JSON when possible (raw string input
// otherwise) and returns the jq program's first result.
func extractJQ(program, raw string) (core.Value, error) {
	if strings.TrimSpace(program) == "" {
		return core.Value{}, errors.New("custom extraction requires a jq program")
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return core.Value{}, fmt.Errorf("parse jq program: %w", err)
	}

	var input any = raw
	trimmed := strings.TrimSpace(raw)
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		input = parsed
	}

	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return core.Value{}, errors.New("jq program produced no output")
	}
	if jqErr, isErr := v.(error); isErr {
		return core.Value{}, fmt.Errorf("jq: %w", jqErr)
	}
	return core.FromAny(v), nil
}
