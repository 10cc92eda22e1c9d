package provider

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// wireSchema holds the JSON schema inferred from a wire struct, resolved on
// first use. Adapter processes and endpoints sit outside the trust boundary;
// their payloads are checked against the inferred schema before decoding so a
// malformed adapter fails with the offending path instead of a zero value.
type wireSchema struct {
	name     string
	schema   *jsonschema.Schema
	once     sync.Once
	resolved *jsonschema.Resolved
	err      error
}

// newWireSchema infers the schema for T. Panics when inference fails; the
// wire structs are fixed at compile time, so a failure is a programming error.
func newWireSchema[T any](name string) *wireSchema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("infer schema for %s: %v", name, err))
	}
	// Adapters may ship richer payloads than the contract names.
	s.AdditionalProperties = nil
	return &wireSchema{name: name, schema: s}
}

var (
	dispatchResultSchema = newWireSchema[DispatchResult]("dispatch result")
	reviewResultSchema   = newWireSchema[ReviewResult]("review result")
)

// Check validates a raw JSON payload against the wire contract.
func (s *wireSchema) Check(raw []byte) error {
	s.once.Do(func() {
		s.resolved, s.err = s.schema.Resolve(nil)
	})
	if s.err != nil {
		return fmt.Errorf("resolve %s schema: %w", s.name, s.err)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode %s: %w", s.name, err)
	}
	if err := s.resolved.Validate(payload); err != nil {
		return fmt.Errorf("%s violates the adapter contract: %w", s.name, err)
	}
	return nil
}
