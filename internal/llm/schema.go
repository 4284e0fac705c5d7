package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema pairs a compiled JSON schema with the decode fallbacks callers need
// for model output: strip fences, fish an embedded object out of prose,
// validate, then bind. Every failure mode maps to MalformedOutputError so
// routing upstream stays uniform.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

func CompileSchema(name, definition string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(definition)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustSchema compiles a package-level schema literal; invalid definitions are
// programmer errors.
func MustSchema(name, definition string) *Schema {
	s, err := CompileSchema(name, definition)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode extracts a JSON object from model text, validates it against the
// schema, and binds it into out.
func (s *Schema) Decode(provider, text string, out any) error {
	candidate := StripCodeFence(text)

	var value any
	if err := json.Unmarshal([]byte(candidate), &value); err != nil {
		embedded, ok := ExtractJSONObject(candidate)
		if !ok {
			return &MalformedOutputError{
				ProviderName: provider,
				Message:      fmt.Sprintf("%s: no JSON object in response", s.name),
				Output:       truncateForError(text),
			}
		}
		if err := json.Unmarshal([]byte(embedded), &value); err != nil {
			return &MalformedOutputError{
				ProviderName: provider,
				Message:      fmt.Sprintf("%s: embedded JSON does not parse: %v", s.name, err),
				Output:       truncateForError(text),
			}
		}
	}

	if err := s.compiled.Validate(value); err != nil {
		return &MalformedOutputError{
			ProviderName: provider,
			Message:      fmt.Sprintf("%s: schema violation: %v", s.name, err),
			Output:       truncateForError(text),
		}
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return &MalformedOutputError{
			ProviderName: provider,
			Message:      fmt.Sprintf("%s: re-encode: %v", s.name, err),
			Output:       truncateForError(text),
		}
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return &MalformedOutputError{
			ProviderName: provider,
			Message:      fmt.Sprintf("%s: bind: %v", s.name, err),
			Output:       truncateForError(text),
		}
	}
	return nil
}

func truncateForError(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
