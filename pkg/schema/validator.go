// Package schema compiles and caches JSON-schema validators per tool.
// Input validation is strict and gates dispatch; output validation is
// soft and only reports drift.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
)

// Result is the outcome of validating a payload against a tool schema.
type Result struct {
	OK     bool
	Errors []contracts.FieldError
}

// Cache holds compiled validators keyed by tool name. Read-mostly after
// registry load; safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	inputs  map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
}

func NewCache() *Cache {
	return &Cache{
		inputs:  make(map[string]*jsonschema.Schema),
		outputs: make(map[string]*jsonschema.Schema),
	}
}

// Input returns the compiled input validator for the tool.
func (c *Cache) Input(tool *contracts.Tool) (*jsonschema.Schema, error) {
	return c.compile(c.inputs, tool.Name+"/input", tool.InputSchema)
}

// Output returns the compiled output validator, or nil when the tool
// declares no output schema.
func (c *Cache) Output(tool *contracts.Tool) (*jsonschema.Schema, error) {
	if len(tool.OutputSchema) == 0 {
		return nil, nil
	}
	return c.compile(c.outputs, tool.Name+"/output", tool.OutputSchema)
}

func (c *Cache) compile(cache map[string]*jsonschema.Schema, key string, doc []byte) (*jsonschema.Schema, error) {
	c.mu.RLock()
	compiled, ok := cache[key]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	// Standard string formats (date-time, uuid, email, uri) are asserted,
	// not annotation-only.
	compiler.AssertFormat = true
	url := fmt.Sprintf("https://opsdeck.schemas.local/%s.schema.json", key)
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", key, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", key, err)
	}

	c.mu.Lock()
	cache[key] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// ValidateInput checks input against the tool's input schema. No coercion:
// the payload is validated exactly as supplied.
func (c *Cache) ValidateInput(tool *contracts.Tool, input map[string]any) (Result, error) {
	compiled, err := c.Input(tool)
	if err != nil {
		return Result{}, err
	}
	return validate(compiled, input), nil
}

// ValidateOutput soft-checks a successful result against the output
// schema. Callers log mismatches; they never block the receipt.
func (c *Cache) ValidateOutput(tool *contracts.Tool, result map[string]any) (Result, error) {
	compiled, err := c.Output(tool)
	if err != nil {
		return Result{}, err
	}
	if compiled == nil {
		return Result{OK: true}, nil
	}
	return validate(compiled, result), nil
}

func validate(compiled *jsonschema.Schema, payload map[string]any) Result {
	// jsonschema validates generic Go values; a nil map must still be an
	// object for schemas requiring properties.
	var doc any = payload
	if payload == nil {
		doc = map[string]any{}
	}
	err := compiled.Validate(doc)
	if err == nil {
		return Result{OK: true}
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Result{Errors: []contracts.FieldError{{Path: "/", Keyword: "schema", Message: err.Error()}}}
	}
	return Result{Errors: flatten(ve)}
}

// flatten walks the validation error tree into leaf field errors with
// dotted instance paths and the violated keyword.
func flatten(ve *jsonschema.ValidationError) []contracts.FieldError {
	if len(ve.Causes) == 0 {
		return []contracts.FieldError{toFieldError(ve)}
	}
	var out []contracts.FieldError
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

func toFieldError(ve *jsonschema.ValidationError) contracts.FieldError {
	// InstanceLocation is a JSON pointer, empty at the root.
	path := ve.InstanceLocation
	if path == "" {
		path = "/"
	}
	return contracts.FieldError{
		Path:    path,
		Keyword: keywordOf(ve),
		Message: ve.Message,
	}
}

// keywordOf extracts the violated keyword from the schema keyword location
// (last non-index segment of the absolute location).
func keywordOf(ve *jsonschema.ValidationError) string {
	loc := ve.KeywordLocation
	for len(loc) > 0 {
		idx := lastSlash(loc)
		seg := loc[idx+1:]
		if seg != "" && !isIndex(seg) {
			return seg
		}
		if idx < 0 {
			break
		}
		loc = loc[:idx]
	}
	return "schema"
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func isIndex(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
