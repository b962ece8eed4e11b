// Package registry loads the declarative tool catalog and exposes a
// read-only lookup. The catalog is loaded once at startup; any rule
// violation fails the load loudly rather than masking.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/opsdeck-ai/opsdeck/pkg/contracts"
	"github.com/opsdeck-ai/opsdeck/pkg/guard"
	"github.com/opsdeck-ai/opsdeck/pkg/schema"
)

var ErrToolNotFound = errors.New("tool not found")

// InvalidRegistryError names the offending tool and field so startup
// failures are actionable.
type InvalidRegistryError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *InvalidRegistryError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("invalid_registry: %s", e.Reason)
	}
	return fmt.Sprintf("invalid_registry: tool %q field %q: %s", e.Tool, e.Field, e.Reason)
}

// catalogFile is the on-disk shape: {version, tools: [...]}.
type catalogFile struct {
	Version string         `yaml:"version" json:"version"`
	Tools   []catalogEntry `yaml:"tools" json:"tools"`
}

// catalogEntry mirrors contracts.Tool with schemas as raw documents.
type catalogEntry struct {
	Name          string               `yaml:"name" json:"name"`
	Description   string               `yaml:"description" json:"description"`
	Permissions   []string             `yaml:"permissions" json:"permissions"`
	InputSchema   map[string]any       `yaml:"input_schema" json:"input_schema"`
	OutputSchema  map[string]any       `yaml:"output_schema" json:"output_schema"`
	Idempotency   contracts.Idempotency `yaml:"idempotency" json:"idempotency"`
	// Pointer so an explicit 0 is distinguishable from an absent field:
	// absent means the default timeout, declared 0 is a catalog error.
	TimeoutMs     *int                 `yaml:"timeout_ms" json:"timeout_ms"`
	ReceiptFields []string             `yaml:"receipt_fields" json:"receipt_fields"`
	Guard         string               `yaml:"guard" json:"guard"`
}

// Registry is the immutable tool catalog.
type Registry struct {
	version string
	tools   map[string]*contracts.Tool
	order   []string
}

// LoadFile reads a YAML (or JSON; YAML is a superset here) catalog from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates a catalog document.
func Load(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &InvalidRegistryError{Reason: fmt.Sprintf("parse catalog: %v", err)}
	}
	if file.Version == "" {
		return nil, &InvalidRegistryError{Field: "version", Reason: "missing catalog version"}
	}
	if _, err := semver.NewVersion(file.Version); err != nil {
		return nil, &InvalidRegistryError{Field: "version", Reason: fmt.Sprintf("not a semantic version: %v", err)}
	}
	if len(file.Tools) == 0 {
		return nil, &InvalidRegistryError{Field: "tools", Reason: "catalog declares no tools"}
	}

	r := &Registry{
		version: file.Version,
		tools:   make(map[string]*contracts.Tool, len(file.Tools)),
	}
	validators := schema.NewCache()
	for _, entry := range file.Tools {
		tool, err := buildTool(entry, validators)
		if err != nil {
			return nil, err
		}
		if _, dup := r.tools[tool.Name]; dup {
			return nil, &InvalidRegistryError{Tool: tool.Name, Field: "name", Reason: "duplicate tool name"}
		}
		r.tools[tool.Name] = tool
		r.order = append(r.order, tool.Name)
	}
	return r, nil
}

func buildTool(entry catalogEntry, validators *schema.Cache) (*contracts.Tool, error) {
	if err := contracts.ValidateName(entry.Name); err != nil {
		return nil, &InvalidRegistryError{Tool: entry.Name, Field: "name", Reason: err.Error()}
	}
	if entry.TimeoutMs != nil && *entry.TimeoutMs <= 0 {
		return nil, &InvalidRegistryError{Tool: entry.Name, Field: "timeout_ms", Reason: "must be positive"}
	}
	if entry.InputSchema == nil {
		return nil, &InvalidRegistryError{Tool: entry.Name, Field: "input_schema", Reason: "missing input schema"}
	}

	inputSchema, err := marshalSchema(entry.InputSchema)
	if err != nil {
		return nil, &InvalidRegistryError{Tool: entry.Name, Field: "input_schema", Reason: err.Error()}
	}
	var outputSchema json.RawMessage
	if entry.OutputSchema != nil {
		outputSchema, err = marshalSchema(entry.OutputSchema)
		if err != nil {
			return nil, &InvalidRegistryError{Tool: entry.Name, Field: "output_schema", Reason: err.Error()}
		}
	}

	tool := &contracts.Tool{
		Name:          entry.Name,
		Description:   entry.Description,
		Permissions:   entry.Permissions,
		InputSchema:   inputSchema,
		OutputSchema:  outputSchema,
		Idempotency:   entry.Idempotency,
		ReceiptFields: entry.ReceiptFields,
		Guard:         entry.Guard,
	}
	if entry.TimeoutMs != nil {
		tool.TimeoutMs = *entry.TimeoutMs
	}
	if tool.Idempotency.Mode == "" {
		tool.Idempotency.Mode = contracts.IdempotencyNone
	}

	switch tool.Idempotency.Mode {
	case contracts.IdempotencyNone, contracts.IdempotencySafeRetry:
	case contracts.IdempotencyKeyed:
		if tool.Idempotency.KeyField == "" {
			return nil, &InvalidRegistryError{Tool: tool.Name, Field: "idempotency.key_field", Reason: "mode keyed requires key_field"}
		}
		if !schemaRequires(entry.InputSchema, tool.Idempotency.KeyField) {
			return nil, &InvalidRegistryError{
				Tool:   tool.Name,
				Field:  "idempotency.key_field",
				Reason: fmt.Sprintf("key_field %q not in input_schema.required", tool.Idempotency.KeyField),
			}
		}
	default:
		return nil, &InvalidRegistryError{Tool: tool.Name, Field: "idempotency.mode", Reason: fmt.Sprintf("unknown mode %q", tool.Idempotency.Mode)}
	}

	// Schemas must compile at load time, not on first call.
	if _, err := validators.Input(tool); err != nil {
		return nil, &InvalidRegistryError{Tool: tool.Name, Field: "input_schema", Reason: err.Error()}
	}
	if len(tool.OutputSchema) > 0 {
		if _, err := validators.Output(tool); err != nil {
			return nil, &InvalidRegistryError{Tool: tool.Name, Field: "output_schema", Reason: err.Error()}
		}
	}
	if tool.Guard != "" {
		if _, err := guard.Compile(tool.Guard); err != nil {
			return nil, &InvalidRegistryError{Tool: tool.Name, Field: "guard", Reason: err.Error()}
		}
	}
	return tool, nil
}

// marshalSchema round-trips a YAML-decoded document to canonical JSON.
func marshalSchema(doc map[string]any) (json.RawMessage, error) {
	normalized, err := normalizeYAML(doc)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return data, nil
}

// normalizeYAML rewrites map[any]any trees (yaml.v3 nested decoding) into
// map[string]any so the schema compiler accepts them.
func normalizeYAML(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string schema key %v", k)
			}
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

func schemaRequires(schemaDoc map[string]any, field string) bool {
	req, ok := schemaDoc["required"].([]any)
	if !ok {
		return false
	}
	for _, item := range req {
		if s, ok := item.(string); ok && s == field {
			return true
		}
	}
	return false
}

// Version returns the catalog version string.
func (r *Registry) Version() string { return r.version }

// Get returns the tool or ErrToolNotFound.
func (r *Registry) Get(name string) (*contracts.Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// All returns the tools in declaration order.
func (r *Registry) All() []*contracts.Tool {
	out := make([]*contracts.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the sorted tool names, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Domains returns the distinct first segments of all tool names.
func (r *Registry) Domains() []string {
	seen := map[string]bool{}
	var domains []string
	for _, name := range r.order {
		domain, _, _ := strings.Cut(name, ".")
		if !seen[domain] {
			seen[domain] = true
			domains = append(domains, domain)
		}
	}
	return domains
}
