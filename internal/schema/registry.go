// Package schema is the per-source schema registry consulted by the normalizer
// and the resolver.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// Attribute types.
const (
	TypeString     = "string"
	TypeNumber     = "number"
	TypeInteger    = "integer"
	TypeBoolean    = "boolean"
	TypeTimestamp  = "timestamp"
	TypeStringList = "string_list"
)

// Attribute roles used by key extraction.
const (
	RoleIdentifier = "identifier"
	RoleName       = "name"
	RoleRelation   = "relation"
)

// Schema is the compiled schema of one source.
type Schema struct {
	SourceID   string
	EntityType string
	Strict     bool
	Attributes []config.Attribute
	Categories []config.Category

	byName    map[string]int
	validator *jsonschema.Schema
}

// Attribute returns the declaration for name.
func (s *Schema) Attribute(name string) (config.Attribute, bool) {
	i, ok := s.byName[name]
	if !ok {
		return config.Attribute{}, false
	}
	return s.Attributes[i], true
}

// WithRole returns the attributes carrying role, in declaration order.
func (s *Schema) WithRole(role string) []config.Attribute {
	var out []config.Attribute
	for _, a := range s.Attributes {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// ValidationError is a JSON Schema violation. Field names the top-level
// attribute at fault and is empty when the document as a whole is rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks a JSON-decoded document against the compiled JSON Schema.
// Sources that are neither strict nor carry a custom schema always pass.
// Violations are returned as *ValidationError.
func (s *Schema) Validate(doc any) error {
	if s.validator == nil {
		return nil
	}
	err := s.validator.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &ValidationError{Field: violationField(leaf), Message: leaf.Message}
}

var quoted = regexp.MustCompile(`'([^']+)'`)

// violationField maps a leaf violation to the top-level attribute it concerns.
// Root-level violations name the attribute in the message instead of the
// instance location, e.g. "additionalProperties 'x' not allowed" or
// "missing properties: 'name'".
func violationField(v *jsonschema.ValidationError) string {
	if loc := strings.TrimPrefix(v.InstanceLocation, "/"); loc != "" {
		field, _, _ := strings.Cut(loc, "/")
		return strings.NewReplacer("~1", "/", "~0", "~").Replace(field)
	}
	if m := quoted.FindStringSubmatch(v.Message); m != nil {
		return m[1]
	}
	return ""
}

// Registry maps a source id to its schema.
type Registry interface {
	SchemaFor(sourceID string) (*Schema, bool)
}

// Static is a Registry whose contents can be swapped atomically on config reload.
type Static struct {
	schemas atomic.Pointer[map[string]*Schema]
}

// NewStatic compiles the given sources.
func NewStatic(sources []config.Source) (*Static, error) {
	r := &Static{}
	if err := r.Swap(sources); err != nil {
		return nil, err
	}
	return r, nil
}

// SchemaFor implements Registry.
func (r *Static) SchemaFor(sourceID string) (*Schema, bool) {
	m := r.schemas.Load()
	if m == nil {
		return nil, false
	}
	s, ok := (*m)[sourceID]
	return s, ok
}

// Sources returns the registered schemas ordered by source id.
func (r *Static) Sources() []*Schema {
	m := r.schemas.Load()
	if m == nil {
		return nil
	}
	out := make([]*Schema, 0, len(*m))
	for _, s := range *m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Swap compiles sources and replaces the registry contents. On error the
// previous contents stay in place.
func (r *Static) Swap(sources []config.Source) error {
	next := make(map[string]*Schema, len(sources))
	for _, src := range sources {
		s, err := Compile(src)
		if err != nil {
			return err
		}
		next[src.ID] = s
	}
	r.schemas.Store(&next)
	return nil
}

// Compile builds a Schema from a source declaration. Strict sources get a
// generated JSON Schema forbidding undeclared attributes; a custom json_schema
// replaces the generated one.
func Compile(src config.Source) (*Schema, error) {
	s := &Schema{
		SourceID:   src.ID,
		EntityType: src.EntityType,
		Strict:     src.Strict,
		Attributes: append([]config.Attribute(nil), src.Attributes...),
		Categories: append([]config.Category(nil), src.Categories...),
		byName:     make(map[string]int, len(src.Attributes)),
	}
	if s.EntityType == "" {
		s.EntityType = "entity"
	}
	for i, a := range s.Attributes {
		s.byName[a.Name] = i
	}

	doc := src.JSONSchema
	if doc == "" && src.Strict {
		b, err := json.Marshal(generate(src))
		if err != nil {
			return nil, errors.Wrapf(err, "generate schema for source %s", src.ID)
		}
		doc = string(b)
	}
	if doc == "" {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://provgraph.schemas.local/sources/%s.schema.json", src.ID)
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, errors.Wrapf(err, "load schema for source %s", src.ID)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema for source %s", src.ID)
	}
	s.validator = compiled
	return s, nil
}

// generate renders the attribute declarations as a JSON Schema document. Type
// coercion (trimming, timestamp layouts) is the normalizer's job, so timestamps
// accept strings and numbers here.
func generate(src config.Source) map[string]any {
	props := make(map[string]any, len(src.Attributes))
	var required []string
	for _, a := range src.Attributes {
		props[a.Name] = map[string]any{"type": jsonTypes(a.Type)}
		if a.Required {
			required = append(required, a.Name)
		}
	}
	out := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func jsonTypes(t string) []string {
	switch t {
	case TypeNumber:
		return []string{"number"}
	case TypeInteger:
		return []string{"integer"}
	case TypeBoolean:
		return []string{"boolean"}
	case TypeTimestamp:
		return []string{"string", "number"}
	case TypeStringList:
		return []string{"array", "string"}
	default:
		return []string{"string"}
	}
}
