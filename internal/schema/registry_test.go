package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
)

func person(strict bool) config.Source {
	return config.Source{
		ID:         "crm",
		EntityType: "person",
		Strict:     strict,
		Attributes: []config.Attribute{
			{Name: "name", Type: "string", Role: "name", Required: true},
			{Name: "id", Type: "string", Role: "identifier", Namespace: "id"},
			{Name: "age", Type: "integer"},
		},
	}
}

func TestStrictSchemaRejectsUndeclared(t *testing.T) {
	s, err := schema.Compile(person(true))
	require.NoError(t, err)

	assert.NoError(t, s.Validate(map[string]any{"name": "Alice", "age": float64(3)}))
	assert.Error(t, s.Validate(map[string]any{"name": "Alice", "extra": true}))
	assert.Error(t, s.Validate(map[string]any{"id": "X1"}), "name is required")
	assert.Error(t, s.Validate(map[string]any{"name": "Alice", "age": 3.5}))
}

func TestValidationErrorNamesAttribute(t *testing.T) {
	s, err := schema.Compile(person(true))
	require.NoError(t, err)

	for want, doc := range map[string]map[string]any{
		"extra": {"name": "Alice", "extra": true},
		"name":  {"id": "X1"},
		"age":   {"name": "Alice", "age": 3.5},
	} {
		err := s.Validate(doc)
		var verr *schema.ValidationError
		require.ErrorAs(t, err, &verr, want)
		assert.Equal(t, want, verr.Field)
		assert.NotEmpty(t, verr.Message)
	}
}

func TestLenientSchemaSkipsValidation(t *testing.T) {
	s, err := schema.Compile(person(false))
	require.NoError(t, err)
	assert.NoError(t, s.Validate(map[string]any{"anything": 1}))
}

func TestCustomJSONSchema(t *testing.T) {
	src := person(false)
	src.JSONSchema = `{"type":"object","properties":{"id":{"type":"string","pattern":"^X[0-9]+$"}}}`
	s, err := schema.Compile(src)
	require.NoError(t, err)

	assert.NoError(t, s.Validate(map[string]any{"id": "X12"}))
	assert.Error(t, s.Validate(map[string]any{"id": "Y12"}))
}

func TestRegistrySwap(t *testing.T) {
	r, err := schema.NewStatic([]config.Source{person(false)})
	require.NoError(t, err)

	s, ok := r.SchemaFor("crm")
	require.True(t, ok)
	assert.Equal(t, "person", s.EntityType)
	assert.Len(t, s.WithRole(schema.RoleIdentifier), 1)
	_, ok = s.Attribute("age")
	assert.True(t, ok)

	bad := person(false)
	bad.JSONSchema = `{"type": 12}`
	require.Error(t, r.Swap([]config.Source{bad}))
	_, ok = r.SchemaFor("crm")
	assert.True(t, ok, "failed swap keeps previous schemas")

	require.NoError(t, r.Swap([]config.Source{{ID: "erp"}}))
	_, ok = r.SchemaFor("crm")
	assert.False(t, ok)
	require.Len(t, r.Sources(), 1)
	assert.Equal(t, "entity", r.Sources()[0].EntityType)
}
