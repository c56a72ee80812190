package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func schemaDescriptor(name string) FunctionDescriptor {
	return FunctionDescriptor{
		Name:        name,
		Description: "test function",
		ParameterSchema: []byte(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func TestRegistryResolveIsCaseSensitiveAndPresence(t *testing.T) {
	reg, err := NewRegistry(schemaDescriptor("read_file"))
	require.NoError(t, err)

	d, ok := reg.Resolve("read_file")
	require.True(t, ok)
	require.Equal(t, "read_file", d.Name)

	_, ok = reg.Resolve("Read_File")
	require.False(t, ok)

	_, ok = reg.Resolve("delete_file")
	require.False(t, ok)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(schemaDescriptor("read_file"), schemaDescriptor("read_file"))
	require.Error(t, err)
}

func TestRegistryRejectsMalformedSchemaAtAssembly(t *testing.T) {
	bad := FunctionDescriptor{Name: "broken", ParameterSchema: []byte(`{"type": `)}
	_, err := NewRegistry(bad)
	require.Error(t, err)
}

func TestRegistryValidateEnforcesRequiredFields(t *testing.T) {
	reg, err := NewRegistry(schemaDescriptor("read_file"))
	require.NoError(t, err)

	require.NoError(t, reg.Validate("read_file", json.RawMessage(`{"path": "a.txt"}`)))
	require.Error(t, reg.Validate("read_file", json.RawMessage(`{}`)))
	require.Error(t, reg.Validate("read_file", json.RawMessage(`{"path": "a.txt", "extra": 1}`)))
}

func TestRegistryValidateUnknownFunctionErrors(t *testing.T) {
	reg, err := NewRegistry(schemaDescriptor("read_file"))
	require.NoError(t, err)
	require.Error(t, reg.Validate("nonexistent", json.RawMessage(`{}`)))
}

func TestRegistryValidateNoSchemaAlwaysPasses(t *testing.T) {
	reg, err := NewRegistry(FunctionDescriptor{Name: "ping"})
	require.NoError(t, err)
	require.NoError(t, reg.Validate("ping", nil))
	require.NoError(t, reg.Validate("ping", json.RawMessage(`{"anything": true}`)))
}

func TestRegistryDefinitionsPreservesRegistrationOrder(t *testing.T) {
	reg, err := NewRegistry(
		FunctionDescriptor{Name: "a"},
		FunctionDescriptor{Name: "b"},
		FunctionDescriptor{Name: "c"},
	)
	require.NoError(t, err)
	defs := reg.Definitions()
	require.Len(t, defs, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{defs[0].Name, defs[1].Name, defs[2].Name})
}

func TestRegistryPermissionAndAgentToolFlagsSurvive(t *testing.T) {
	reg, err := NewRegistry(FunctionDescriptor{
		Name:               "delete_file",
		RequiresPermission: true,
		IsAgentTool:        false,
	})
	require.NoError(t, err)
	d, ok := reg.Resolve("delete_file")
	require.True(t, ok)
	require.True(t, d.RequiresPermission)
	require.False(t, d.IsAgentTool)
}
