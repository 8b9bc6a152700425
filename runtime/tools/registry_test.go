package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/run"
)

func testTool(name string) *FuncTool {
	return &FuncTool{
		Def: model.ToolDefinition{Name: name},
		Fn: func(_ context.Context, _ map[string]any, _ *run.Context) (*Result, error) {
			return Success(name, "", "ok", nil), nil
		},
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry(testTool("alpha"), testTool("beta"))
	require.NoError(t, err)

	tool, ok := r.Lookup("alpha")
	require.True(t, ok)
	require.Equal(t, "alpha", tool.Definition().Name)

	_, ok = r.Lookup("gamma")
	require.False(t, ok)
}

func TestRegistryDuplicateName(t *testing.T) {
	_, err := NewRegistry(testTool("alpha"), testTool("alpha"))
	require.Error(t, err)
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	require.Error(t, r.Register(testTool("")))
	require.Error(t, r.Register(nil))
}

func TestDefinitionsSorted(t *testing.T) {
	r, err := NewRegistry(testTool("zeta"), testTool("alpha"), testTool("mid"))
	require.NoError(t, err)

	defs := r.Definitions()
	require.Len(t, defs, 3)
	require.Equal(t, "alpha", defs[0].Name)
	require.Equal(t, "mid", defs[1].Name)
	require.Equal(t, "zeta", defs[2].Name)
}
