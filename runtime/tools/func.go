package tools

import (
	"context"

	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/run"
)

// FuncTool adapts a plain function as a Tool. Useful for small host tools and
// in tests.
type FuncTool struct {
	Def     model.ToolDefinition
	Consent bool
	Fn      func(ctx context.Context, args map[string]any, rctx *run.Context) (*Result, error)
}

// Definition implements Tool.
func (f *FuncTool) Definition() model.ToolDefinition { return f.Def }

// Execute implements Tool.
func (f *FuncTool) Execute(ctx context.Context, args map[string]any, rctx *run.Context) (*Result, error) {
	return f.Fn(ctx, args, rctx)
}

// RequiresConsent implements ConsentRequirer.
func (f *FuncTool) RequiresConsent() bool { return f.Consent }
