package executor

import (
	"context"

	"goa.design/agentcore/runtime/run"
)

// Runnable is anything that can execute a run inside an existing execution
// context: an agent, a workflow, or any composition layered on the same
// event contract.
//
// Run uses the supplied context and its wire, returns the final output, and
// must not close the wire; the wire belongs to the top-level owner. Fatal run
// conditions are reported in Output.Err with TerminationReason set to
// "error" (or "cancelled"); the returned error is reserved for invocation
// mistakes such as a nil context.
type Runnable interface {
	// ID is the stable runnable identifier used for nesting attribution and
	// cycle detection.
	ID() string
	// Run executes on the given context.
	Run(ctx context.Context, input string, rctx *run.Context) (*run.Output, error)
}
