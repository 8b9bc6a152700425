package step

import "sort"

// Accumulator assembles streamed deltas into the final content and tool calls
// of an assistant step. Tool-call fragments are merged by index: the first
// non-empty ID and Name for an index stick, every fragment extends the
// argument JSON, and the finished calls come back in index order.
type Accumulator struct {
	content []byte
	calls   map[int]*ToolCall
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*ToolCall)}
}

// Apply folds one delta into the accumulated state.
func (a *Accumulator) Apply(d *Delta) {
	if d == nil {
		return
	}
	a.content = append(a.content, d.Content...)
	for _, tc := range d.ToolCalls {
		call, ok := a.calls[tc.Index]
		if !ok {
			call = &ToolCall{}
			a.calls[tc.Index] = call
		}
		if call.ID == "" {
			call.ID = tc.ID
		}
		if call.Name == "" {
			call.Name = tc.Name
		}
		call.Arguments += tc.ArgumentsFragment
	}
}

// Content returns the accumulated assistant text.
func (a *Accumulator) Content() string {
	return string(a.content)
}

// ToolCalls returns the accumulated tool calls in index order, nil when the
// model requested none.
func (a *Accumulator) ToolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, len(indexes))
	for i, idx := range indexes {
		out[i] = *a.calls[idx]
	}
	return out
}
