package step

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulatorContent(t *testing.T) {
	acc := NewAccumulator()
	acc.Apply(&Delta{Content: "Hello"})
	acc.Apply(&Delta{Content: ", "})
	acc.Apply(&Delta{Content: "world"})

	require.Equal(t, "Hello, world", acc.Content())
	require.Nil(t, acc.ToolCalls())
}

func TestAccumulatorToolCallFragments(t *testing.T) {
	acc := NewAccumulator()
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call-1", Name: "get_weather"}}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ArgumentsFragment: `{"city":`}}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ArgumentsFragment: `"Paris"}`}}})

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "call-1", calls[0].ID)
	require.Equal(t, "get_weather", calls[0].Name)
	require.Equal(t, `{"city":"Paris"}`, calls[0].Arguments)
}

func TestAccumulatorInterleavedCalls(t *testing.T) {
	acc := NewAccumulator()
	acc.Apply(&Delta{Content: "checking"})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{
		{Index: 0, ID: "call-1", Name: "lookup"},
		{Index: 1, ID: "call-2", Name: "search"},
	}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 1, ArgumentsFragment: `{"q":"b"}`}}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ArgumentsFragment: `{"q":"a"}`}}})

	calls := acc.ToolCalls()
	require.Len(t, calls, 2)
	require.Equal(t, ToolCall{ID: "call-1", Name: "lookup", Arguments: `{"q":"a"}`}, calls[0])
	require.Equal(t, ToolCall{ID: "call-2", Name: "search", Arguments: `{"q":"b"}`}, calls[1])
}

func TestAccumulatorSparseIndexes(t *testing.T) {
	// Anthropic numbers blocks across the whole message so tool indexes may
	// not start at zero.
	acc := NewAccumulator()
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 2, ID: "call-9", Name: "ping"}}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 2, ArgumentsFragment: "{}"}}})

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "call-9", calls[0].ID)
	require.Equal(t, "{}", calls[0].Arguments)
}

func TestAccumulatorFirstIdentityWins(t *testing.T) {
	// Some providers repeat the call metadata on later fragments; a repeat
	// that disagrees must not replace what the first fragment established.
	acc := NewAccumulator()
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call-1", Name: "lookup"}}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call-x", Name: "other", ArgumentsFragment: "{}"}}})

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "call-1", calls[0].ID)
	require.Equal(t, "lookup", calls[0].Name)
	require.Equal(t, "{}", calls[0].Arguments)
}

func TestAccumulatorOrdersByIndexNotArrival(t *testing.T) {
	acc := NewAccumulator()
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 1, ID: "call-2", Name: "search"}}})
	acc.Apply(&Delta{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call-1", Name: "lookup"}}})

	calls := acc.ToolCalls()
	require.Len(t, calls, 2)
	require.Equal(t, "call-1", calls[0].ID)
	require.Equal(t, "call-2", calls[1].ID)
}

func TestCloneIndependence(t *testing.T) {
	s := &Step{
		ID:        NewID(),
		ToolCalls: []ToolCall{{ID: "call-1", Name: "lookup"}},
		Metrics:   &Metrics{InputTokens: 10},
	}
	c := s.Clone()
	c.ToolCalls[0].Name = "changed"
	c.Metrics.InputTokens = 99

	require.Equal(t, "lookup", s.ToolCalls[0].Name)
	require.Equal(t, 10, s.Metrics.InputTokens)
}
