package mongo

import (
	"time"

	"goa.design/agentcore/runtime/session"
	"goa.design/agentcore/runtime/step"
)

type (
	sessionDocument struct {
		SessionID string         `bson:"session_id"`
		Status    session.Status `bson:"status"`
		CreatedAt time.Time      `bson:"created_at"`
		EndedAt   *time.Time     `bson:"ended_at,omitempty"`
	}

	runDocument struct {
		RunID             string            `bson:"run_id"`
		SessionID         string            `bson:"session_id"`
		RunnableID        string            `bson:"runnable_id,omitempty"`
		ParentRunID       string            `bson:"parent_run_id,omitempty"`
		Status            session.RunStatus `bson:"status"`
		TerminationReason string            `bson:"termination_reason,omitempty"`
		StartedAt         time.Time         `bson:"started_at"`
		UpdatedAt         time.Time         `bson:"updated_at"`
		Metadata          map[string]any    `bson:"metadata,omitempty"`
	}

	stepDocument struct {
		StepID     string             `bson:"step_id"`
		SessionID  string             `bson:"session_id"`
		RunID      string             `bson:"run_id"`
		Sequence   int64              `bson:"sequence"`
		Role       string             `bson:"role"`
		Content    string             `bson:"content,omitempty"`
		ToolCalls  []toolCallDocument `bson:"tool_calls,omitempty"`
		ToolCallID string             `bson:"tool_call_id,omitempty"`
		ToolName   string             `bson:"tool_name,omitempty"`
		Depth      int                `bson:"depth,omitempty"`
		Metrics    *metricsDocument   `bson:"metrics,omitempty"`
		CreatedAt  time.Time          `bson:"created_at"`
	}

	toolCallDocument struct {
		ID        string `bson:"id"`
		Name      string `bson:"name"`
		Arguments string `bson:"arguments"`
	}

	metricsDocument struct {
		WallTimeMs          int64  `bson:"wall_time_ms,omitempty"`
		FirstTokenLatencyMs int64  `bson:"first_token_latency_ms,omitempty"`
		InputTokens         int    `bson:"input_tokens,omitempty"`
		OutputTokens        int    `bson:"output_tokens,omitempty"`
		TotalTokens         int    `bson:"total_tokens,omitempty"`
		Model               string `bson:"model,omitempty"`
		Provider            string `bson:"provider,omitempty"`
		ToolDurationMs      int64  `bson:"tool_duration_ms,omitempty"`
	}
)

func (doc sessionDocument) toSession() session.Session {
	var endedAt *time.Time
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		endedAt = &at
	}
	return session.Session{
		ID:        doc.SessionID,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt.UTC(),
		EndedAt:   endedAt,
	}
}

func (doc runDocument) toRunMeta() session.RunMeta {
	return session.RunMeta{
		RunID:             doc.RunID,
		SessionID:         doc.SessionID,
		RunnableID:        doc.RunnableID,
		ParentRunID:       doc.ParentRunID,
		Status:            doc.Status,
		TerminationReason: doc.TerminationReason,
		StartedAt:         doc.StartedAt,
		UpdatedAt:         doc.UpdatedAt,
		Metadata:          doc.Metadata,
	}
}

func fromStep(st *step.Step) stepDocument {
	doc := stepDocument{
		StepID:     st.ID,
		SessionID:  st.SessionID,
		RunID:      st.RunID,
		Sequence:   st.Sequence,
		Role:       string(st.Role),
		Content:    st.Content,
		ToolCallID: st.ToolCallID,
		ToolName:   st.ToolName,
		Depth:      st.Depth,
		CreatedAt:  st.CreatedAt.UTC(),
	}
	for _, tc := range st.ToolCalls {
		doc.ToolCalls = append(doc.ToolCalls, toolCallDocument(tc))
	}
	if m := st.Metrics; m != nil {
		doc.Metrics = &metricsDocument{
			WallTimeMs:          m.WallTime.Milliseconds(),
			FirstTokenLatencyMs: m.FirstTokenLatency.Milliseconds(),
			InputTokens:         m.InputTokens,
			OutputTokens:        m.OutputTokens,
			TotalTokens:         m.TotalTokens,
			Model:               m.Model,
			Provider:            m.Provider,
			ToolDurationMs:      m.ToolDuration.Milliseconds(),
		}
	}
	return doc
}

func (doc stepDocument) toStep() *step.Step {
	st := &step.Step{
		ID:         doc.StepID,
		SessionID:  doc.SessionID,
		RunID:      doc.RunID,
		Sequence:   doc.Sequence,
		Role:       step.Role(doc.Role),
		Content:    doc.Content,
		ToolCallID: doc.ToolCallID,
		ToolName:   doc.ToolName,
		Depth:      doc.Depth,
		CreatedAt:  doc.CreatedAt,
	}
	for _, tc := range doc.ToolCalls {
		st.ToolCalls = append(st.ToolCalls, step.ToolCall(tc))
	}
	if m := doc.Metrics; m != nil {
		st.Metrics = &step.Metrics{
			WallTime:          time.Duration(m.WallTimeMs) * time.Millisecond,
			FirstTokenLatency: time.Duration(m.FirstTokenLatencyMs) * time.Millisecond,
			InputTokens:       m.InputTokens,
			OutputTokens:      m.OutputTokens,
			TotalTokens:       m.TotalTokens,
			Model:             m.Model,
			Provider:          m.Provider,
			ToolDuration:      time.Duration(m.ToolDurationMs) * time.Millisecond,
		}
	}
	return st
}
