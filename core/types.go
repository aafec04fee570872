package core

import (
	"time"
)

// MessageRole identifies the variant of a Message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a model-requested tool invocation. The ID is opaque and
// unique within a turn; Arguments is the decoded JSON argument object.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one entry in a conversation. Role selects which optional
// fields are meaningful: Assistant may carry ToolCalls, Tool carries the
// originating ToolCallID and ToolName.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}

// ToolStatus classifies a tool invocation outcome.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
	ToolStatusTimeout ToolStatus = "timeout"
)

// ToolResult is the standardized envelope every tool output is
// normalized into before entering workflow state.
type ToolResult struct {
	ToolName     string                 `json:"tool_name"`
	Status       ToolStatus             `json:"status"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	LatencyMS    int64                  `json:"latency_ms"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	RetryCount   int                    `json:"retry_count"`
}

// NextAction routes the workflow graph. Each node writes the next action
// before the engine checkpoints and dispatches.
type NextAction string

const (
	ActionLLM      NextAction = "llm"
	ActionTools    NextAction = "tools"
	ActionValidate NextAction = "validate"
	ActionEnd      NextAction = "end"
)

// WorkflowState is the complete per-turn state of the workflow graph.
// It is the unit of checkpointing: a snapshot is persisted after every
// node transition and the graph is resumable from any persisted state.
type WorkflowState struct {
	Messages       []Message              `json:"messages"`
	ToolResults    []ToolResult           `json:"tool_results"`
	NextAction     NextAction             `json:"next_action"`
	Error          string                 `json:"error,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	ConversationID string                 `json:"conversation_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy. The engine mutates its in-memory copy for
// the duration of a turn; the store owns the persisted bytes.
func (s *WorkflowState) Clone() *WorkflowState {
	out := &WorkflowState{
		Messages:       make([]Message, len(s.Messages)),
		ToolResults:    make([]ToolResult, len(s.ToolResults)),
		NextAction:     s.NextAction,
		Error:          s.Error,
		RetryCount:     s.RetryCount,
		ConversationID: s.ConversationID,
	}
	copy(out.Messages, s.Messages)
	copy(out.ToolResults, s.ToolResults)
	if s.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// LastMessage returns the most recent message, or nil for an empty history.
func (s *WorkflowState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastUserMessage returns the most recent user message, or nil.
func (s *WorkflowState) LastUserMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return &s.Messages[i]
		}
	}
	return nil
}

// ThreadStatus marks a conversation thread's lifecycle in the store.
type ThreadStatus string

const (
	ThreadActive     ThreadStatus = "active"
	ThreadComplete   ThreadStatus = "complete"
	ThreadIncomplete ThreadStatus = "incomplete"
)

// CheckpointRecord is one persisted snapshot, keyed by (thread, checkpoint id).
type CheckpointRecord struct {
	ThreadID     string
	CheckpointID int64
	ParentID     *int64
	Timestamp    time.Time
	State        []byte // versioned WorkflowState blob; the store never inspects it
	ThreadStatus ThreadStatus
}

// ThreadSummary is a lightweight listing row.
type ThreadSummary struct {
	ThreadID    string       `json:"thread_id"`
	Status      ThreadStatus `json:"status"`
	LastUpdated time.Time    `json:"last_updated"`
}

// FunctionSpec is the wire shape tool schemas take when injected into a
// model prompt (OpenAI function-calling format).
type FunctionSpec struct {
	Type     string       `json:"type"`
	Function FunctionInfo `json:"function"`
}

// FunctionInfo carries the schema body of a FunctionSpec.
type FunctionInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
