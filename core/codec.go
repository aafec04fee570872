package core

import (
	"encoding/json"
	"fmt"
)

// Workflow state is persisted as a self-describing, versioned blob:
// a two-byte magic, a format version byte, then the payload. The store
// treats the blob as opaque; only this codec understands the layout.
const (
	stateMagic0 = 0xAF
	stateMagic1 = 0x01
	stateV1     = 1
)

// EncodeState serializes a WorkflowState into the versioned blob format.
func EncodeState(state *WorkflowState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("encode state: %w", ErrInvalidConfiguration)
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	out := make([]byte, 0, len(payload)+3)
	out = append(out, stateMagic0, stateMagic1, stateV1)
	out = append(out, payload...)
	return out, nil
}

// DecodeState deserializes a blob produced by EncodeState. Unknown
// versions and corrupt headers are rejected so recovery can detect
// damaged checkpoints instead of resuming from garbage.
func DecodeState(data []byte) (*WorkflowState, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("decode state: blob too short (%d bytes)", len(data))
	}
	if data[0] != stateMagic0 || data[1] != stateMagic1 {
		return nil, fmt.Errorf("decode state: bad magic %#x%#x", data[0], data[1])
	}
	if data[2] != stateV1 {
		return nil, fmt.Errorf("decode state: unsupported version %d", data[2])
	}

	var state WorkflowState
	if err := json.Unmarshal(data[3:], &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// ValidateState checks the structural invariants of a decoded state:
// every tool message must answer a tool call from the immediately
// preceding assistant message, and the retry counter must be sane.
func ValidateState(state *WorkflowState) error {
	if state == nil {
		return fmt.Errorf("validate state: nil state")
	}
	if state.RetryCount < 0 {
		return fmt.Errorf("validate state: negative retry count %d", state.RetryCount)
	}
	if state.ConversationID == "" {
		return fmt.Errorf("validate state: empty conversation id")
	}

	for i, msg := range state.Messages {
		if msg.Role != RoleTool {
			continue
		}
		if !toolCallPrecedes(state.Messages, i, msg.ToolCallID) {
			return fmt.Errorf("validate state: tool message %d has no matching tool call %q", i, msg.ToolCallID)
		}
	}
	return nil
}

// toolCallPrecedes reports whether the assistant message immediately
// before the run of tool messages containing index i declared callID.
func toolCallPrecedes(messages []Message, i int, callID string) bool {
	// Walk back over the contiguous run of tool messages to the assistant
	// message that issued the calls. Parallel tool calls produce several
	// tool messages in a row answering one assistant message.
	j := i - 1
	for j >= 0 && messages[j].Role == RoleTool {
		j--
	}
	if j < 0 || messages[j].Role != RoleAssistant {
		return false
	}
	for _, call := range messages[j].ToolCalls {
		if call.ID == callID {
			return true
		}
	}
	return false
}
