package orchestration

import (
	"context"
	"testing"

	"github.com/agentflow-io/agentflow/checkpoint"
	"github.com/agentflow-io/agentflow/core"
)

func interruptedState() *core.WorkflowState {
	return &core.WorkflowState{
		Messages: []core.Message{
			{Role: core.RoleUser, Content: "what is 17 * 23"},
			{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{
				ID: "call-1", Name: "calculator",
				Arguments: map[string]interface{}{"expression": "17 * 23"},
			}}},
			{Role: core.RoleTool, Content: "391", ToolCallID: "call-1", ToolName: "calculator"},
		},
		ToolResults: []core.ToolResult{{
			ToolName: "calculator",
			Status:   core.ToolStatusSuccess,
			Payload:  map[string]interface{}{"status": "success", "data": "391"},
		}},
		NextAction:     core.ActionValidate,
		ConversationID: "t-crash",
		Metadata:       map[string]interface{}{},
	}
}

func seedThread(t *testing.T, store checkpoint.Store, threadID string, state *core.WorkflowState) {
	t.Helper()
	blob, err := core.EncodeState(state)
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}
	if _, err := store.Put(context.Background(), threadID, blob, core.ThreadActive); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestScanClosesOutInterruptedThread(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()
	seedThread(t, store, "t-crash", interruptedState())

	// Stale-after zero makes every active thread eligible immediately.
	rm := NewRecoveryManager(store, 3, WithStaleAfter(0))

	report := rm.ScanAndRecover(context.Background())
	if report.Scanned != 1 || report.Recovered != 1 {
		t.Fatalf("report = %+v, want 1 scanned, 1 recovered", report)
	}

	// The pre-crash snapshot is the final record; nothing re-executed,
	// nothing rewritten.
	record, err := store.Latest(context.Background(), "t-crash")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	state, err := core.DecodeState(record.State)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}
	if len(state.ToolResults) != 1 || state.ToolResults[0].ToolName != "calculator" {
		t.Errorf("tool results = %+v, want pre-crash calculator result intact", state.ToolResults)
	}
	if state.NextAction != core.ActionValidate {
		t.Errorf("next action = %s, want untouched validate", state.NextAction)
	}

	summaries, err := store.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Status != core.ThreadComplete {
		t.Errorf("summaries = %+v, want thread marked complete", summaries)
	}

	// Second scan sees nothing: the thread left the active set.
	report = rm.ScanAndRecover(context.Background())
	if report.Scanned != 0 {
		t.Errorf("second scan = %+v, want nothing to do", report)
	}
}

func TestScanAbandonsCorruptCheckpointAfterMaxAttempts(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()
	if _, err := store.Put(context.Background(), "t-bad", []byte("{not a state blob"), core.ThreadActive); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rm := NewRecoveryManager(store, 2, WithStaleAfter(0))

	// Two validation attempts fail; the thread stays active meanwhile.
	for i := 0; i < 2; i++ {
		report := rm.ScanAndRecover(context.Background())
		if report.Failed != 1 || report.Abandoned != 0 {
			t.Fatalf("scan %d report = %+v, want 1 failed", i+1, report)
		}
	}

	report := rm.ScanAndRecover(context.Background())
	if report.Abandoned != 1 {
		t.Fatalf("final report = %+v, want 1 abandoned", report)
	}

	summaries, err := store.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Status != core.ThreadIncomplete {
		t.Errorf("summaries = %+v, want thread marked incomplete", summaries)
	}

	// Idempotence: abandoning removed it from the active set, so a
	// further scan neither rescans nor double-counts.
	report = rm.ScanAndRecover(context.Background())
	if report.Scanned != 0 || report.Abandoned != 0 {
		t.Errorf("post-abandon scan = %+v, want nothing to do", report)
	}
}

func TestScanValidatesStateIntegrity(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()

	// Decodes fine but violates tool-call pairing, so validation fails.
	state := interruptedState()
	state.Messages[1].ToolCalls = nil
	seedThread(t, store, "t-crash", state)

	rm := NewRecoveryManager(store, 3, WithStaleAfter(0))
	report := rm.ScanAndRecover(context.Background())
	if report.Failed != 1 || report.Recovered != 0 {
		t.Fatalf("report = %+v, want 1 failed validation", report)
	}
}

func TestScanSkipsFreshActiveThreads(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	defer store.Close()
	seedThread(t, store, "t-live", interruptedState())

	// An hour-old staleness bar keeps the just-written thread out of
	// the candidate set entirely.
	rm := NewRecoveryManager(store, 3)
	report := rm.ScanAndRecover(context.Background())
	if report.Scanned != 0 {
		t.Errorf("report = %+v, want fresh thread ignored", report)
	}
}
