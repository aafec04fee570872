package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentflow-io/agentflow/ai"
	"github.com/agentflow-io/agentflow/core"
)

const summaryRequestPrompt = `Summarize the following conversation excerpt in a short paragraph. Preserve concrete facts, numbers, and decisions; drop pleasantries.`

// Compactor replaces old conversation history with a model-written
// summary once the message count crosses the high-water mark. Evicted
// originals are archived; compaction is transparent to the graph nodes.
type Compactor struct {
	summarizer ai.Provider
	archiver   core.Archiver
	highWater  int
	keepRecent int
	logger     core.Logger
}

// NewCompactor builds a compactor. The summarizer should be a fast,
// cheap tier; archiver may be nil to skip archival.
func NewCompactor(summarizer ai.Provider, archiver core.Archiver, highWater, keepRecent int, logger core.Logger) (*Compactor, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("compactor: %w: summarizer provider", core.ErrInvalidConfiguration)
	}
	if highWater < 4 || keepRecent < 1 || keepRecent >= highWater {
		return nil, fmt.Errorf("compactor: %w: need highWater >= 4 and 1 <= keepRecent < highWater", core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Compactor{
		summarizer: summarizer,
		archiver:   archiver,
		highWater:  highWater,
		keepRecent: keepRecent,
		logger:     logger,
	}, nil
}

// Compact rewrites state.Messages in place when over the high-water
// mark. Failures leave the state untouched; a turn never dies because
// its history could not be summarized.
func (c *Compactor) Compact(ctx context.Context, state *core.WorkflowState) {
	if len(state.Messages) <= c.highWater {
		return
	}

	// A leading system message survives compaction verbatim.
	start := 0
	if state.Messages[0].Role == core.RoleSystem {
		start = 1
	}
	boundary := len(state.Messages) - c.keepRecent
	// Never split an assistant message from the tool messages answering it.
	for boundary < len(state.Messages) && state.Messages[boundary].Role == core.RoleTool {
		boundary++
	}
	if boundary <= start {
		return
	}
	evicted := state.Messages[start:boundary]

	summary, err := c.summarize(ctx, evicted)
	if err != nil {
		c.logger.Warn("Compaction skipped", map[string]interface{}{
			"operation": "context_compact",
			"error":     err.Error(),
		})
		return
	}

	c.archive(ctx, state.ConversationID, evicted)

	compacted := make([]core.Message, 0, 1+1+len(state.Messages)-boundary)
	compacted = append(compacted, state.Messages[:start]...)
	compacted = append(compacted, core.Message{
		Role:    core.RoleSystem,
		Content: "Summary of earlier conversation: " + summary,
	})
	compacted = append(compacted, state.Messages[boundary:]...)

	c.logger.Info("Compacted conversation history", map[string]interface{}{
		"operation":    "context_compact",
		"evicted":      len(evicted),
		"message_count": len(compacted),
	})
	state.Messages = compacted
}

func (c *Compactor) summarize(ctx context.Context, evicted []core.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range evicted {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := c.summarizer.Generate(ctx, ai.Request{
		SystemPrompt: summaryRequestPrompt,
		Messages: []core.Message{
			{Role: core.RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}

// archive writes evicted originals to the archiver. Archival is
// write-only; nothing retrieves the documents on later turns.
func (c *Compactor) archive(ctx context.Context, conversationID string, evicted []core.Message) {
	if c.archiver == nil {
		return
	}
	for i, m := range evicted {
		if m.Content == "" {
			continue
		}
		id := uuid.NewString()
		err := c.archiver.AddDocument(ctx, id, m.Content, map[string]interface{}{
			"conversation_id": conversationID,
			"role":            string(m.Role),
			"position":        i,
		})
		if err != nil {
			c.logger.Warn("Archiving evicted message failed", map[string]interface{}{
				"operation": "context_compact",
				"error":     err.Error(),
			})
			return
		}
	}
}
