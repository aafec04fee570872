// Package delegation routes a query across model tiers before the
// workflow engine sees it: classify, score complexity, optionally
// decompose into dependent sub-tasks, fan out, aggregate, verify.
package delegation

import (
	"time"
)

// Strategy selects the execution shape for a query.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyDecompose Strategy = "decompose"
)

// TaskType is the coarse classification driving tier selection.
type TaskType string

const (
	TaskConversation TaskType = "conversation"
	TaskFactual      TaskType = "factual"
	TaskReasoning    TaskType = "reasoning"
	TaskCode         TaskType = "code"
	TaskMultiStep    TaskType = "multi_step"
)

// SubTask is one unit of a decomposition. DependsOn holds indices into
// the decomposition's SubTasks slice; a sub-task runs only after every
// dependency has a result.
type SubTask struct {
	Description string   `json:"description"`
	TargetTier  string   `json:"target_tier"`
	DependsOn   []int    `json:"depends_on,omitempty"`
	TaskType    TaskType `json:"task_type"`
}

// Decomposition is the routing plan for one query.
type Decomposition struct {
	Strategy        Strategy  `json:"strategy"`
	SubTasks        []SubTask `json:"sub_tasks"`
	ComplexityScore float64   `json:"complexity_score"`
	TaskType        TaskType  `json:"task_type"`
}

// SubTaskResult records one sub-task execution.
type SubTaskResult struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
	Content     string `json:"content,omitempty"`
	Status      string `json:"status"` // success or error
	Error       string `json:"error,omitempty"`
	LatencyMS   int64  `json:"latency_ms"`
	Retried     bool   `json:"retried"`
}

// Trace is the full delegation record for one request, persisted for
// debugging and surfaced in response metadata.
type Trace struct {
	RequestID string          `json:"request_id"`
	Query     string          `json:"query"`
	Plan      Decomposition   `json:"plan"`
	Results   []SubTaskResult `json:"results,omitempty"`
	Answer    string          `json:"answer"`
	Verified  bool            `json:"verified"`
	Revised   bool            `json:"revised"`
	CreatedAt time.Time       `json:"created_at"`
}

// Outcome is what delegation hands back to the orchestrator.
type Outcome struct {
	Answer string
	Trace  *Trace
}

// Rules is the hot-reloadable routing policy. A zero value is not
// valid; use DefaultRules as the base.
type Rules struct {
	// TierByTaskType maps a task type to a tier name. Missing entries
	// fall back to the pool's default tier.
	TierByTaskType map[TaskType]string

	// ComplexityThreshold below which single-step queries go Direct.
	ComplexityThreshold float64

	// VerificationThreshold above which the aggregate is verified.
	VerificationThreshold float64

	// VerificationTier names the tier used for verification; empty
	// falls back to the pool's most capable tier.
	VerificationTier string

	// MaxParallel bounds concurrent sub-task dispatch.
	MaxParallel int
}

// DefaultRules returns the built-in routing policy.
func DefaultRules() Rules {
	return Rules{
		TierByTaskType:        map[TaskType]string{},
		ComplexityThreshold:   0.4,
		VerificationThreshold: 0.7,
		MaxParallel:           4,
	}
}
