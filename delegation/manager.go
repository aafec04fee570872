package delegation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentflow-io/agentflow/ai"
	"github.com/agentflow-io/agentflow/core"
)

const (
	aggregatePrompt = `You are combining the results of several sub-tasks into one answer. Use every result below, including failed ones, and answer the original question directly.`

	verifyPrompt = `Review the answer for the question below. If the answer is correct and complete, reply with exactly APPROVED. Otherwise reply with a corrected answer and nothing else.`
)

// clauseSplit breaks a multi-step query into its clauses. Sequencing
// connectives ("then", "after that") carry a dependency on the
// preceding clause; "and" clauses run in parallel.
var clauseSplit = regexp.MustCompile(`(?i)\s*(?:,\s*)?\b(and then|then|after that|and also|and)\b\s+`)

// Manager plans and runs delegated execution over the tier pool. The
// routing rules swap atomically on config reload; in-flight requests
// keep the rules they started with.
type Manager struct {
	pool   *ai.ClientPool
	store  TraceStore
	rules  atomic.Value // Rules
	logger core.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTraceStore persists a Trace per delegated request.
func WithTraceStore(store TraceStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the manager's logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds a delegation manager over the given pool.
func NewManager(pool *ai.ClientPool, rules Rules, opts ...Option) (*Manager, error) {
	if pool == nil {
		return nil, fmt.Errorf("delegation: %w: client pool", core.ErrInvalidConfiguration)
	}
	m := &Manager{
		pool:   pool,
		logger: &core.NoOpLogger{},
	}
	m.rules.Store(normalizeRules(rules))
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnConfigChanged installs new routing rules. Safe to call while
// requests are in flight.
func (m *Manager) OnConfigChanged(rules Rules) {
	m.rules.Store(normalizeRules(rules))
	m.logger.Info("Delegation rules updated", map[string]interface{}{
		"operation": "delegation_config",
	})
}

func normalizeRules(r Rules) Rules {
	if r.TierByTaskType == nil {
		r.TierByTaskType = map[TaskType]string{}
	}
	if r.ComplexityThreshold <= 0 {
		r.ComplexityThreshold = DefaultRules().ComplexityThreshold
	}
	if r.VerificationThreshold <= 0 {
		r.VerificationThreshold = DefaultRules().VerificationThreshold
	}
	if r.MaxParallel <= 0 {
		r.MaxParallel = DefaultRules().MaxParallel
	}
	return r
}

func (m *Manager) currentRules() Rules {
	return m.rules.Load().(Rules)
}

// Classify buckets a query into a task type using surface features.
func Classify(query string) TaskType {
	q := strings.ToLower(query)
	if len(splitClauses(q)) > 1 {
		return TaskMultiStep
	}
	for _, kw := range []string{"code", "function", "script", "bug", "compile", "refactor", "regex", "sql"} {
		if strings.Contains(q, kw) {
			return TaskCode
		}
	}
	for _, kw := range []string{"why", "explain", "prove", "compare", "reason", "trade-off", "tradeoff"} {
		if strings.Contains(q, kw) {
			return TaskReasoning
		}
	}
	for _, kw := range []string{"what is", "what are", "when", "who", "where", "how many", "how much", "define", "calculate", "compute", "average", "sum"} {
		if strings.Contains(q, kw) {
			return TaskFactual
		}
	}
	return TaskConversation
}

// Score estimates query complexity in [0, 1] from length, clause
// count, and question density. It is a routing heuristic, not a
// semantic judgment.
func Score(query string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	score := float64(len(q)) / 400.0
	if n := len(splitClauses(q)); n > 1 {
		score += 0.25 * float64(n-1)
	}
	score += 0.1 * float64(strings.Count(q, "?"))
	for _, kw := range []string{"explain", "analyze", "compare", "summarize", "design", "prove", "step by step"} {
		if strings.Contains(q, kw) {
			score += 0.15
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

type clause struct {
	text       string
	sequential bool // depends on the previous clause
}

func splitClauses(query string) []clause {
	parts := clauseSplit.Split(query, -1)
	connectors := clauseSplit.FindAllStringSubmatch(query, -1)
	clauses := make([]clause, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) < 8 {
			// Fragments like "and me" are not steps of their own.
			if len(clauses) > 0 && p != "" {
				clauses[len(clauses)-1].text += " " + p
			}
			continue
		}
		c := clause{text: p}
		if i > 0 && i-1 < len(connectors) {
			conn := strings.ToLower(connectors[i-1][1])
			c.sequential = conn == "then" || conn == "and then" || conn == "after that"
		}
		clauses = append(clauses, c)
	}
	return clauses
}

// Plan decides Direct vs Decompose for a query and, when decomposing,
// produces the sub-task graph.
func (m *Manager) Plan(query string) Decomposition {
	rules := m.currentRules()
	taskType := Classify(query)
	score := Score(query)

	plan := Decomposition{
		Strategy:        StrategyDirect,
		ComplexityScore: score,
		TaskType:        taskType,
	}

	// Decomposition pays a per-clause round trip, so cheap multi-step
	// queries below the complexity bar still run as a single call.
	clauses := splitClauses(query)
	if taskType != TaskMultiStep || len(clauses) < 2 || score < rules.ComplexityThreshold {
		plan.SubTasks = []SubTask{{
			Description: query,
			TargetTier:  m.tierFor(rules, taskType),
			TaskType:    taskType,
		}}
		return plan
	}

	plan.Strategy = StrategyDecompose
	for i, c := range clauses {
		sub := SubTask{
			Description: c.text,
			TaskType:    Classify(c.text),
		}
		sub.TargetTier = m.tierFor(rules, sub.TaskType)
		if c.sequential && i > 0 {
			sub.DependsOn = []int{i - 1}
		}
		plan.SubTasks = append(plan.SubTasks, sub)
	}

	// Closing synthesis step depends on every clause so the combined
	// answer always sees each result.
	all := make([]int, len(clauses))
	for i := range all {
		all[i] = i
	}
	plan.SubTasks = append(plan.SubTasks, SubTask{
		Description: "Using the results above, answer the original question: " + query,
		TargetTier:  m.pool.DefaultTier(),
		DependsOn:   all,
		TaskType:    taskType,
	})
	return plan
}

func (m *Manager) tierFor(rules Rules, taskType TaskType) string {
	if name, ok := rules.TierByTaskType[taskType]; ok && name != "" {
		if _, err := m.pool.Get(name); err == nil {
			return name
		}
		m.logger.Warn("Configured tier missing, using default", map[string]interface{}{
			"operation": "delegation_route",
			"tier":      name,
			"task_type": string(taskType),
		})
	}
	return m.pool.DefaultTier()
}

// Execute runs a plan to completion and returns the aggregated,
// optionally verified answer plus the full trace.
func (m *Manager) Execute(ctx context.Context, requestID, query string, plan Decomposition) (*Outcome, error) {
	rules := m.currentRules()
	trace := &Trace{
		RequestID: requestID,
		Query:     query,
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	}

	results, err := m.runSubTasks(ctx, rules, query, plan.SubTasks)
	trace.Results = results
	if err != nil {
		m.saveTrace(ctx, trace)
		return nil, err
	}

	answer, err := m.aggregate(ctx, query, plan, results)
	if err != nil {
		m.saveTrace(ctx, trace)
		return nil, err
	}
	trace.Answer = answer

	if plan.ComplexityScore >= rules.VerificationThreshold {
		revised, changed := m.verify(ctx, rules, query, answer)
		trace.Verified = true
		if changed {
			trace.Revised = true
			trace.Answer = revised
			answer = revised
		}
	}

	m.saveTrace(ctx, trace)
	return &Outcome{Answer: answer, Trace: trace}, nil
}

// runSubTasks executes the dependency graph in topological batches
// with bounded parallelism. A sub-task that fails is retried once on a
// different tier; a second failure becomes a status:error result that
// flows into aggregation verbatim.
func (m *Manager) runSubTasks(ctx context.Context, rules Rules, query string, subs []SubTask) ([]SubTaskResult, error) {
	results := make([]SubTaskResult, len(subs))
	done := make([]bool, len(subs))
	sem := make(chan struct{}, rules.MaxParallel)

	remaining := len(subs)
	for remaining > 0 {
		batch := make([]int, 0, remaining)
		for i, sub := range subs {
			if done[i] {
				continue
			}
			ready := true
			for _, dep := range sub.DependsOn {
				if dep < 0 || dep >= len(subs) {
					return nil, fmt.Errorf("delegation: %w: sub-task %d depends on %d", core.ErrInvalidConfiguration, i, dep)
				}
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, i)
			}
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("delegation: %w: dependency cycle in plan", core.ErrInvalidConfiguration)
		}

		var wg sync.WaitGroup
		for _, idx := range batch {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[idx] = m.runOne(ctx, query, subs[idx], idx, results)
			}(idx)
		}
		wg.Wait()

		for _, idx := range batch {
			done[idx] = true
		}
		remaining -= len(batch)
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (m *Manager) runOne(ctx context.Context, query string, sub SubTask, idx int, results []SubTaskResult) SubTaskResult {
	result := SubTaskResult{
		Index:       idx,
		Description: sub.Description,
		Tier:        sub.TargetTier,
	}

	prompt := sub.Description
	if len(sub.DependsOn) > 0 {
		var b strings.Builder
		b.WriteString("Original question: ")
		b.WriteString(query)
		b.WriteString("\n\nResults so far:\n")
		for _, dep := range sub.DependsOn {
			r := results[dep]
			if r.Status == "error" {
				fmt.Fprintf(&b, "- %s: error: %s\n", r.Description, r.Error)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", r.Description, r.Content)
			}
		}
		b.WriteString("\nTask: ")
		b.WriteString(sub.Description)
		prompt = b.String()
	}

	start := time.Now()
	content, tier, retried, err := m.generateWithFallback(ctx, sub.TargetTier, prompt)
	result.LatencyMS = time.Since(start).Milliseconds()
	result.Tier = tier
	result.Retried = retried
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
		m.logger.Error("Sub-task failed", map[string]interface{}{
			"operation": "delegation_subtask",
			"index":     idx,
			"tier":      tier,
			"error":     err.Error(),
		})
		return result
	}
	result.Status = "success"
	result.Content = content
	return result
}

// generateWithFallback calls the target tier and, on failure, retries
// once on a different tier. Returns the tier that actually answered.
func (m *Manager) generateWithFallback(ctx context.Context, tierName, prompt string) (content, tier string, retried bool, err error) {
	provider, perr := m.pool.Get(tierName)
	if perr != nil {
		provider = m.pool.Default()
		tierName = m.pool.DefaultTier()
	}

	resp, err := provider.Generate(ctx, ai.Request{
		Messages: []core.Message{{Role: core.RoleUser, Content: prompt}},
	})
	if err == nil {
		return resp.Content, tierName, false, nil
	}

	fallback := m.alternateTier(tierName)
	if fallback == "" {
		return "", tierName, false, err
	}
	m.logger.Warn("Retrying sub-task on fallback tier", map[string]interface{}{
		"operation": "delegation_subtask",
		"tier":      tierName,
		"fallback":  fallback,
		"error":     err.Error(),
	})
	alt, perr := m.pool.Get(fallback)
	if perr != nil {
		return "", tierName, false, err
	}
	resp, rerr := alt.Generate(ctx, ai.Request{
		Messages: []core.Message{{Role: core.RoleUser, Content: prompt}},
	})
	if rerr != nil {
		return "", fallback, true, fmt.Errorf("%w (fallback %s: %v)", err, fallback, rerr)
	}
	return resp.Content, fallback, true, nil
}

// alternateTier picks a retry tier different from the one that failed,
// preferring the default, then the first other tier by name.
func (m *Manager) alternateTier(failed string) string {
	if def := m.pool.DefaultTier(); def != failed {
		return def
	}
	names := m.pool.Names()
	sort.Strings(names)
	for _, n := range names {
		if n != failed {
			return n
		}
	}
	return ""
}

// aggregate turns sub-task results into one answer. A Direct plan's
// single result passes through; a decomposed plan whose synthesis step
// succeeded uses that output, otherwise the default tier combines the
// results, error entries included as-is.
func (m *Manager) aggregate(ctx context.Context, query string, plan Decomposition, results []SubTaskResult) (string, error) {
	if len(results) == 1 {
		r := results[0]
		if r.Status == "error" {
			return "", fmt.Errorf("delegation: sub-task failed: %s", r.Error)
		}
		return r.Content, nil
	}

	last := results[len(results)-1]
	if last.Status == "success" && len(plan.SubTasks[len(results)-1].DependsOn) > 0 {
		return last.Content, nil
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nSub-task results:\n")
	for _, r := range results {
		if r.Status == "error" {
			fmt.Fprintf(&b, "- %s: status:error %s\n", r.Description, r.Error)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", r.Description, r.Content)
		}
	}

	resp, err := m.pool.Default().Generate(ctx, ai.Request{
		SystemPrompt: aggregatePrompt,
		Messages:     []core.Message{{Role: core.RoleUser, Content: b.String()}},
	})
	if err != nil {
		return "", fmt.Errorf("delegation: aggregation failed: %w", err)
	}
	return resp.Content, nil
}

// verify asks the verification tier to approve or rewrite the answer.
// Any verification failure keeps the original answer; verification
// never makes a request worse off.
func (m *Manager) verify(ctx context.Context, rules Rules, query, answer string) (string, bool) {
	var provider ai.Provider
	tierName := rules.VerificationTier
	if tierName != "" {
		if p, err := m.pool.Get(tierName); err == nil {
			provider = p
		}
	}
	if provider == nil {
		tierName, provider = m.pool.MostCapable()
	}

	resp, err := provider.Generate(ctx, ai.Request{
		SystemPrompt: verifyPrompt,
		Messages: []core.Message{{
			Role:    core.RoleUser,
			Content: fmt.Sprintf("Question: %s\n\nAnswer: %s", query, answer),
		}},
	})
	if err != nil {
		m.logger.Warn("Verification failed, keeping answer", map[string]interface{}{
			"operation": "delegation_verify",
			"tier":      tierName,
			"error":     err.Error(),
		})
		return answer, false
	}
	verdict := strings.TrimSpace(resp.Content)
	if verdict == "" || strings.EqualFold(verdict, "APPROVED") {
		return answer, false
	}
	return verdict, true
}

func (m *Manager) saveTrace(ctx context.Context, trace *Trace) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, trace); err != nil {
		m.logger.Warn("Saving delegation trace failed", map[string]interface{}{
			"operation":  "delegation_trace",
			"request_id": trace.RequestID,
			"error":      err.Error(),
		})
	}
}
