// Package intent performs deterministic keyword/regex classification of
// user queries. It answers two questions cheaply, before any model
// call: which configured intent (if any) the query matches, and whether
// the query plausibly needs tools at all.
package intent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentflow-io/agentflow/core"
)

// Slot is a named value an intent needs before it can be served. The
// pattern must contain exactly one capture group; a query that does not
// match triggers the clarifying question.
type Slot struct {
	Name               string
	Pattern            string
	ClarifyingQuestion string
}

// Intent is one pattern-matchable query category.
type Intent struct {
	Name          string
	Keywords      []string
	Patterns      []string
	RequiredTools []string
	Slots         []Slot
}

// Analysis is the classification outcome for one query.
type Analysis struct {
	Intent                string
	RequiredTools         []string
	Slots                 map[string]string
	RequiresClarification bool
	ClarifyingQuestion    string
}

type compiledIntent struct {
	intent   Intent
	patterns []*regexp.Regexp
	slots    []compiledSlot
}

type compiledSlot struct {
	slot    Slot
	pattern *regexp.Regexp
}

// Classifier matches queries against a fixed intent set. Classification
// is a pure function of (query, configured intents); the classifier
// holds no mutable state after construction.
type Classifier struct {
	intents []compiledIntent
	logger  core.Logger
}

// NewClassifier compiles the intent set. Declaration order is match
// priority: the first matching intent wins.
func NewClassifier(intents []Intent, logger core.Logger) (*Classifier, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	compiled := make([]compiledIntent, 0, len(intents))
	for _, in := range intents {
		if in.Name == "" {
			return nil, fmt.Errorf("intent classifier: %w: intent without a name", core.ErrInvalidConfiguration)
		}
		ci := compiledIntent{intent: in}
		for _, raw := range in.Patterns {
			re, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("intent classifier: intent %s pattern %q: %w", in.Name, raw, err)
			}
			ci.patterns = append(ci.patterns, re)
		}
		for _, slot := range in.Slots {
			re, err := regexp.Compile(slot.Pattern)
			if err != nil {
				return nil, fmt.Errorf("intent classifier: intent %s slot %s: %w", in.Name, slot.Name, err)
			}
			if re.NumSubexp() != 1 {
				return nil, fmt.Errorf("intent classifier: %w: intent %s slot %s needs exactly one capture group",
					core.ErrInvalidConfiguration, in.Name, slot.Name)
			}
			ci.slots = append(ci.slots, compiledSlot{slot: slot, pattern: re})
		}
		compiled = append(compiled, ci)
	}

	return &Classifier{intents: compiled, logger: logger}, nil
}

// Analyze classifies the query. First matching intent wins; an intent
// with an unresolvable slot converts the match into a clarification.
func (c *Classifier) Analyze(query string) Analysis {
	lowered := strings.ToLower(query)

	for _, ci := range c.intents {
		if !ci.matches(lowered) {
			continue
		}

		analysis := Analysis{
			Intent:        ci.intent.Name,
			RequiredTools: ci.intent.RequiredTools,
			Slots:         map[string]string{},
		}
		for _, cs := range ci.slots {
			m := cs.pattern.FindStringSubmatch(lowered)
			if m == nil {
				analysis.RequiresClarification = true
				analysis.ClarifyingQuestion = cs.slot.ClarifyingQuestion
				c.logger.Debug("Intent matched but slot unresolved", map[string]interface{}{
					"operation": "intent_analyze",
					"intent":    ci.intent.Name,
					"slot":      cs.slot.Name,
				})
				return analysis
			}
			analysis.Slots[cs.slot.Name] = strings.TrimSpace(m[1])
		}

		c.logger.Debug("Intent matched", map[string]interface{}{
			"operation": "intent_analyze",
			"intent":    ci.intent.Name,
		})
		return analysis
	}

	return Analysis{}
}

func (ci *compiledIntent) matches(lowered string) bool {
	for _, kw := range ci.intent.Keywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	for _, re := range ci.patterns {
		if re.MatchString(lowered) {
			return true
		}
	}
	return false
}

// Patterns that indicate a query plausibly needs a tool.
var (
	arithmeticPattern = regexp.MustCompile(`\d+\s*[-+*/^]\s*\d+`)
	urlPattern        = regexp.MustCompile(`https?://\S+`)

	toolKeywords = []string{
		"calculate", "compute", "sum of", "average of", "convert",
		"search", "look up", "lookup", "find out", "fetch",
		"weather", "stock price", "exchange rate",
		"run the code", "execute",
		"my balance", "my transactions", "my spending",
	}
)

// RequiresTools is the cheap pre-filter that decides whether tool
// schemas are injected into the prompt at all. Small talk stays
// tool-free; arithmetic, URLs, and lookup verbs get tools.
func RequiresTools(query string) bool {
	lowered := strings.ToLower(query)
	if arithmeticPattern.MatchString(lowered) || urlPattern.MatchString(lowered) {
		return true
	}
	for _, kw := range toolKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
