package fallback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/internal/observability"
)

// Built-in categories. Domain categories (weather, stock, travel and
// whatever else the learning path observes) join them at runtime.
const (
	CategoryCoding      = "coding"
	CategoryExplanation = "explanation"
	CategoryAssistance  = "assistance"
	CategoryQuestion    = "question"
	CategoryGeneral     = "general"
)

// categoryHints maps trigger keywords to a category, checked in order so
// the specific domains win over the generic buckets.
var categoryHints = []struct {
	category string
	keywords []string
}{
	{"weather", []string{"weather", "temperature", "forecast", "rain", "sunny", "snow", "humidity"}},
	{"stock", []string{"stock", "stocks", "share", "shares", "price", "market", "ticker", "nasdaq"}},
	{"travel", []string{"travel", "flight", "flights", "hotel", "trip", "airport", "destination"}},
	{CategoryCoding, []string{"code", "function", "bug", "error", "compile", "program", "implement", "debug"}},
	{CategoryExplanation, []string{"explain", "meaning", "difference", "understand", "definition"}},
	{CategoryAssistance, []string{"help", "assist", "support", "need", "want"}},
	{CategoryQuestion, []string{"what", "why", "how", "when", "where", "who", "which"}},
}

// genericTemplates answer below-threshold prompts per category.
var genericTemplates = map[string]string{
	"weather":           "I cannot reach the forecast service right now. Please try again shortly or check a weather site directly.",
	"stock":             "Market data is unavailable at the moment. Please retry in a little while.",
	"travel":            "Travel information is unavailable right now. Please try again shortly.",
	CategoryCoding:      "I cannot analyze code right now. Double-check the error message and recent changes; I will be back shortly.",
	CategoryExplanation: "I cannot produce a full explanation right now. Please try again in a moment.",
	CategoryAssistance:  "I am temporarily unable to help with that. Please retry shortly.",
	CategoryQuestion:    "I cannot answer that right now. Please ask again in a moment.",
	CategoryGeneral:     "I am temporarily degraded and cannot give a full answer. Please try again shortly.",
}

// Categorize assigns a prompt to the best-fitting category, or "" when the
// prompt yields no usable keywords.
func Categorize(prompt string) string {
	keywords := keywordSet(ExtractKeywords(prompt))
	if len(keywords) == 0 {
		return ""
	}
	for _, hint := range categoryHints {
		for _, kw := range hint.keywords {
			if _, ok := keywords[kw]; ok {
				return hint.category
			}
		}
	}
	return CategoryGeneral
}

// Config bounds the engine.
type Config struct {
	// MinConfidence is the match threshold, 0 to 100.
	MinConfidence int
	// MaxRules caps the rule set; learning evicts the least used oldest
	// rule beyond it.
	MaxRules int
}

func DefaultConfig() Config {
	return Config{MinConfidence: 70, MaxRules: 500}
}

// Stats counts engine activity.
type Stats struct {
	Attempts       uint64
	Successes      uint64
	RuleCount      int
	LearningEvents uint64
}

// Engine matches prompts against the rule set and learns new rules from
// successful LLM responses. Respond satisfies llm.FallbackFunc and Learn
// satisfies llm.LearnFunc.
type Engine struct {
	cfg     Config
	store   *Store
	logger  *slog.Logger
	metrics *observability.MetricsManager

	mu    sync.RWMutex
	rules []*Rule

	statsMu        sync.Mutex
	attempts       uint64
	successes      uint64
	learningEvents uint64
}

// NewEngine builds the engine, loading persisted rules when a store is
// given.
func NewEngine(cfg Config, store *Store, logger *slog.Logger, mm *observability.MetricsManager) (*Engine, error) {
	if cfg.MinConfidence <= 0 || cfg.MinConfidence > 100 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}
	if cfg.MaxRules <= 0 {
		cfg.MaxRules = DefaultConfig().MaxRules
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if mm == nil {
		var err error
		mm, err = observability.NewMetricsManager(otel.Meter("amcp-fallback"))
		if err != nil {
			return nil, err
		}
	}
	e := &Engine{cfg: cfg, store: store, logger: logger, metrics: mm}
	if store != nil {
		rules, err := store.Load()
		if err != nil {
			return nil, err
		}
		e.SetRules(rules)
	}
	return e, nil
}

// SetRules replaces the whole rule set, as the hot-reload watcher does.
func (e *Engine) SetRules(rules []*Rule) {
	for _, r := range rules {
		r.compile()
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// AddRule installs one rule, evicting beyond the cap.
func (e *Engine) AddRule(r *Rule) error {
	if r == nil || r.Category == "" || len(r.Keywords) == 0 || len(r.Templates) == 0 {
		return amcp.Errorf("fallback.AddRule", amcp.KindInvalidInput, "rule needs category, keywords and templates")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.MinConfidence <= 0 {
		r.MinConfidence = e.cfg.MinConfidence
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.compile()

	e.mu.Lock()
	e.rules = append(e.rules, r)
	var evicted *Rule
	if len(e.rules) > e.cfg.MaxRules {
		evicted = e.evictLocked()
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(r); err != nil {
			e.logger.Warn("Rule persistence failed", "rule_id", r.ID, "error", err)
		}
		if evicted != nil {
			if err := e.store.Delete(evicted.ID); err != nil {
				e.logger.Warn("Evicted rule removal failed", "rule_id", evicted.ID, "error", err)
			}
		}
	}
	return nil
}

// evictLocked removes the least used, oldest rule and returns it.
func (e *Engine) evictLocked() *Rule {
	victim := 0
	for i, r := range e.rules {
		v := e.rules[victim]
		if r.UsageCount < v.UsageCount ||
			(r.UsageCount == v.UsageCount && r.CreatedAt.Before(v.CreatedAt)) {
			victim = i
		}
	}
	evicted := e.rules[victim]
	e.rules = append(e.rules[:victim], e.rules[victim+1:]...)
	return evicted
}

// Rules returns a snapshot of the current rule set.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Respond produces a deterministic answer for the prompt. The best rule at
// or above its confidence threshold wins; below threshold a generic
// category response is emitted; a prompt with no usable keywords fails.
func (e *Engine) Respond(ctx context.Context, prompt string) (string, bool) {
	e.statsMu.Lock()
	e.attempts++
	e.statsMu.Unlock()

	promptKeywords := keywordSet(ExtractKeywords(prompt))
	if len(promptKeywords) == 0 {
		return "", false
	}

	// Selection, template rotation and the usage increment share the lock;
	// the store sees a detached copy.
	var category, response string
	var matched bool
	var persist *Rule
	bestScore := -1

	e.mu.Lock()
	var best *Rule
	for _, r := range e.rules {
		score := r.confidence(prompt, promptKeywords)
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	if best != nil && bestScore >= best.MinConfidence {
		matched = true
		category = best.Category
		response = best.template()
		best.UsageCount++
		snap := best.snapshot()
		persist = &snap
	}
	e.mu.Unlock()

	if matched {
		if e.store != nil {
			if err := e.store.Save(persist); err != nil {
				e.logger.Debug("Usage count persistence failed", "rule_id", persist.ID, "error", err)
			}
		}
	} else {
		category = Categorize(prompt)
		response = genericTemplates[category]
		if response == "" {
			return "", false
		}
	}

	e.statsMu.Lock()
	e.successes++
	e.statsMu.Unlock()
	e.metrics.IncrementFallbacks(ctx, category)
	e.logger.InfoContext(ctx, "Fallback response served",
		"category", category,
		"confidence", bestScore,
		"rule_matched", matched,
	)
	return response, true
}

// Learn induces a rule from a successful prompt/response pair. Prompts too
// thin to produce keywords teach nothing.
func (e *Engine) Learn(ctx context.Context, prompt, response string) {
	keywords := ExtractKeywords(prompt)
	if len(keywords) == 0 || strings.TrimSpace(response) == "" {
		return
	}
	category := Categorize(prompt)
	rule := &Rule{
		Category:      category,
		Keywords:      keywords,
		Patterns:      derivePatterns(keywords),
		Templates:     []string{response},
		MinConfidence: e.cfg.MinConfidence,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.AddRule(rule); err != nil {
		e.logger.Warn("Learned rule rejected", "error", err)
		return
	}

	e.statsMu.Lock()
	e.learningEvents++
	e.statsMu.Unlock()
	e.logger.InfoContext(ctx, "Rule learned from LLM response",
		"rule_id", rule.ID,
		"category", category,
		"keywords", len(keywords),
	)
}

// derivePatterns builds loose word-boundary patterns from the most specific
// (longest) keywords.
func derivePatterns(keywords []string) []string {
	sorted := make([]string, len(keywords))
	copy(sorted, keywords)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	n := len(sorted)
	if n > 3 {
		n = 3
	}
	patterns := make([]string, 0, n)
	for _, kw := range sorted[:n] {
		patterns = append(patterns, fmt.Sprintf(`\b%s\b`, kw))
	}
	return patterns
}

// Stats returns a point-in-time activity snapshot.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	s := Stats{Attempts: e.attempts, Successes: e.successes, LearningEvents: e.learningEvents}
	e.statsMu.Unlock()
	e.mu.RLock()
	s.RuleCount = len(e.rules)
	e.mu.RUnlock()
	return s
}
