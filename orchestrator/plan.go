package orchestrator

import (
	"encoding/json"
	"strings"

	amcp "github.com/amcp-project/amcp-go"
)

// PlannedTask is one unit of work in a plan.
type PlannedTask struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters"`
	DependsOn  []int          `json:"dependsOn,omitempty"`
}

// Plan is an ordered task list with index-based dependencies.
type Plan struct {
	Tasks []PlannedTask `json:"tasks"`
}

// ParsePlan decodes an LLM planning response. Models occasionally wrap the
// JSON in a fenced code block; the fence is stripped before decoding.
func ParsePlan(raw string) (*Plan, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return nil, amcp.E("orchestrator.ParsePlan", amcp.KindInvalidInput, err)
	}
	if len(plan.Tasks) == 0 {
		return nil, amcp.Errorf("orchestrator.ParsePlan", amcp.KindInvalidInput, "plan has no tasks")
	}
	for i, task := range plan.Tasks {
		if task.Capability == "" {
			return nil, amcp.Errorf("orchestrator.ParsePlan", amcp.KindInvalidInput, "task %d has no capability", i)
		}
		for _, dep := range task.DependsOn {
			if dep < 0 || dep >= i {
				return nil, amcp.Errorf("orchestrator.ParsePlan", amcp.KindInvalidInput,
					"task %d depends on invalid index %d", i, dep)
			}
		}
	}
	return &plan, nil
}

// capabilityRoutes maps trigger keywords to a capability, most specific
// first. Capabilities are the hierarchical names specialists advertise,
// so the routed task resolves against the registry without translation.
// The keyword router is the planning path of last resort.
var capabilityRoutes = []struct {
	capability string
	keywords   []string
}{
	{"weather.current", []string{"weather", "forecast", "temperature", "rain", "sunny"}},
	{"stock.quote", []string{"stock", "share", "ticker", "market", "nasdaq"}},
	{"travel.search", []string{"travel", "flight", "hotel", "trip", "airport"}},
	{"quote.inspiration", []string{"quote", "inspire", "inspiration", "saying"}},
	{"news.headlines", []string{"news", "headline", "headlines"}},
	{"time.current", []string{"time", "clock", "timezone"}},
}

// KeywordRoute produces a trivial single-task plan from query keywords.
// Queries matching nothing become a chat task.
func KeywordRoute(query string) *Plan {
	lowered := strings.ToLower(query)
	for _, route := range capabilityRoutes {
		for _, kw := range route.keywords {
			if strings.Contains(lowered, kw) {
				return &Plan{Tasks: []PlannedTask{{
					Capability: route.capability,
					Parameters: map[string]any{"query": query},
				}}}
			}
		}
	}
	return &Plan{Tasks: []PlannedTask{{
		Capability: "chat.completion",
		Parameters: map[string]any{"query": query},
	}}}
}
