package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The prompt library. Plans come back as strict JSON so parsing failures
// can fall through to the keyword router deterministically.

const taskPlanningTemplate = `You are a task planner for a mesh of specialized agents.
Available capabilities: %s

Turn the user request into a JSON plan. Respond with JSON only, no prose:
{"tasks":[{"capability":"<capability>","parameters":{...},"dependsOn":[<indices of prior tasks>]}]}

Rules:
- Use only the listed capabilities.
- parameters hold everything the specialist needs (location, symbol, date, ...).
- dependsOn lists indices into the tasks array; omit it for independent tasks.

User request: %s`

const responseSynthesisTemplate = `You are the voice of an agent mesh. Specialists returned structured results for the user's request.

User request: %s

Results (JSON):
%s

Write a single concise answer for the user combining all results. Mention missing data only if a specialist failed. Respond with plain text.`

// RenderTaskPlanning fills the task_planning template.
func RenderTaskPlanning(query string, capabilities []string) string {
	caps := "none registered"
	if len(capabilities) > 0 {
		caps = strings.Join(capabilities, ", ")
	}
	return fmt.Sprintf(taskPlanningTemplate, caps, query)
}

// RenderResponseSynthesis fills the response_synthesis template with the
// accumulated structured results.
func RenderResponseSynthesis(query string, results map[string]any) string {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf(responseSynthesisTemplate, query, string(data))
}
