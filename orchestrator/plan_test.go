package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
)

func TestParsePlanAcceptsPlainJSON(t *testing.T) {
	plan, err := ParsePlan(`{"tasks":[{"capability":"weather","parameters":{"location":"Paris,FR"}}]}`)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "weather", plan.Tasks[0].Capability)
	assert.Equal(t, "Paris,FR", plan.Tasks[0].Parameters["location"])
}

func TestParsePlanStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"tasks\":[{\"capability\":\"stock\",\"parameters\":{\"symbol\":\"ACME\"}}]}\n```"
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "stock", plan.Tasks[0].Capability)
}

func TestParsePlanValidatesDependencies(t *testing.T) {
	cases := map[string]string{
		"forward reference": `{"tasks":[{"capability":"a","dependsOn":[1]},{"capability":"b"}]}`,
		"self reference":    `{"tasks":[{"capability":"a"},{"capability":"b","dependsOn":[1]}]}`,
		"negative index":    `{"tasks":[{"capability":"a"},{"capability":"b","dependsOn":[-1]}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan(raw)
			require.Error(t, err)
			var e *amcp.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, amcp.KindInvalidInput, e.Kind)
		})
	}
}

func TestParsePlanRejectsEmptyAndGarbage(t *testing.T) {
	_, err := ParsePlan("I am sorry, I cannot plan this.")
	require.Error(t, err)
	_, err = ParsePlan(`{"tasks":[]}`)
	require.Error(t, err)
	_, err = ParsePlan(`{"tasks":[{"parameters":{}}]}`)
	require.Error(t, err, "capability is required")
}

func TestKeywordRoute(t *testing.T) {
	plan := KeywordRoute("what is the weather in Paris tomorrow")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "weather.current", plan.Tasks[0].Capability)
	assert.Equal(t, "what is the weather in Paris tomorrow", plan.Tasks[0].Parameters["query"])

	assert.Equal(t, "stock.quote", KeywordRoute("ACME ticker price").Tasks[0].Capability)
	assert.Equal(t, "chat.completion", KeywordRoute("tell me a story").Tasks[0].Capability)
}

func TestKeywordRouteNamesAdvertisedCapabilities(t *testing.T) {
	// Routed capabilities must equal what specialists advertise; registry
	// lookup is an exact match, so a flat alias would strand the task.
	for _, route := range capabilityRoutes {
		assert.Contains(t, route.capability, ".", "capability %q is not hierarchical", route.capability)
	}
}

func TestRenderTaskPlanningListsCapabilities(t *testing.T) {
	prompt := RenderTaskPlanning("weather in Paris", []string{"stock", "weather"})
	assert.Contains(t, prompt, "stock, weather")
	assert.Contains(t, prompt, "weather in Paris")

	empty := RenderTaskPlanning("hi", nil)
	assert.Contains(t, empty, "none registered")
}

func TestRenderResponseSynthesisEmbedsResults(t *testing.T) {
	prompt := RenderResponseSynthesis("weather and stock", map[string]any{
		"weather": map[string]any{"formattedResponse": "Sunny"},
	})
	assert.Contains(t, prompt, "weather and stock")
	assert.True(t, strings.Contains(prompt, "Sunny"))
}
