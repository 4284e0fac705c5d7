package engine

import (
	"strings"

	"github.com/quarrylabs/quarry/internal/llm"
)

// maxPlanSteps bounds how far a single query is decomposed. Models that
// return longer plans are clamped rather than rejected.
const maxPlanSteps = 3

var planSchema = llm.MustSchema("analysis_plan", `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"}
		}
	}
}`)

var codeSchema = llm.MustSchema("generated_code", `{
	"type": "object",
	"required": ["code"],
	"properties": {
		"thought": {"type": "string"},
		"code": {"type": "string", "minLength": 1}
	}
}`)

var analysisSchema = llm.MustSchema("error_analysis", `{
	"type": "object",
	"required": ["diagnosis"],
	"properties": {
		"diagnosis": {"type": "string", "minLength": 1},
		"suggestion": {"type": "string"}
	}
}`)

var chartSchema = llm.MustSchema("chart_code", `{
	"type": "object",
	"required": ["code"],
	"properties": {
		"code": {"type": "string", "minLength": 1}
	}
}`)

type planPayload struct {
	Steps []string `json:"steps"`
}

type codePayload struct {
	Thought string `json:"thought"`
	Code    string `json:"code"`
}

type analysisPayload struct {
	Diagnosis  string `json:"diagnosis"`
	Suggestion string `json:"suggestion"`
}

type chartPayload struct {
	Code string `json:"code"`
}

// clampSteps drops blank steps and caps the plan length.
func clampSteps(steps []string) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxPlanSteps {
			break
		}
	}
	return out
}
