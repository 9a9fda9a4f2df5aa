package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are a senior application security analyst reviewing the result of an automated scan of an uploaded code base. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- Base every statement on the findings in the report; do not invent findings.
- priorities is ordered, most urgent first, at most 5 items.
- Keep each item to one or two sentences.

Schema (example with empty values):
{
  "summary": "<string>",
  "priorities": [
    {"title": "<string>", "step": "<bandit|semgrep|trivy|dynamic>", "recommendation": "<string>"}
  ],
  "advice": "<string>"
}`
}

// GetUserPrompt wraps the report document.
func GetUserPrompt(report string) string {
	return fmt.Sprintf("Here is the scan report as JSON. Respond with the JSON per schema.\n\n%s", report)
}

// Suggestion matches the schema used by the system prompt.
type Suggestion struct {
	Summary    string `json:"summary"`
	Priorities []struct {
		Title          string `json:"title"`
		Step           string `json:"step"`
		Recommendation string `json:"recommendation"`
	} `json:"priorities"`
	Advice string `json:"advice"`
}

// Render turns the model's JSON into plain text. Content that is not the
// expected JSON is returned trimmed as is.
func Render(content string) string {
	var s Suggestion
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &s); err != nil {
		return strings.TrimSpace(content)
	}
	var b strings.Builder
	if s.Summary != "" {
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	for i, p := range s.Priorities {
		fmt.Fprintf(&b, "%d. %s", i+1, p.Title)
		if p.Step != "" {
			fmt.Fprintf(&b, " [%s]", p.Step)
		}
		if p.Recommendation != "" {
			b.WriteString(": " + p.Recommendation)
		}
		b.WriteString("\n")
	}
	if s.Advice != "" {
		b.WriteString(s.Advice)
	}
	return strings.TrimSpace(b.String())
}
