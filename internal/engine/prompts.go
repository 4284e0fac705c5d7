package engine

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/llm"
)

// Context windows for prompt building. Everything fed back to the model
// is truncated so long transcripts and wide frames cannot blow the
// request up.
const (
	planHistoryTurns   = 5
	planTurnChars      = 500
	historyWindow      = 3
	historyEntryChars  = 300
	outputWindowChars  = 500
	chartHistoryWindow = 2
	chartEntryChars    = 200
	chartVarWindow     = 5
	chartTableChars    = 1000
	stderrWindowChars  = 1500
	datasetNoteChars   = 300
)

type planInput struct {
	Query   string
	Dataset DatasetContext
	History []Exchange
}

type codeInput struct {
	Query      string
	Dataset    DatasetContext
	Steps      []string
	StepIndex  int
	History    string
	LastOutput string
	LastError  string
	Guidance   string
}

type analysisInput struct {
	Query   string
	Dataset DatasetContext
	Step    string
	Code    string
	Stderr  string
}

type chartInput struct {
	Query   string
	Dataset DatasetContext
	History string
	Vars    []string
	Table   string
}

type summaryInput struct {
	Query      string
	Dataset    DatasetContext
	History    string
	LastOutput string
	ChartShown bool
}

func describeDataset(d DatasetContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %q is loaded into a pandas DataFrame named df (%d rows).\n", d.Name, d.Rows)
	if d.Description != "" {
		b.WriteString(truncate(d.Description, datasetNoteChars) + "\n")
	}
	if len(d.Columns) > 0 {
		b.WriteString("Columns:\n")
		for _, c := range d.Columns {
			if note := d.ColumnNotes[c.Name]; note != "" {
				fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name, c.Dtype, truncate(note, datasetNoteChars))
			} else {
				fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.Dtype)
			}
		}
	}
	return b.String()
}

func buildPlanMessages(in planInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You plan short data analyses over a pandas DataFrame.\n")
	fmt.Fprintf(&sys, "Respond with JSON only: {\"steps\": [\"...\"]} using 1 to %d steps.\n", maxPlanSteps)
	sys.WriteString("Each step is one concrete operation on df. Steps never produce charts; charting is handled separately.\n\n")
	sys.WriteString(describeDataset(in.Dataset))

	msgs := []llm.Message{llm.System(sys.String())}
	history := in.History
	if len(history) > planHistoryTurns {
		history = history[len(history)-planHistoryTurns:]
	}
	for _, t := range history {
		msgs = append(msgs, llm.User(truncate(t.Query, planTurnChars)), llm.Assistant(truncate(t.Answer, planTurnChars)))
	}
	return append(msgs, llm.User(in.Query))
}

func buildCodeMessages(in codeInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You write Python that runs in a persistent interpreter session.\n")
	sys.WriteString("Rules:\n")
	sys.WriteString("- pandas is available as pd; df holds the dataset and must not be reassigned.\n")
	sys.WriteString("- Variables from earlier steps are still defined.\n")
	sys.WriteString("- print() every result the user should see.\n")
	sys.WriteString("- Do not import plotting libraries or draw charts here.\n")
	sys.WriteString("Respond with JSON only: {\"thought\": \"...\", \"code\": \"...\"}.\n\n")
	sys.WriteString(describeDataset(in.Dataset))

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n\n", in.Query)
	fmt.Fprintf(&user, "Plan step %d of %d: %s\n", in.StepIndex+1, len(in.Steps), in.Steps[in.StepIndex])
	if in.History != "" {
		fmt.Fprintf(&user, "\nRecent progress:\n%s", in.History)
	}
	if in.LastOutput != "" {
		fmt.Fprintf(&user, "\nMost recent output:\n%s\n", in.LastOutput)
	}
	if in.LastError != "" {
		fmt.Fprintf(&user, "\nThe previous attempt failed with:\n%s\n", in.LastError)
	}
	if in.Guidance != "" {
		fmt.Fprintf(&user, "\nFix guidance: %s\n", in.Guidance)
	}
	user.WriteString("\nWrite the code for this step.")

	return []llm.Message{llm.System(sys.String()), llm.User(user.String())}
}

func buildAnalysisMessages(in analysisInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You diagnose failed pandas code.\n")
	sys.WriteString("Respond with JSON only: {\"diagnosis\": \"...\", \"suggestion\": \"...\"}.\n")
	sys.WriteString("The diagnosis names the root cause in one or two sentences; the suggestion says how to rewrite the code.\n\n")
	sys.WriteString(describeDataset(in.Dataset))

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", in.Query)
	fmt.Fprintf(&user, "Step: %s\n\n", in.Step)
	fmt.Fprintf(&user, "Code:\n%s\n\n", in.Code)
	fmt.Fprintf(&user, "Error:\n%s\n", truncate(in.Stderr, stderrWindowChars))

	return []llm.Message{llm.System(sys.String()), llm.User(user.String())}
}

func buildChartMessages(in chartInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You write matplotlib code for data already computed in a live session.\n")
	sys.WriteString("Rules:\n")
	sys.WriteString("- import matplotlib.pyplot as plt; draw exactly one figure.\n")
	sys.WriteString("- Reuse existing variables and df; do not recompute from scratch unless you must.\n")
	sys.WriteString("- Never call plt.show() or plt.savefig(); figures are captured automatically.\n")
	sys.WriteString("- Label axes and give the figure a title.\n")
	sys.WriteString("Respond with JSON only: {\"code\": \"...\"}.\n\n")
	sys.WriteString(describeDataset(in.Dataset))

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", in.Query)
	if in.History != "" {
		fmt.Fprintf(&user, "\nRecent progress:\n%s", in.History)
	}
	if len(in.Vars) > 0 {
		fmt.Fprintf(&user, "\nVariables still defined: %s\n", strings.Join(in.Vars, ", "))
	}
	if in.Table != "" {
		fmt.Fprintf(&user, "\nMost recent table:\n%s\n", in.Table)
	}
	user.WriteString("\nWrite the chart code.")

	return []llm.Message{llm.System(sys.String()), llm.User(user.String())}
}

func buildSummaryMessages(in summaryInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You answer the user's question from analysis output.\n")
	sys.WriteString("Be concise and factual. Use the numbers from the output; do not invent values. Plain text only, no code.\n\n")
	sys.WriteString(describeDataset(in.Dataset))

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", in.Query)
	if in.History != "" {
		fmt.Fprintf(&user, "\nAnalysis log:\n%s", in.History)
	}
	if in.LastOutput != "" {
		fmt.Fprintf(&user, "\nFinal output:\n%s\n", in.LastOutput)
	}
	if in.ChartShown {
		user.WriteString("\nA chart was rendered for the user next to this answer; refer to it rather than describing every value.\n")
	}
	user.WriteString("\nAnswer the question.")

	return []llm.Message{llm.System(sys.String()), llm.User(user.String())}
}
