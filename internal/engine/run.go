package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/sandbox"
)

// Executor runs generated code in a session's sandbox.
// session.Interpreter satisfies it.
type Executor interface {
	Exec(ctx context.Context, code string, timeout time.Duration) (sandbox.ExecutionResult, error)
}

// Exchange is one prior query/answer pair fed to the planner so
// follow-up questions resolve against earlier turns.
type Exchange struct {
	Query  string
	Answer string
}

// DatasetContext describes the loaded frame for prompt building.
// Description and ColumnNotes carry optional human-written annotations
// from the dataset's sidecar file.
type DatasetContext struct {
	Name        string
	Rows        int
	Columns     []sandbox.ColumnInfo
	Description string
	ColumnNotes map[string]string
}

// RunRequest carries everything one query run needs.
type RunRequest struct {
	SessionID string
	Query     string
	Executor  Executor
	Dataset   DatasetContext
	History   []Exchange
}

const (
	logPlan     = "plan"
	logThought  = "thought"
	logOutput   = "output"
	logError    = "error"
	logAnalysis = "analysis"
)

type logEntry struct {
	kind string
	text string
}

// run is the mutable state of one query as it moves through the state
// machine. errorCount only ever grows; step only ever advances.
type run struct {
	id        string
	sessionID string
	query     string

	plan         []string
	step         int
	code         string
	errorCount   int
	infraRetried bool
	chartWanted  bool
	chartDone    bool
	chartShown   bool

	history    []logEntry
	lastOutput string
	lastTable  string
	vars       []string
	execErr    string
	guidance   string

	answer string
	err    error
}

// recentHistory renders the last n log entries for prompt context.
func (r *run) recentHistory(n int, maxEntry int) string {
	if n <= 0 || len(r.history) == 0 {
		return ""
	}
	start := len(r.history) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, entry := range r.history[start:] {
		fmt.Fprintf(&b, "[%s] %s\n", entry.kind, truncate(entry.text, maxEntry))
	}
	return b.String()
}

func (r *run) record(kind, text string) {
	r.history = append(r.history, logEntry{kind: kind, text: text})
}

// rememberVars folds newly assigned names into the run's variable list,
// keeping first-seen order.
func (r *run) rememberVars(names []string) {
	for _, name := range names {
		seen := false
		for _, have := range r.vars {
			if have == name {
				seen = true
				break
			}
		}
		if !seen {
			r.vars = append(r.vars, name)
		}
	}
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
