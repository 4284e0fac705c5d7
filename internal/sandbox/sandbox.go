// Package sandbox runs analysis code in an external Python worker process,
// one isolated interpreter per session, speaking line-delimited JSON-RPC
// over stdin/stdout. The worker owns a persistent namespace holding the
// session's dataset; submissions mutate it freely. Output streams back
// incrementally and is aggregated into one ExecutionResult per submission.
package sandbox

import "time"

// Media kinds reported by the worker for display artifacts.
const (
	MediaText = "text/plain"
	MediaHTML = "text/html"
	MediaPNG  = "image/png"
)

// Display is one rich artifact produced during an execution. Data holds
// markup for text media and base64-encoded bytes for binary media.
type Display struct {
	Media string `json:"media"`
	Data  string `json:"data"`
}

// ExecutionResult aggregates everything one code submission produced.
// Never mutated after Exec returns it.
type ExecutionResult struct {
	Success   bool
	Stdout    string
	Stderr    string
	Displays  []Display
	ExecCount int
	Duration  time.Duration
	TimedOut  bool
}

// ColumnInfo describes one dataset column as seen inside the sandbox.
type ColumnInfo struct {
	Name  string `json:"name"`
	Dtype string `json:"dtype"`
}

// DatasetInfo is the worker's view of the loaded dataset.
type DatasetInfo struct {
	Columns []ColumnInfo `json:"columns"`
	Rows    int          `json:"rows"`
}
