package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/sandbox"
)

// PlanningError is terminal: without a plan there is nothing to run.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return fmt.Sprintf("planning failed: %v", e.Err) }
func (e *PlanningError) Unwrap() error { return e.Err }

// GenerationError reports a code generation attempt the model could not
// complete usably. It is recoverable until the retry budget runs out.
type GenerationError struct {
	Step int
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("step %d: code generation failed: %v", e.Step+1, e.Err)
}
func (e *GenerationError) Unwrap() error { return e.Err }

// ExecutionError reports generated code that ran and failed. Attempts
// counts how many executions were tried for the run when it became
// terminal.
type ExecutionError struct {
	Step     int
	Stderr   string
	Attempts int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %d: execution failed after %d attempts: %s", e.Step+1, e.Attempts, firstLine(e.Stderr))
}

// AnalysisError reports a failed attempt to diagnose an execution
// failure. The run degrades to unguided regeneration rather than
// stopping.
type AnalysisError struct {
	Step int
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("step %d: error analysis failed: %v", e.Step+1, e.Err)
}
func (e *AnalysisError) Unwrap() error { return e.Err }

// InfrastructureError reports a failure regeneration cannot fix:
// credentials, provider availability, network timeouts, a dead sandbox.
// The run retries the failing operation once, then surfaces this.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}
func (e *InfrastructureError) Unwrap() error { return e.Err }

// VisualizationError reports a failed chart attempt. Charts are
// best-effort; the run continues without one.
type VisualizationError struct {
	Err error
}

func (e *VisualizationError) Error() string { return fmt.Sprintf("chart generation failed: %v", e.Err) }
func (e *VisualizationError) Unwrap() error { return e.Err }

// SummaryError reports a failed final summary. The run falls back to
// the raw step output instead of failing.
type SummaryError struct {
	Err error
}

func (e *SummaryError) Error() string { return fmt.Sprintf("summary generation failed: %v", e.Err) }
func (e *SummaryError) Unwrap() error { return e.Err }

// errorTypeName labels terminal errors on the wire.
func errorTypeName(err error) string {
	var (
		planning *PlanningError
		genErr   *GenerationError
		execErr  *ExecutionError
		analysis *AnalysisError
		infra    *InfrastructureError
		chartErr *VisualizationError
		summary  *SummaryError
	)
	switch {
	case errors.As(err, &planning):
		return "PlanningError"
	case errors.As(err, &genErr):
		return "GenerationError"
	case errors.As(err, &execErr):
		return "ExecutionError"
	case errors.As(err, &analysis):
		return "AnalysisError"
	case errors.As(err, &infra):
		return "InfrastructureError"
	case errors.As(err, &chartErr):
		return "VisualizationError"
	case errors.As(err, &summary):
		return "SummaryError"
	default:
		return "InternalError"
	}
}

// isInfrastructure separates failures of the machinery from failures of
// the generated content. Malformed model output and content filtering
// are content problems a regeneration can fix; everything else coming
// out of the provider or the sandbox transport is machinery.
func isInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sandbox.ErrUnavailable) {
		return true
	}
	var remote *sandbox.RemoteError
	if errors.As(err, &remote) {
		return true
	}
	if llm.IsMalformedOutputError(err) {
		return false
	}
	var filtered *llm.ContentFilterError
	if errors.As(err, &filtered) {
		return false
	}
	var le llm.Error
	if errors.As(err, &le) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return false
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
