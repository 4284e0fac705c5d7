// Package engine runs one natural-language query against a session's
// sandbox: plan the steps, generate and execute code per step, analyze
// and retry failures within a budget, chart on request, and summarize.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/sandbox"
	"github.com/quarrylabs/quarry/internal/stream"
)

// Publisher receives run progress events. *stream.Publisher satisfies
// it.
type Publisher interface {
	Publish(sessionID string, e stream.Event)
}

// Options configure an Engine. The zero value is usable.
type Options struct {
	// RetryCeiling caps how many recoverable failures one run absorbs
	// before it gives up. Defaults to 3.
	RetryCeiling int

	// ExecTimeout bounds a single code execution. Defaults to 30s.
	ExecTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 3
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 30 * time.Second
	}
}

// Engine drives query runs. One Engine serves every session; per-run
// state lives in the run value.
type Engine struct {
	gw           *Gateway
	publisher    Publisher
	retryCeiling int
	execTimeout  time.Duration
	logger       *zap.Logger
}

// New builds an Engine. A nil logger disables logging.
func New(gw *Gateway, publisher Publisher, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Engine{
		gw:           gw,
		publisher:    publisher,
		retryCeiling: opts.RetryCeiling,
		execTimeout:  opts.ExecTimeout,
		logger:       logger,
	}
}

type state string

const (
	statePlanning    state = "planning"
	stateGenerating  state = "generating"
	stateExecuting   state = "executing"
	stateAnalyzing   state = "error_analyzing"
	stateVisualizing state = "visualizing"
	stateSummarizing state = "summarizing"
	stateDone        state = "done"
)

// Run executes one query end to end and returns the final answer. A
// terminal failure has already been published as an error event when
// Run returns it.
func (e *Engine) Run(ctx context.Context, req RunRequest) (string, error) {
	r := &run{
		id:          ulid.Make().String(),
		sessionID:   req.SessionID,
		query:       req.Query,
		chartWanted: wantsChart(req.Query),
	}
	log := e.logger.With(
		zap.String("run_id", r.id),
		zap.String("session_id", r.sessionID))
	log.Info("run.started", zap.String("query", truncate(req.Query, 200)))
	start := time.Now()

	st := statePlanning
	for st != stateDone {
		if err := ctx.Err(); err != nil {
			e.fail(r, &InfrastructureError{Op: "run", Err: err})
			break
		}
		log.Debug("run.state", zap.String("state", string(st)), zap.Int("step", r.step), zap.Int("errors", r.errorCount))
		switch st {
		case statePlanning:
			st = e.planStep(ctx, req, r)
		case stateGenerating:
			st = e.generateStep(ctx, req, r)
		case stateExecuting:
			st = e.executeStep(ctx, req, r)
		case stateAnalyzing:
			st = e.analyzeStep(ctx, req, r)
		case stateVisualizing:
			st = e.visualizeStep(ctx, req, r)
		case stateSummarizing:
			st = e.summarizeStep(ctx, req, r)
		}
	}

	if r.err != nil {
		log.Warn("run.failed", zap.Error(r.err),
			zap.Int("errors", r.errorCount),
			zap.Duration("elapsed", time.Since(start)))
		return "", r.err
	}
	log.Info("run.completed", zap.Int("steps", len(r.plan)),
		zap.Int("errors", r.errorCount),
		zap.Duration("elapsed", time.Since(start)))
	return r.answer, nil
}

func (e *Engine) publish(r *run, ev stream.Event) {
	e.publisher.Publish(r.sessionID, ev)
}

// fail publishes the single terminal error event and ends the run.
func (e *Engine) fail(r *run, err error) state {
	r.err = err
	e.publish(r, stream.NewEvent(stream.TypeError, map[string]any{
		"message":    err.Error(),
		"error_type": errorTypeName(err),
	}))
	return stateDone
}

// planStep decomposes the query. Any planning failure is terminal and
// the run never reaches code generation.
func (e *Engine) planStep(ctx context.Context, req RunRequest, r *run) state {
	plan, err := e.gw.Plan(ctx, planInput{
		Query:   r.query,
		Dataset: req.Dataset,
		History: req.History,
	})
	if err != nil {
		return e.fail(r, &PlanningError{Err: err})
	}
	r.plan = plan.Steps
	r.record(logPlan, strings.Join(plan.Steps, "; "))
	e.publish(r, stream.NewEvent(stream.TypePlan, map[string]any{"steps": plan.Steps}))
	return stateGenerating
}

func (e *Engine) generateStep(ctx context.Context, req RunRequest, r *run) state {
	out, err := e.gw.GenerateCode(ctx, codeInput{
		Query:      r.query,
		Dataset:    req.Dataset,
		Steps:      r.plan,
		StepIndex:  r.step,
		History:    r.recentHistory(historyWindow, historyEntryChars),
		LastOutput: truncate(r.lastOutput, outputWindowChars),
		LastError:  truncate(r.execErr, stderrWindowChars),
		Guidance:   r.guidance,
	})
	if err != nil {
		if isInfrastructure(err) {
			if !r.infraRetried {
				r.infraRetried = true
				e.publish(r, stream.NewEvent(stream.TypeLog,
					fmt.Sprintf("transient failure during code generation, retrying once: %v", err)))
				return stateGenerating
			}
			return e.fail(r, &InfrastructureError{Op: "code generation", Err: err})
		}
		gerr := &GenerationError{Step: r.step, Err: err}
		if r.errorCount >= e.retryCeiling {
			return e.fail(r, gerr)
		}
		r.errorCount++
		r.guidance = ""
		e.publish(r, stream.NewEvent(stream.TypeLog, gerr.Error()+"; retrying"))
		return stateGenerating
	}

	r.code = out.Code
	if out.Thought != "" {
		r.record(logThought, out.Thought)
		e.publish(r, stream.NewStepEvent(stream.TypeThought, out.Thought, r.step))
	}
	e.publish(r, stream.NewStepEvent(stream.TypeCode, out.Code, r.step))
	return stateExecuting
}

func (e *Engine) executeStep(ctx context.Context, req RunRequest, r *run) state {
	e.publish(r, stream.NewStepEvent(stream.TypeExecutionStart, nil, r.step))
	res, err := req.Executor.Exec(ctx, r.code, e.execTimeout)
	if err != nil {
		if !r.infraRetried {
			r.infraRetried = true
			e.publish(r, stream.NewEvent(stream.TypeLog,
				fmt.Sprintf("transient failure during execution, retrying once: %v", err)))
			return stateExecuting
		}
		return e.fail(r, &InfrastructureError{Op: "execution", Err: err})
	}

	if !res.Success {
		stderr := strings.TrimSpace(res.Stderr)
		r.execErr = stderr
		r.record(logError, stderr)
		e.publish(r, stream.NewStepEvent(stream.TypeExecutionError,
			map[string]any{"error": truncate(stderr, 2000)}, r.step))
		if r.errorCount >= e.retryCeiling {
			return e.fail(r, &ExecutionError{Step: r.step, Stderr: stderr, Attempts: r.errorCount + 1})
		}
		r.errorCount++
		return stateAnalyzing
	}

	r.lastOutput = res.Stdout
	r.execErr = ""
	r.guidance = ""
	r.record(logOutput, truncate(res.Stdout, outputWindowChars))
	r.rememberVars(scanAssignedVars(r.code))
	e.publish(r, stream.NewStepEvent(stream.TypeExecutionSuccess, map[string]any{
		"stdout":      truncate(res.Stdout, 4000),
		"duration_ms": res.Duration.Milliseconds(),
	}, r.step))

	for _, d := range res.Displays {
		switch d.Media {
		case sandbox.MediaHTML:
			r.lastTable = d.Data
			e.publish(r, stream.NewStepEvent(stream.TypeTable, map[string]any{"html": d.Data}, r.step))
		case sandbox.MediaPNG:
			// Step code drew a figure on its own; no second chart pass.
			r.chartDone = true
			r.chartShown = true
			e.publish(r, stream.NewStepEvent(stream.TypeChart, map[string]any{"media": d.Media, "data": d.Data}, r.step))
		}
	}

	if r.step+1 < len(r.plan) {
		r.step++
		return stateGenerating
	}
	if r.chartWanted && !r.chartDone {
		return stateVisualizing
	}
	return stateSummarizing
}

// analyzeStep turns the last failure into guidance for regeneration.
// Analysis is best-effort: if it fails for content reasons the run
// regenerates unguided instead of stopping.
func (e *Engine) analyzeStep(ctx context.Context, req RunRequest, r *run) state {
	out, err := e.gw.AnalyzeError(ctx, analysisInput{
		Query:   r.query,
		Dataset: req.Dataset,
		Step:    r.plan[r.step],
		Code:    r.code,
		Stderr:  r.execErr,
	})
	if err != nil {
		if isInfrastructure(err) {
			if !r.infraRetried {
				r.infraRetried = true
				e.publish(r, stream.NewEvent(stream.TypeLog,
					fmt.Sprintf("transient failure during error analysis, retrying once: %v", err)))
				return stateAnalyzing
			}
			return e.fail(r, &InfrastructureError{Op: "error analysis", Err: err})
		}
		aerr := &AnalysisError{Step: r.step, Err: err}
		e.publish(r, stream.NewEvent(stream.TypeLog, aerr.Error()+"; regenerating without guidance"))
		r.guidance = ""
		return stateGenerating
	}

	r.guidance = out.Suggestion
	if r.guidance == "" {
		r.guidance = out.Diagnosis
	}
	r.record(logAnalysis, out.Diagnosis)
	e.publish(r, stream.NewStepEvent(stream.TypeThought, out.Diagnosis, r.step))
	return stateGenerating
}

// visualizeStep is best-effort end to end: any failure logs and moves
// on to the summary.
func (e *Engine) visualizeStep(ctx context.Context, req RunRequest, r *run) state {
	r.chartDone = true
	out, err := e.gw.ChartCode(ctx, chartInput{
		Query:   r.query,
		Dataset: req.Dataset,
		History: r.recentHistory(chartHistoryWindow, chartEntryChars),
		Vars:    lastN(r.vars, chartVarWindow),
		Table:   truncate(r.lastTable, chartTableChars),
	})
	if err != nil {
		verr := &VisualizationError{Err: err}
		e.publish(r, stream.NewEvent(stream.TypeLog, verr.Error()+"; continuing without a chart"))
		return stateSummarizing
	}
	res, execErr := req.Executor.Exec(ctx, out.Code, e.execTimeout)
	if execErr != nil || !res.Success {
		cause := execErr
		if cause == nil {
			cause = errors.New(firstLine(strings.TrimSpace(res.Stderr)))
		}
		verr := &VisualizationError{Err: cause}
		e.publish(r, stream.NewEvent(stream.TypeLog, verr.Error()+"; continuing without a chart"))
		return stateSummarizing
	}
	emitted := false
	for _, d := range res.Displays {
		if d.Media == sandbox.MediaPNG {
			e.publish(r, stream.NewEvent(stream.TypeChart, map[string]any{"media": d.Media, "data": d.Data}))
			emitted = true
		}
	}
	if emitted {
		r.chartShown = true
	} else {
		e.publish(r, stream.NewEvent(stream.TypeLog, "chart code ran but produced no figure"))
	}
	return stateSummarizing
}

// summarizeStep produces the final answer, falling back to the raw
// output when the model cannot.
func (e *Engine) summarizeStep(ctx context.Context, req RunRequest, r *run) state {
	text, err := e.gw.Summarize(ctx, summaryInput{
		Query:      r.query,
		Dataset:    req.Dataset,
		History:    r.recentHistory(historyWindow, historyEntryChars),
		LastOutput: truncate(r.lastOutput, 1500),
		ChartShown: r.chartShown,
	})
	if err != nil {
		serr := &SummaryError{Err: err}
		e.publish(r, stream.NewEvent(stream.TypeLog, serr.Error()+"; returning raw output"))
		text = fallbackAnswer(r)
	}
	r.answer = text
	e.publish(r, stream.NewEvent(stream.TypeFinalResponse, text))
	return stateDone
}

func fallbackAnswer(r *run) string {
	out := strings.TrimSpace(r.lastOutput)
	if out == "" {
		return "The analysis completed but produced no output."
	}
	return "The analysis completed. Final output:\n\n" + truncate(out, 1500)
}
