package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/internal/llm"
)

// Completer is the slice of the completion client the gateway uses.
// *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Timeouts bound each completion phase separately; planning gets less
// time than code generation because its output is small.
type Timeouts struct {
	Plan     time.Duration
	Generate time.Duration
	Analyze  time.Duration
	Chart    time.Duration
	Summary  time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Plan <= 0 {
		t.Plan = 45 * time.Second
	}
	if t.Generate <= 0 {
		t.Generate = 50 * time.Second
	}
	if t.Analyze <= 0 {
		t.Analyze = 30 * time.Second
	}
	if t.Chart <= 0 {
		t.Chart = 35 * time.Second
	}
	if t.Summary <= 0 {
		t.Summary = 30 * time.Second
	}
}

// Gateway turns engine phases into completion calls: prompt assembly on
// the way in, schema-validated decoding on the way out.
type Gateway struct {
	client   Completer
	model    string
	timeouts Timeouts
	logger   *zap.Logger
}

// NewGateway builds a Gateway. A nil logger disables logging.
func NewGateway(client Completer, model string, timeouts Timeouts, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeouts.applyDefaults()
	return &Gateway{client: client, model: model, timeouts: timeouts, logger: logger}
}

// Plan is the executable decomposition of one query.
type Plan struct {
	Steps []string
}

// CodeResult is one generated code attempt. Thought may be empty when
// the model answered with bare code.
type CodeResult struct {
	Thought string
	Code    string
}

// Analysis is the diagnosis of a failed execution.
type Analysis struct {
	Diagnosis  string
	Suggestion string
}

var jsonFormat = &llm.ResponseFormat{Type: "json"}

func (g *Gateway) complete(ctx context.Context, phase string, timeout time.Duration, msgs []llm.Message, format *llm.ResponseFormat) (llm.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := g.client.Complete(cctx, llm.Request{
		Model:          g.model,
		Messages:       msgs,
		ResponseFormat: format,
	})
	if err != nil {
		return resp, llm.WrapContextError(resp.Provider, err)
	}
	g.logger.Debug("gateway.completion",
		zap.String("phase", phase),
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return resp, nil
}

// Plan asks for a step decomposition of the query.
func (g *Gateway) Plan(ctx context.Context, in planInput) (Plan, error) {
	resp, err := g.complete(ctx, "plan", g.timeouts.Plan, buildPlanMessages(in), jsonFormat)
	if err != nil {
		return Plan{}, err
	}
	var payload planPayload
	if err := planSchema.Decode(resp.Provider, resp.Text(), &payload); err != nil {
		return Plan{}, err
	}
	steps := clampSteps(payload.Steps)
	if len(steps) == 0 {
		return Plan{}, &llm.MalformedOutputError{
			ProviderName: resp.Provider,
			Message:      "analysis_plan: every step was blank",
			Output:       resp.Text(),
		}
	}
	return Plan{Steps: steps}, nil
}

// GenerateCode asks for the code of one plan step. A response that is
// not the expected JSON envelope but still contains code is accepted
// as bare code; models drop the envelope often enough that rejecting it
// would burn retries for nothing.
func (g *Gateway) GenerateCode(ctx context.Context, in codeInput) (CodeResult, error) {
	resp, err := g.complete(ctx, "generate", g.timeouts.Generate, buildCodeMessages(in), jsonFormat)
	if err != nil {
		return CodeResult{}, err
	}
	var payload codePayload
	if err := codeSchema.Decode(resp.Provider, resp.Text(), &payload); err != nil {
		if !llm.IsMalformedOutputError(err) {
			return CodeResult{}, err
		}
		if raw := strings.TrimSpace(llm.StripCodeFence(resp.Text())); raw != "" {
			return CodeResult{Code: raw}, nil
		}
		return CodeResult{}, err
	}
	return CodeResult{Thought: strings.TrimSpace(payload.Thought), Code: payload.Code}, nil
}

// AnalyzeError asks for a diagnosis of a failed execution. There is no
// bare-text fallback here; an unusable analysis is reported so the
// caller can regenerate unguided.
func (g *Gateway) AnalyzeError(ctx context.Context, in analysisInput) (Analysis, error) {
	resp, err := g.complete(ctx, "analyze", g.timeouts.Analyze, buildAnalysisMessages(in), jsonFormat)
	if err != nil {
		return Analysis{}, err
	}
	var payload analysisPayload
	if err := analysisSchema.Decode(resp.Provider, resp.Text(), &payload); err != nil {
		return Analysis{}, err
	}
	return Analysis{
		Diagnosis:  strings.TrimSpace(payload.Diagnosis),
		Suggestion: strings.TrimSpace(payload.Suggestion),
	}, nil
}

// ChartCode asks for matplotlib code over the session's current state.
func (g *Gateway) ChartCode(ctx context.Context, in chartInput) (CodeResult, error) {
	resp, err := g.complete(ctx, "chart", g.timeouts.Chart, buildChartMessages(in), jsonFormat)
	if err != nil {
		return CodeResult{}, err
	}
	var payload chartPayload
	if err := chartSchema.Decode(resp.Provider, resp.Text(), &payload); err != nil {
		if !llm.IsMalformedOutputError(err) {
			return CodeResult{}, err
		}
		if raw := strings.TrimSpace(llm.StripCodeFence(resp.Text())); raw != "" {
			return CodeResult{Code: raw}, nil
		}
		return CodeResult{}, err
	}
	return CodeResult{Code: payload.Code}, nil
}

// Summarize asks for the final natural-language answer.
func (g *Gateway) Summarize(ctx context.Context, in summaryInput) (string, error) {
	resp, err := g.complete(ctx, "summary", g.timeouts.Summary, buildSummaryMessages(in), nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &llm.MalformedOutputError{
			ProviderName: resp.Provider,
			Message:      "summary: empty response",
		}
	}
	return text, nil
}
