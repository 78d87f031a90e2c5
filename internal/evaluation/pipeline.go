package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-assessment/internal/assessment"
)

// Backend executes source code against a single stdin.
type Backend interface {
	Execute(ctx context.Context, language assessment.Language, code, stdin string) (Execution, error)
}

// Execution is the raw outcome of one backend call.
type Execution struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// CasePipeline implements assessment.Pipeline by running each case through
// a Backend. MCQ answers are compared in-process.
type CasePipeline struct {
	backend Backend
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewCasePipeline constructs a pipeline over backend.
func NewCasePipeline(backend Backend, logger zerolog.Logger) *CasePipeline {
	return &CasePipeline{
		backend: backend,
		tracer:  otel.Tracer("github.com/noah-isme/gema-assessment/internal/evaluation"),
		logger:  logger.With().Str("component", "evaluation_pipeline").Logger(),
	}
}

// Evaluate runs req according to its mode.
func (p *CasePipeline) Evaluate(ctx context.Context, req assessment.Request) (assessment.Result, error) {
	if req.Answer.Empty(req.Kind) {
		return assessment.Result{}, &assessment.Error{Kind: assessment.ErrValidation, Item: req.Item, Msg: "answer is empty"}
	}

	ctx, span := p.tracer.Start(ctx, "evaluation.pipeline.evaluate", trace.WithAttributes(
		attribute.Int("assessment.item", int(req.Item)),
		attribute.String("assessment.mode", string(req.Mode)),
		attribute.String("assessment.kind", string(req.Kind)),
	))
	defer span.End()

	start := time.Now()
	var (
		res assessment.Result
		err error
	)
	switch {
	case req.Kind == assessment.KindMCQ:
		res = p.compareOption(req)
	case req.Mode == assessment.ModeDryRun:
		res, err = p.dryRun(ctx, req)
	default:
		res, err = p.runCases(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return assessment.Result{}, err
	}

	res.Mode = req.Mode
	res.TimingMs = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int("assessment.passed", res.Passed), attribute.Int("assessment.total", res.Total))
	return res, nil
}

func (p *CasePipeline) compareOption(req assessment.Request) assessment.Result {
	passed := assessment.Normalize(req.Answer.Option) == assessment.Normalize(req.Correct)
	res := assessment.Result{
		Total:   1,
		Outputs: []assessment.CaseOutput{{Actual: req.Answer.Option, Passed: passed, Hidden: true}},
	}
	if passed {
		res.Passed = 1
	}
	return res
}

func (p *CasePipeline) dryRun(ctx context.Context, req assessment.Request) (assessment.Result, error) {
	exec, err := p.backend.Execute(ctx, req.Answer.Language, req.Answer.Code, req.Input)
	if err != nil {
		return assessment.Result{}, err
	}
	return assessment.Result{
		Outputs: []assessment.CaseOutput{{
			Input:  req.Input,
			Actual: exec.Stdout,
			Error:  executionError(exec),
		}},
	}, nil
}

func (p *CasePipeline) runCases(ctx context.Context, req assessment.Request) (assessment.Result, error) {
	res := assessment.Result{
		Total:   len(req.Cases),
		Outputs: make([]assessment.CaseOutput, 0, len(req.Cases)),
	}
	for i, tc := range req.Cases {
		if err := ctx.Err(); err != nil {
			return assessment.Result{}, err
		}
		exec, err := p.backend.Execute(ctx, req.Answer.Language, req.Answer.Code, tc.Input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return assessment.Result{}, err
			}
			return assessment.Result{}, fmt.Errorf("case %d: %w", i, err)
		}

		out := assessment.CaseOutput{
			Input:    tc.Input,
			Expected: tc.Expected,
			Actual:   exec.Stdout,
			Error:    executionError(exec),
			Hidden:   tc.Hidden,
		}
		out.Passed = out.Error == "" && assessment.Matches(tc.Expected, exec.Stdout, req.Tolerance)
		if out.Passed {
			res.Passed++
		}
		res.Outputs = append(res.Outputs, out)
	}

	p.logger.Debug().Int("item", int(req.Item)).Str("mode", string(req.Mode)).Int("passed", res.Passed).Int("total", res.Total).Msg("cases evaluated")
	return res, nil
}

func executionError(exec Execution) string {
	switch {
	case exec.TimedOut:
		return "time limit exceeded"
	case exec.ExitCode != 0:
		stderr := strings.TrimSpace(exec.Stderr)
		if stderr == "" {
			return fmt.Sprintf("process exited with code %d", exec.ExitCode)
		}
		return stderr
	default:
		return ""
	}
}
