// Package orchestrator sequences one question through routing, planning,
// execution, and synthesis. It is a deterministic state machine around
// non-deterministic LLM calls: every stage invocation is recorded in the
// turn's trace, attempt state is threaded as values, and only failures that
// survive every internal recovery reach the turn-terminal error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"datanerd/internal/analyst"
	"datanerd/internal/catalog"
	"datanerd/internal/executor"
	"datanerd/internal/trace"
)

// Stage names as they appear in traces.
const (
	StageRouter      = "Router"
	StagePlanner     = "SQL Planner"
	StageExecutor    = "SQL Executor"
	StageSynthesizer = "Synthesizer"
	StageNonData     = "Non-Data QA"
)

// Router is the routing stage contract.
type Router interface {
	Route(ctx context.Context, question string) (analyst.RouteDecision, error)
}

// Planner is the SQL planning stage contract.
type Planner interface {
	Plan(ctx context.Context, question string, correction *analyst.Correction, attempt int) (analyst.SQLPlan, error)
}

// NonData is the direct-answer stage contract.
type NonData interface {
	Answer(ctx context.Context, question, intent string) (analyst.Answer, error)
}

// Synthesizer is the insight stage contract.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, plan analyst.SQLPlan, res executor.Result) (analyst.Synthesis, error)
}

// Runner executes SQL and returns a classified result.
type Runner interface {
	Run(ctx context.Context, sqlText string) executor.Result
}

// FailureKind names a turn-terminal failure.
type FailureKind string

const (
	FailureRoutingUnavailable FailureKind = "routing_unavailable"
	FailureSQLUnresolved      FailureKind = "sql_unresolved"
)

// TurnError is a turn-terminal failure. The partial trace is still returned
// alongside it; nothing gathered so far is discarded.
type TurnError struct {
	Kind    FailureKind
	LastErr error
	Plans   []analyst.SQLPlan // most recent plans attempted, at most three
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %v", e.Kind, e.LastErr)
}

func (e *TurnError) Unwrap() error { return e.LastErr }

// Outcome is what a completed turn hands to the caller: the answer payload
// plus the full trace.
type Outcome struct {
	Answer    string
	Direct    bool // answered without data access
	Synthesis *analyst.Synthesis
	Result    *executor.Result
	Trace     *trace.Turn
}

// Orchestrator drives one turn at a time. Instances are cheap; concurrent
// turns get independent instances sharing only the immutable catalog below
// the stages.
type Orchestrator struct {
	router      Router
	planner     Planner
	nonData     NonData
	synthesizer Synthesizer
	runner      Runner
	maxAttempts int
	logger      *zap.Logger
}

// New wires the stages together. maxAttempts bounds the plan-execute-correct
// loop (minimum 1). A nil logger disables logging.
func New(router Router, planner Planner, nonData NonData, synthesizer Synthesizer, runner Runner, maxAttempts int, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Orchestrator{
		router:      router,
		planner:     planner,
		nonData:     nonData,
		synthesizer: synthesizer,
		runner:      runner,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Run processes one question to a terminal state. The returned Outcome
// always carries a finalized trace, error or not.
func (o *Orchestrator) Run(ctx context.Context, question string) (*Outcome, error) {
	t := trace.NewTurn(question)
	o.logger.Info("turn started", zap.String("turn", t.ID), zap.String("question", summarize(question)))

	// START -> ROUTED
	step := trace.Begin(StageRouter, summarize(question))
	decision, err := o.router.Route(ctx, question)
	if err != nil {
		t.Append(step.Fail(err.Error()))
		t.Finalize(trace.StatusError, "")
		o.logger.Error("routing failed", zap.String("turn", t.ID), zap.Error(err))
		return &Outcome{Trace: t}, &TurnError{Kind: FailureRoutingUnavailable, LastErr: err}
	}
	t.Append(step.Succeed(
		fmt.Sprintf("route=%s intent=%s", decision.Route, summarize(decision.UserIntent)),
		decision.Confidence))

	if decision.Route == analyst.RouteNonData {
		return o.answerDirect(ctx, t, question, decision)
	}
	return o.answerWithData(ctx, t, question)
}

// answerDirect handles ROUTED -> ANSWERED_DIRECT. A stage failure degrades
// to fallback text; this path never fails the turn.
func (o *Orchestrator) answerDirect(ctx context.Context, t *trace.Turn, question string, decision analyst.RouteDecision) (*Outcome, error) {
	step := trace.Begin(StageNonData, summarize(question))
	answer, err := o.nonData.Answer(ctx, question, decision.UserIntent)
	if err != nil {
		t.Append(step.Fail(err.Error()))
		if answer.Text == "" {
			answer.Text = analyst.FallbackAnswer
		}
		o.logger.Warn("non-data stage degraded to fallback", zap.String("turn", t.ID), zap.Error(err))
	} else {
		t.Append(step.Succeed(fmt.Sprintf("category=%s", answer.Category), ""))
	}
	t.Finalize(trace.StatusSuccess, answer.Text)
	return &Outcome{Answer: answer.Text, Direct: true, Trace: t}, nil
}

// answerWithData drives the PLANNED -> EXECUTED loop and synthesis. A
// schema violation from the planner and an execution failure both consume
// one attempt and feed back into the next plan as correction context.
func (o *Orchestrator) answerWithData(ctx context.Context, t *trace.Turn, question string) (*Outcome, error) {
	var (
		correction *analyst.Correction
		plans      []analyst.SQLPlan
		lastErr    error
		plan       analyst.SQLPlan
		res        executor.Result
		solved     bool
	)

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		planStep := trace.Begin(StagePlanner, fmt.Sprintf("attempt=%d question=%s", attempt, summarize(question)))
		var err error
		plan, err = o.planner.Plan(ctx, question, correction, attempt)
		if err != nil {
			lastErr = err
			var violation *catalog.ViolationError
			if errors.As(err, &violation) && plan.SQL != "" {
				// Hallucinated schema: regenerate with the violation as
				// correction context. The executor never sees this plan.
				t.Append(planStep.Fail(violation.Error()))
				plans = append(plans, plan)
				correction = &analyst.Correction{SQL: plan.SQL, Error: violation.Error()}
				o.logger.Warn("plan rejected by catalog",
					zap.String("turn", t.ID), zap.Int("attempt", attempt), zap.Error(violation))
				continue
			}
			// Gateway or format failure in the planner: not retried.
			t.Append(planStep.Fail(err.Error()))
			t.Finalize(trace.StatusError, "")
			o.logger.Error("planning failed", zap.String("turn", t.ID), zap.Error(err))
			return &Outcome{Trace: t}, &TurnError{Kind: FailureSQLUnresolved, LastErr: err, Plans: lastPlans(plans)}
		}
		t.Append(planStep.Succeed(
			fmt.Sprintf("sql=%s tables=%v", summarize(plan.SQL), plan.TablesUsed),
			plan.Confidence))
		plans = append(plans, plan)

		execStep := trace.Begin(StageExecutor, summarize(plan.SQL))
		res = o.runner.Run(ctx, plan.SQL)
		if !res.OK {
			t.Append(execStep.Fail(res.Err.Error()))
			lastErr = res.Err
			correction = &analyst.Correction{SQL: plan.SQL, Error: res.Err.Message}
			o.logger.Warn("execution failed",
				zap.String("turn", t.ID),
				zap.Int("attempt", attempt),
				zap.String("class", string(res.Err.Class)))
			continue
		}
		t.Append(execStep.Succeed(
			fmt.Sprintf("%d rows, %d columns", res.RowCount, len(res.Columns)), ""))
		solved = true
		break
	}

	if !solved {
		t.Finalize(trace.StatusError, "")
		o.logger.Error("attempt budget exhausted",
			zap.String("turn", t.ID),
			zap.Int("attempts", o.maxAttempts),
			zap.Error(lastErr))
		return &Outcome{Trace: t}, &TurnError{Kind: FailureSQLUnresolved, LastErr: lastErr, Plans: lastPlans(plans)}
	}

	// EXECUTED -> SYNTHESIZED; failure falls back to the raw table.
	synStep := trace.Begin(StageSynthesizer, fmt.Sprintf("%d rows", res.RowCount))
	synthesis, err := o.synthesizer.Synthesize(ctx, question, plan, res)
	if err != nil {
		t.Append(synStep.Fail(err.Error()))
		synthesis = analyst.FallbackSynthesis(res)
		o.logger.Warn("synthesis degraded to raw table", zap.String("turn", t.ID), zap.Error(err))
	} else {
		t.Append(synStep.Succeed(
			fmt.Sprintf("%d findings, %d recommendations", len(synthesis.KeyFindings), len(synthesis.Recommendations)), ""))
	}

	t.Finalize(trace.StatusSuccess, synthesis.Summary)
	o.logger.Info("turn completed", zap.String("turn", t.ID), zap.Int("steps", len(t.Steps)))
	return &Outcome{
		Answer:    synthesis.Summary,
		Synthesis: &synthesis,
		Result:    &res,
		Trace:     t,
	}, nil
}

// lastPlans keeps only the three most recent attempts for error reporting.
func lastPlans(plans []analyst.SQLPlan) []analyst.SQLPlan {
	if len(plans) > 3 {
		return plans[len(plans)-3:]
	}
	return plans
}

func summarize(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}
