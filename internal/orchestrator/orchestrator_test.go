package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"datanerd/internal/analyst"
	"datanerd/internal/catalog"
	"datanerd/internal/executor"
	"datanerd/internal/perception"
	"datanerd/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRouter struct {
	decision analyst.RouteDecision
	err      error
}

func (s *stubRouter) Route(context.Context, string) (analyst.RouteDecision, error) {
	return s.decision, s.err
}

type stubPlanner struct {
	plans       []analyst.SQLPlan
	errs        []error
	corrections []*analyst.Correction
	calls       int
}

func (s *stubPlanner) Plan(_ context.Context, _ string, correction *analyst.Correction, attempt int) (analyst.SQLPlan, error) {
	s.corrections = append(s.corrections, correction)
	i := s.calls
	s.calls++
	var plan analyst.SQLPlan
	var err error
	if i < len(s.plans) {
		plan = s.plans[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	plan.Attempt = attempt
	return plan, err
}

type stubNonData struct {
	answer analyst.Answer
	err    error
}

func (s *stubNonData) Answer(context.Context, string, string) (analyst.Answer, error) {
	if s.err != nil {
		return analyst.Answer{}, s.err
	}
	return s.answer, nil
}

type stubSynthesizer struct {
	synthesis analyst.Synthesis
	err       error
	calls     int
}

func (s *stubSynthesizer) Synthesize(_ context.Context, _ string, _ analyst.SQLPlan, _ executor.Result) (analyst.Synthesis, error) {
	s.calls++
	return s.synthesis, s.err
}

type stubRunner struct {
	results []executor.Result
	calls   int
}

func (s *stubRunner) Run(context.Context, string) executor.Result {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return s.results[len(s.results)-1]
}

func okPlan(sql string) analyst.SQLPlan {
	return analyst.SQLPlan{SQL: sql, TablesUsed: []string{"Sales"}, Confidence: analyst.ConfidenceHigh}
}

func okResult() executor.Result {
	return executor.Result{
		OK:       true,
		Columns:  []string{"Name", "Total"},
		Rows:     [][]any{{"Bikes", 500.0}, {"Accessories", 300.0}},
		RowCount: 2,
	}
}

func failedResult(class executor.ErrClass, msg string) executor.Result {
	return executor.Result{OK: false, Err: &executor.ExecError{Class: class, Message: msg}}
}

func dataRoute() *stubRouter {
	return &stubRouter{decision: analyst.RouteDecision{
		Route: analyst.RouteData, Confidence: analyst.ConfidenceHigh, UserIntent: "totals",
	}}
}

func TestRun_DataPathHappy(t *testing.T) {
	planner := &stubPlanner{plans: []analyst.SQLPlan{okPlan("SELECT 1")}}
	runner := &stubRunner{results: []executor.Result{okResult()}}
	synth := &stubSynthesizer{synthesis: analyst.Synthesis{
		Summary:         "Bikes lead with 500.",
		KeyFindings:     []string{"Bikes: 500", "Accessories: 300"},
		Recommendations: []string{"Bundle accessories"},
	}}

	o := New(dataRoute(), planner, &stubNonData{}, synth, runner, 3, nil)
	out, err := o.Run(context.Background(), "What are the top 2 categories by total sales?")
	require.NoError(t, err)

	assert.Equal(t, "Bikes lead with 500.", out.Answer)
	assert.False(t, out.Direct)
	require.NotNil(t, out.Synthesis)
	require.NotNil(t, out.Result)
	assert.Equal(t, 2, out.Result.RowCount)

	require.NotNil(t, out.Trace)
	assert.True(t, out.Trace.Finalized())
	assert.Equal(t, trace.StatusSuccess, out.Trace.Status)
	stages := stageNames(out.Trace)
	assert.Equal(t, []string{StageRouter, StagePlanner, StageExecutor, StageSynthesizer}, stages)
}

func TestRun_NonDataPath(t *testing.T) {
	router := &stubRouter{decision: analyst.RouteDecision{
		Route: analyst.RouteNonData, Confidence: analyst.ConfidenceHigh, UserIntent: "greeting",
	}}
	nonData := &stubNonData{answer: analyst.Answer{Text: "Hello! I analyze your data.", Category: "greeting"}}
	planner := &stubPlanner{}
	synth := &stubSynthesizer{}

	o := New(router, planner, nonData, synth, &stubRunner{results: []executor.Result{okResult()}}, 3, nil)
	out, err := o.Run(context.Background(), "Hello, what can you do?")
	require.NoError(t, err)

	assert.True(t, out.Direct)
	assert.Equal(t, "Hello! I analyze your data.", out.Answer)

	// Exactly one Router step and one Non-Data step; nothing else ran.
	assert.Equal(t, []string{StageRouter, StageNonData}, stageNames(out.Trace))
	assert.Zero(t, planner.calls)
	assert.Zero(t, synth.calls)
}

func TestRun_NonDataFallbackNeverFailsTurn(t *testing.T) {
	router := &stubRouter{decision: analyst.RouteDecision{Route: analyst.RouteNonData}}
	nonData := &stubNonData{err: errors.New("gateway down")}

	o := New(router, &stubPlanner{}, nonData, &stubSynthesizer{}, &stubRunner{results: []executor.Result{okResult()}}, 3, nil)
	out, err := o.Run(context.Background(), "hi")
	require.NoError(t, err)

	// Even a zero-value answer from the failed stage must not leave the
	// turn with empty text.
	assert.Equal(t, analyst.FallbackAnswer, out.Answer)
	assert.NotEmpty(t, out.Trace.FinalAnswer)
	assert.Equal(t, trace.StatusSuccess, out.Trace.Status)
	steps := out.Trace.StageSteps(StageNonData)
	require.Len(t, steps, 1)
	assert.Equal(t, trace.StatusError, steps[0].Status)
}

func TestRun_RoutingUnavailable(t *testing.T) {
	router := &stubRouter{err: &perception.TransportError{Kind: perception.TransportUnavailable, Message: "down"}}
	o := New(router, &stubPlanner{}, &stubNonData{}, &stubSynthesizer{}, &stubRunner{results: []executor.Result{okResult()}}, 3, nil)

	out, err := o.Run(context.Background(), "q")
	var terr *TurnError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, FailureRoutingUnavailable, terr.Kind)

	// The partial trace still comes back.
	require.NotNil(t, out.Trace)
	assert.True(t, out.Trace.Finalized())
	assert.Equal(t, trace.StatusError, out.Trace.Status)
	require.Len(t, out.Trace.Steps, 1)
	assert.Equal(t, trace.StatusError, out.Trace.Steps[0].Status)
}

func TestRun_RetryLoopExhaustsBudget(t *testing.T) {
	const budget = 3
	planner := &stubPlanner{plans: []analyst.SQLPlan{
		okPlan("SELECT a"), okPlan("SELECT b"), okPlan("SELECT c"),
	}}
	runner := &stubRunner{results: []executor.Result{
		failedResult(executor.ClassTimeout, "query exceeded execution timeout"),
	}}

	o := New(dataRoute(), planner, &stubNonData{}, &stubSynthesizer{}, runner, budget, nil)
	out, err := o.Run(context.Background(), "q")

	var terr *TurnError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, FailureSQLUnresolved, terr.Kind)
	assert.Len(t, terr.Plans, 3)

	assert.Len(t, out.Trace.StageSteps(StageRouter), 1)
	assert.Len(t, out.Trace.StageSteps(StagePlanner), budget)
	assert.Len(t, out.Trace.StageSteps(StageExecutor), budget)
	assert.Empty(t, out.Trace.StageSteps(StageSynthesizer))
	assert.Equal(t, budget, runner.calls)

	// Each retry carried the prior failure as correction context.
	require.Len(t, planner.corrections, budget)
	assert.Nil(t, planner.corrections[0])
	require.NotNil(t, planner.corrections[1])
	assert.Equal(t, "SELECT a", planner.corrections[1].SQL)
	assert.Contains(t, planner.corrections[1].Error, "timeout")
}

func TestRun_SchemaViolationConsumesAttemptWithoutExecution(t *testing.T) {
	violation := &catalog.ViolationError{Tables: []string{"Territories"}}
	planner := &stubPlanner{
		plans: []analyst.SQLPlan{okPlan("SELECT bad"), okPlan("SELECT good")},
		errs:  []error{fmt.Errorf("planner: %w", violation), nil},
	}
	runner := &stubRunner{results: []executor.Result{okResult()}}
	synth := &stubSynthesizer{synthesis: analyst.Synthesis{Summary: "fine"}}

	o := New(dataRoute(), planner, &stubNonData{}, synth, runner, 3, nil)
	out, err := o.Run(context.Background(), "q")
	require.NoError(t, err)

	// Two planner steps (one rejected, one good), but only one execution.
	assert.Len(t, out.Trace.StageSteps(StagePlanner), 2)
	assert.Len(t, out.Trace.StageSteps(StageExecutor), 1)
	assert.Equal(t, 1, runner.calls)

	require.Len(t, planner.corrections, 2)
	require.NotNil(t, planner.corrections[1])
	assert.Contains(t, planner.corrections[1].Error, "Territories")
}

func TestRun_PlannerFormatFailureTerminates(t *testing.T) {
	planner := &stubPlanner{errs: []error{errors.New("planner: response not parseable")}}
	o := New(dataRoute(), planner, &stubNonData{}, &stubSynthesizer{}, &stubRunner{results: []executor.Result{okResult()}}, 3, nil)

	out, err := o.Run(context.Background(), "q")
	var terr *TurnError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, FailureSQLUnresolved, terr.Kind)
	assert.Equal(t, 1, planner.calls, "format failures are not retried")
	assert.Len(t, out.Trace.StageSteps(StagePlanner), 1)
}

func TestRun_SynthesisFallback(t *testing.T) {
	planner := &stubPlanner{plans: []analyst.SQLPlan{okPlan("SELECT 1")}}
	runner := &stubRunner{results: []executor.Result{okResult()}}
	synth := &stubSynthesizer{err: errors.New("synthesizer: malformed")}

	o := New(dataRoute(), planner, &stubNonData{}, synth, runner, 3, nil)
	out, err := o.Run(context.Background(), "q")
	require.NoError(t, err, "synthesis failure must not fail the turn")

	assert.Equal(t, trace.StatusSuccess, out.Trace.Status)
	require.NotNil(t, out.Synthesis)
	assert.Contains(t, out.Synthesis.Summary, "2 rows")
	assert.NotNil(t, out.Synthesis.KeyFindings)
	assert.Empty(t, out.Synthesis.KeyFindings)
	assert.NotNil(t, out.Synthesis.Recommendations)
	assert.Empty(t, out.Synthesis.Recommendations)

	steps := out.Trace.StageSteps(StageSynthesizer)
	require.Len(t, steps, 1)
	assert.Equal(t, trace.StatusError, steps[0].Status)
}

func TestRun_StepTimingsAreSane(t *testing.T) {
	planner := &stubPlanner{plans: []analyst.SQLPlan{okPlan("SELECT a")}}
	runner := &stubRunner{results: []executor.Result{
		failedResult(executor.ClassSyntax, "near FROM: syntax error"),
	}}

	o := New(dataRoute(), planner, &stubNonData{}, &stubSynthesizer{}, runner, 1, nil)
	out, _ := o.Run(context.Background(), "q")

	require.NotEmpty(t, out.Trace.Steps)
	var prev time.Time
	for _, s := range out.Trace.Steps {
		assert.False(t, s.CompletedAt.Before(s.StartedAt), "step %s: end before start", s.Stage)
		assert.GreaterOrEqual(t, s.Duration().Nanoseconds(), int64(0))
		assert.False(t, s.StartedAt.Before(prev), "steps must start in order")
		prev = s.StartedAt
	}
}

func stageNames(t *trace.Turn) []string {
	names := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		names = append(names, s.Stage)
	}
	return names
}
