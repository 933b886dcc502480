package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepTimestamps(t *testing.T) {
	s := Begin("Router", "what are the top categories?")
	done := s.Succeed("route=data", "high")

	assert.False(t, done.CompletedAt.Before(done.StartedAt), "end must be >= start")
	assert.GreaterOrEqual(t, done.Duration().Nanoseconds(), int64(0))
	assert.Equal(t, StatusSuccess, done.Status)

	failed := Begin("SQL Executor", "SELECT 1").Fail("timeout")
	assert.False(t, failed.CompletedAt.Before(failed.StartedAt))
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, "timeout", failed.Error)
}

func TestTurnAppendOrder(t *testing.T) {
	turn := NewTurn("hello")
	turn.Append(Begin("Router", "hello").Succeed("route=non_data", "high"))
	turn.Append(Begin("Non-Data QA", "hello").Succeed("answered", ""))

	require.Len(t, turn.Steps, 2)
	assert.Equal(t, "Router", turn.Steps[0].Stage)
	assert.Equal(t, "Non-Data QA", turn.Steps[1].Stage)
}

func TestTurnDropsRunningStep(t *testing.T) {
	turn := NewTurn("q")
	turn.Append(Begin("Router", "q"))
	assert.Empty(t, turn.Steps, "incomplete steps must not be recorded")
}

func TestFinalizeFreezesTurn(t *testing.T) {
	turn := NewTurn("q")
	turn.Append(Begin("Router", "q").Succeed("ok", ""))

	turn.Finalize(StatusSuccess, "answer")
	assert.True(t, turn.Finalized())
	assert.Equal(t, StatusSuccess, turn.Status)
	assert.Equal(t, "answer", turn.FinalAnswer)

	turn.Append(Begin("Synthesizer", "x").Succeed("y", ""))
	assert.Len(t, turn.Steps, 1, "finalized turn must drop appends")

	// Finalize is idempotent; the first terminal state wins.
	turn.Finalize(StatusError, "other")
	assert.Equal(t, StatusSuccess, turn.Status)
	assert.Equal(t, "answer", turn.FinalAnswer)
}

func TestStageSteps(t *testing.T) {
	turn := NewTurn("q")
	for i := 0; i < 3; i++ {
		turn.Append(Begin("SQL Planner", "q").Succeed("plan", "medium"))
		turn.Append(Begin("SQL Executor", "SELECT 1").Fail("syntax error"))
	}
	assert.Len(t, turn.StageSteps("SQL Planner"), 3)
	assert.Len(t, turn.StageSteps("SQL Executor"), 3)
	assert.Empty(t, turn.StageSteps("Synthesizer"))
}
