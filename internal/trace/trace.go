// Package trace records the per-turn audit trail: one Step per stage
// invocation, collected into a Turn that is handed to the caller once the
// turn reaches a terminal state.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Status describes the outcome of a step or a whole turn.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Step is the record of a single stage invocation. Retried invocations each
// produce their own Step.
type Step struct {
	Stage       string    `json:"stage"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Input       string    `json:"input,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Confidence  string    `json:"confidence,omitempty"`
}

// Begin opens a step for the named stage. The returned value carries the
// start timestamp; complete it with Succeed or Fail before appending.
func Begin(stage, input string) Step {
	return Step{
		Stage:     stage,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		Input:     input,
	}
}

// Succeed stamps the completion time and marks the step successful.
func (s Step) Succeed(output, confidence string) Step {
	s.CompletedAt = time.Now()
	s.Status = StatusSuccess
	s.Output = output
	s.Confidence = confidence
	return s
}

// Fail stamps the completion time and marks the step failed.
func (s Step) Fail(errDetail string) Step {
	s.CompletedAt = time.Now()
	s.Status = StatusError
	s.Error = errDetail
	return s
}

// Duration reports how long the step ran. Zero for steps never completed.
func (s Step) Duration() time.Duration {
	if s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// Turn is the full trace of one question/answer cycle. It is owned by a
// single orchestrator instance while the turn runs, and read-only once
// finalized. Not safe for concurrent mutation; turns are never shared.
type Turn struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Steps       []Step    `json:"steps"`
	FinalAnswer string    `json:"final_answer,omitempty"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	finalized bool
}

// NewTurn starts a trace for the given user question.
func NewTurn(question string) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Question:  question,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
}

// Append adds a completed step. Insertion order is execution order.
// Steps still marked running and appends after Finalize are dropped: a
// turn's record never changes once it reaches a terminal state.
func (t *Turn) Append(s Step) {
	if t.finalized || s.Status == StatusRunning {
		return
	}
	t.Steps = append(t.Steps, s)
}

// Finalize freezes the turn with its terminal status and answer text.
// Further Append calls are rejected.
func (t *Turn) Finalize(status Status, finalAnswer string) {
	if t.finalized {
		return
	}
	t.Status = status
	t.FinalAnswer = finalAnswer
	t.CompletedAt = time.Now()
	t.finalized = true
}

// Finalized reports whether the turn has reached a terminal state.
func (t *Turn) Finalized() bool { return t.finalized }

// StageSteps returns the steps recorded for the named stage, in order.
func (t *Turn) StageSteps(stage string) []Step {
	var out []Step
	for _, s := range t.Steps {
		if s.Stage == stage {
			out = append(out, s)
		}
	}
	return out
}
