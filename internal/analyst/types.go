// Package analyst holds the reasoning stages that wrap LLM calls: routing,
// SQL planning, direct (non-data) answering, and insight synthesis. Every
// structured model response passes through the repair package before any
// field is read.
package analyst

import (
	"fmt"
	"strings"
)

// Routes a question can take.
const (
	RouteData    = "data"
	RouteNonData = "non_data"
)

// Confidence levels reported by stages.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// FormatError reports a parsed response whose field carries a value outside
// its allowed set. Unlike a repair failure the text was valid JSON; the
// model just filled it in wrong.
type FormatError struct {
	Field string
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("structured response field %q has invalid value %q", e.Field, e.Value)
}

// RouteDecision is the router's verdict on a question.
type RouteDecision struct {
	Route      string `json:"route"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
	UserIntent string `json:"user_intent"`
}

// SQLPlan is a candidate query with the planner's own account of it.
type SQLPlan struct {
	SQL         string   `json:"sql"`
	Explanation string   `json:"explanation"`
	TablesUsed  []string `json:"tables_used"`
	KeyMetrics  []string `json:"key_metrics"`
	Confidence  string   `json:"confidence"`
	Attempt     int      `json:"-"`
}

// Correction carries the previous attempt's SQL and failure detail into the
// next planning call. Attempt state is threaded as a value, never shared.
type Correction struct {
	SQL   string
	Error string
}

// Answer is the non-data stage's direct response.
type Answer struct {
	Text      string `json:"answer"`
	Category  string `json:"category"`
	Rationale string `json:"rationale"`
}

// ChartSpec is a declarative visualization: a mark, field-to-channel
// encodings, and inline data rows taken from the executed result.
type ChartSpec struct {
	Mark   string           `json:"mark"`
	XField string           `json:"x_field"`
	XType  string           `json:"x_type"`
	YField string           `json:"y_field"`
	YType  string           `json:"y_type"`
	Data   []map[string]any `json:"data"`
}

// Synthesis is the insight report built from a result set.
type Synthesis struct {
	Summary          string     `json:"summary"`
	KeyFindings      []string   `json:"key_findings"`
	DetailedAnalysis string     `json:"detailed_analysis"`
	Recommendations  []string   `json:"recommendations"`
	Chart            *ChartSpec `json:"chart,omitempty"`
}

// normalizeConfidence maps free-form confidence text onto the three levels,
// defaulting to medium.
func normalizeConfidence(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// truncate shortens s for log and trace summaries.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
