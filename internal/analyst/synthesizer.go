package analyst

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"datanerd/internal/executor"
	"datanerd/internal/perception"
	"datanerd/internal/repair"
)

// sampleRows bounds how many result rows are embedded in the synthesis
// prompt; chartRows bounds the inline data attached to a chart spec.
const (
	sampleRows = 20
	chartRows  = 100
)

// Synthesizer turns a result set into an insight report. The narrative
// comes from the model; the chart specification and its inline data are
// derived from the executed rows so the visualization stays ground truth
// even when the prose is imperfect.
type Synthesizer struct {
	llm    perception.Client
	logger *zap.Logger
}

// NewSynthesizer creates the synthesis stage. A nil logger disables logging.
func NewSynthesizer(llm perception.Client, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{llm: llm, logger: logger}
}

// Synthesize builds the insight report for a successful execution.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, plan SQLPlan, res executor.Result) (Synthesis, error) {
	s.logger.Info("synthesizing result",
		zap.Int("rows", res.RowCount),
		zap.Int("columns", len(res.Columns)))

	preview := res.Rows
	if len(preview) > sampleRows {
		preview = preview[:sampleRows]
	}
	var data strings.Builder
	for _, row := range preview {
		data.WriteString("  {")
		for i, col := range res.Columns {
			if i > 0 {
				data.WriteString(", ")
			}
			var v any
			if i < len(row) {
				v = row[i]
			}
			fmt.Fprintf(&data, "%s: %v", col, v)
		}
		data.WriteString("}\n")
	}

	prompt := fmt.Sprintf(`You are a business intelligence analyst transforming query results into actionable insights.

TASK: Analyze the data and provide comprehensive business insights.

USER QUESTION: %s

QUERY EXPLANATION: %s

DATA SUMMARY:
- Total Rows: %d
- Columns: %s

DATA PREVIEW (first %d rows):
%s
REQUIREMENTS:
1. summary: write a 2-3 sentence executive summary of the key takeaway
2. key_findings: list 3-5 specific insights as bullet points (be specific with numbers/trends)
3. detailed_analysis: a detailed paragraph (4-6 sentences) analyzing patterns, trends, comparisons, or notable observations
4. recommendations: list 2-4 actionable business recommendations based on the data

BE SPECIFIC: use actual values from the data, not generic statements.

Return JSON with keys: summary (str), key_findings (list of str), detailed_analysis (str), recommendations (list of str)`,
		question, plan.Explanation, res.RowCount, strings.Join(res.Columns, ", "), len(preview), data.String())

	raw, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return Synthesis{}, fmt.Errorf("synthesizer: %w", err)
	}

	var syn Synthesis
	if err := repair.Decode(raw, &syn); err != nil {
		return Synthesis{}, fmt.Errorf("synthesizer: %w", err)
	}
	if syn.Summary == "" {
		return Synthesis{}, &FormatError{Field: "summary", Value: ""}
	}
	if syn.KeyFindings == nil {
		syn.KeyFindings = []string{}
	}
	if syn.Recommendations == nil {
		syn.Recommendations = []string{}
	}

	// The chart never trusts model-generated values.
	syn.Chart = BuildChart(res.Columns, res.Rows)

	s.logger.Info("synthesis complete",
		zap.Int("findings", len(syn.KeyFindings)),
		zap.Int("recommendations", len(syn.Recommendations)),
		zap.Bool("chart", syn.Chart != nil))
	return syn, nil
}

// FallbackSynthesis is the degraded report used when synthesis fails: a
// generic summary over the raw table, empty (never nil) lists, and a chart
// derived from the executed rows.
func FallbackSynthesis(res executor.Result) Synthesis {
	summary := fmt.Sprintf("The query returned %d rows across %d columns. See the result table for details.",
		res.RowCount, len(res.Columns))
	return Synthesis{
		Summary:          summary,
		KeyFindings:      []string{},
		DetailedAnalysis: "",
		Recommendations:  []string{},
		Chart:            BuildChart(res.Columns, res.Rows),
	}
}
