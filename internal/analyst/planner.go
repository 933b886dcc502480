package analyst

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"datanerd/internal/catalog"
	"datanerd/internal/perception"
	"datanerd/internal/repair"
)

// Planner turns a question into a candidate SQL query grounded in the
// schema catalog. Plans referencing undeclared tables or columns never
// leave this stage: they come back as a catalog.ViolationError for the
// orchestrator to feed into the next attempt.
type Planner struct {
	llm    perception.Client
	cat    *catalog.Catalog
	logger *zap.Logger
}

// NewPlanner creates a planner stage. A nil logger disables logging.
func NewPlanner(llm perception.Client, cat *catalog.Catalog, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{llm: llm, cat: cat, logger: logger}
}

const plannerRules = `You are an expert SQL query planner for a business analytics database (SQLite).

CRITICAL RULES (MUST FOLLOW):
1. Use ONLY tables and columns that exist in the schema below
2. Verify every column name against the schema - NO guessing or hallucination
3. Use proper JOIN relationships based on the declared key columns
4. Write efficient, optimized SQLite queries
5. Add helpful column aliases for readability
6. Use appropriate aggregations (SUM, COUNT, AVG) for metrics
7. Add ORDER BY and LIMIT clauses when showing top/bottom results
8. Do NOT include semicolons (;) at the end of SQL queries
9. If you define a table alias, use that exact alias in all column references
`

// Plan generates a SQL plan for the question. When correction is non-nil
// this is a retry: the prompt embeds the failed SQL and the exact error so
// the model can fix it. The attempt number is carried on the returned plan.
func (p *Planner) Plan(ctx context.Context, question string, correction *Correction, attempt int) (SQLPlan, error) {
	p.logger.Info("planning SQL",
		zap.String("question", truncate(question, 150)),
		zap.Int("attempt", attempt),
		zap.Bool("correction", correction != nil))

	var b strings.Builder
	b.WriteString(plannerRules)
	b.WriteString("\nDATABASE SCHEMA:\n")
	b.WriteString(p.cat.PromptText())
	if correction != nil {
		fmt.Fprintf(&b, "\nThe previous SQL failed with error: %s\n\nPrevious SQL:\n%s\n\nFix the SQL to use only valid tables and columns from the schema.\n",
			correction.Error, correction.SQL)
	}
	fmt.Fprintf(&b, "\nUSER QUESTION: %s\n\n", question)
	b.WriteString(`Generate a response with:
1. sql: complete SQLite query
2. explanation: business-friendly explanation of what the query does (2-3 sentences)
3. tables_used: array of table names used in the query
4. key_metrics: array of key metrics/columns being analyzed
5. confidence: 'high', 'medium', or 'low' based on schema match

Return JSON with keys: sql, explanation, tables_used (list), key_metrics (list), confidence`)

	raw, err := p.llm.Complete(ctx, b.String())
	if err != nil {
		return SQLPlan{Attempt: attempt}, fmt.Errorf("planner: %w", err)
	}

	var plan SQLPlan
	if err := repair.Decode(raw, &plan); err != nil {
		return SQLPlan{Attempt: attempt}, fmt.Errorf("planner: %w", err)
	}
	plan.Attempt = attempt
	plan.SQL = strings.TrimRight(strings.TrimSpace(plan.SQL), ";")
	plan.Confidence = normalizeConfidence(plan.Confidence)
	if strings.TrimSpace(plan.SQL) == "" {
		return plan, &FormatError{Field: "sql", Value: plan.SQL}
	}
	if plan.TablesUsed == nil {
		plan.TablesUsed = []string{}
	}
	if plan.KeyMetrics == nil {
		plan.KeyMetrics = []string{}
	}

	// Hallucinated structures are caught here, before the executor ever
	// sees the query.
	if err := p.cat.Validate(plan.TablesUsed, plan.KeyMetrics); err != nil {
		p.logger.Warn("plan references undeclared schema",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return plan, fmt.Errorf("planner: %w", err)
	}

	p.logger.Info("SQL plan generated",
		zap.Strings("tables", plan.TablesUsed),
		zap.Strings("metrics", plan.KeyMetrics),
		zap.String("confidence", plan.Confidence))
	p.logger.Debug("generated SQL", zap.String("sql", plan.SQL))
	return plan, nil
}
