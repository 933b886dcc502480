package analyst

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"datanerd/internal/perception"
	"datanerd/internal/repair"
)

// Router classifies a question as needing database access or not.
type Router struct {
	llm    perception.Client
	logger *zap.Logger
}

// NewRouter creates a router stage. A nil logger disables logging.
func NewRouter(llm perception.Client, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{llm: llm, logger: logger}
}

const routerPrompt = `You are an intelligent query router for a data analytics system.

Analyze the user's message and determine if it:
- Requires DATABASE ACCESS (route='data'): questions about business entities, metrics, trends, or anything answerable from the relational data
- Can be answered DIRECTLY (route='non_data'): greetings, general questions, system help, or topics unrelated to the database

User Message: %q

Provide:
1. route: 'data' or 'non_data'
2. confidence: 'high', 'medium', or 'low'
3. rationale: brief explanation (1-2 sentences) of why you chose this route
4. user_intent: one-sentence summary of what the user wants to know

Return JSON with keys: route, confidence, rationale, user_intent`

// Route asks the model to classify the question. A route value outside
// {data, non_data} is a format error, never a silent default.
func (r *Router) Route(ctx context.Context, question string) (RouteDecision, error) {
	r.logger.Info("routing question", zap.String("question", truncate(question, 100)))

	raw, err := r.llm.Complete(ctx, fmt.Sprintf(routerPrompt, question))
	if err != nil {
		return RouteDecision{}, fmt.Errorf("router: %w", err)
	}

	var dec RouteDecision
	if err := repair.Decode(raw, &dec); err != nil {
		return RouteDecision{}, fmt.Errorf("router: %w", err)
	}

	// Tolerate the spelling variant, nothing more.
	dec.Route = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(dec.Route)), "-", "_")
	if dec.Route != RouteData && dec.Route != RouteNonData {
		return RouteDecision{}, &FormatError{Field: "route", Value: dec.Route}
	}
	dec.Confidence = normalizeConfidence(dec.Confidence)
	if dec.UserIntent == "" {
		dec.UserIntent = question
	}

	r.logger.Info("routing decision",
		zap.String("route", dec.Route),
		zap.String("confidence", dec.Confidence),
		zap.String("intent", truncate(dec.UserIntent, 80)))
	return dec, nil
}
