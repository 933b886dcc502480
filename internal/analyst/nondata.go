package analyst

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"datanerd/internal/perception"
	"datanerd/internal/repair"
)

// FallbackAnswer is returned when the non-data stage cannot reach the model.
// A greeting must never fail a whole turn.
const FallbackAnswer = "I'm here to help you explore the data. Ask me about the tables in the database, or request an analysis like totals, trends, or top results."

// NonData answers questions that need no database access.
type NonData struct {
	llm    perception.Client
	logger *zap.Logger
}

// NewNonData creates the non-data stage. A nil logger disables logging.
func NewNonData(llm perception.Client, logger *zap.Logger) *NonData {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NonData{llm: llm, logger: logger}
}

const nonDataPrompt = `You are a helpful assistant for a business analytics platform.

The user has asked a question that doesn't require database access. Provide a friendly, helpful, and informative response.

User Message: %q
Interpreted intent: %s

Guidelines:
- For greetings: be warm and offer help
- For help requests: explain system capabilities (SQL analytics, data visualization)
- For general questions: provide accurate, concise information
- Be professional but friendly
- Keep answers clear and well-structured (2-4 sentences)

Provide:
1. answer: your complete response (2-4 sentences, helpful and friendly)
2. category: type of question ('greeting', 'help', 'general_knowledge', 'other')
3. rationale: brief note on how you interpreted the question

Return JSON with keys: answer, category, rationale`

// Answer produces a direct conversational response. On any failure the
// returned Answer still carries usable fallback text; the error is only for
// the caller's trace.
func (n *NonData) Answer(ctx context.Context, question, intent string) (Answer, error) {
	n.logger.Info("answering non-data question", zap.String("question", truncate(question, 100)))

	if intent == "" {
		intent = question
	}
	raw, err := n.llm.Complete(ctx, fmt.Sprintf(nonDataPrompt, question, intent))
	if err != nil {
		return fallback(), fmt.Errorf("non-data: %w", err)
	}

	var ans Answer
	if err := repair.Decode(raw, &ans); err != nil {
		return fallback(), fmt.Errorf("non-data: %w", err)
	}
	if ans.Text == "" {
		return fallback(), &FormatError{Field: "answer", Value: ""}
	}
	if ans.Category == "" {
		ans.Category = "other"
	}

	n.logger.Info("non-data response generated", zap.String("category", ans.Category))
	return ans, nil
}

func fallback() Answer {
	return Answer{Text: FallbackAnswer, Category: "other", Rationale: "fallback response"}
}
