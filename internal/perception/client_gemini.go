package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const defaultSystemPrompt = "You are a data analytics assistant. Respond in English. Be concise. Ground answers only in provided data and schema; do not invent tables, columns, or values."

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	MaxOutputTokens  int
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:           apiKey,
		BaseURL:          "https://generativelanguage.googleapis.com/v1beta",
		Model:            "gemini-2.0-flash",
		Timeout:          2 * time.Minute,
		MaxOutputTokens:  8192,
		MaxRetries:       3,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  30 * time.Second,
	}
}

// GeminiClient implements Client over the Gemini generateContent HTTP API.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	maxRetries      int
	backoffBase     time.Duration
	backoffMax      time.Duration
	httpClient      *http.Client
	logger          *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a new Gemini client with default config.
func NewGeminiClient(apiKey string) *GeminiClient {
	return NewGeminiClientWithConfig(DefaultGeminiConfig(apiKey), nil)
}

// NewGeminiClientWithConfig creates a new Gemini client with custom config.
// A nil logger disables logging.
func NewGeminiClientWithConfig(config GeminiConfig, logger *zap.Logger) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = 8192
	}
	backoffBase := config.RetryBackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	backoffMax := config.RetryBackoffMax
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxRetries := config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &GeminiClient{
		apiKey:          config.APIKey,
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		model:           model,
		maxOutputTokens: maxOutputTokens,
		maxRetries:      maxRetries,
		backoffBase:     backoffBase,
		backoffMax:      backoffMax,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string { return c.model }

// geminiRequest mirrors the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Complete sends a prompt and returns the completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message. Transport-level
// failures (connection errors, 429, 5xx) are retried with exponential
// backoff up to the configured attempt budget; a 2xx body is returned as-is.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", &TransportError{Kind: TransportAuthFailure, Message: "API key not configured"}
	}

	// Auto-apply timeout if context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}

	// Rate spacing between consecutive requests.
	c.mu.Lock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: systemPrompt}},
		},
		GenerationConfig: geminiGenConfig{
			Temperature:     0.1, // low temperature for structured output
			MaxOutputTokens: c.maxOutputTokens,
		},
	}
	if requiresJSONOutput(systemPrompt, userPrompt) {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffBase
	bo.MaxInterval = c.backoffMax
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)

	start := time.Now()
	text, err := backoff.RetryWithData(func() (string, error) {
		return c.doRequest(ctx, url, jsonData)
	}, policy)
	if err != nil {
		c.logger.Warn("gemini call failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}

	c.logger.Debug("gemini call completed",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(userPrompt)),
		zap.Int("response_len", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return text, nil
}

// doRequest performs one HTTP round trip. Errors wrapped in
// backoff.Permanent are not retried by the caller's policy.
func (c *GeminiClient) doRequest(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(&TransportError{Kind: TransportUnavailable, Err: ctx.Err()})
		}
		return "", &TransportError{Kind: TransportUnavailable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Kind: TransportUnavailable, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &TransportError{Kind: TransportRateLimited, Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", backoff.Permanent(&TransportError{Kind: TransportAuthFailure, Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))})
	case resp.StatusCode >= 500:
		return "", &TransportError{Kind: TransportUnavailable, Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	case resp.StatusCode != http.StatusOK:
		return "", backoff.Permanent(&TransportError{Kind: TransportUnavailable, Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))})
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		// The HTTP layer succeeded but the API envelope is broken; retrying
		// an identical request will not help.
		return "", backoff.Permanent(&TransportError{Kind: TransportUnavailable, Err: fmt.Errorf("failed to parse response envelope: %w", err)})
	}
	if geminiResp.Error != nil {
		return "", backoff.Permanent(&TransportError{Kind: TransportUnavailable, Message: geminiResp.Error.Message})
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", backoff.Permanent(&TransportError{Kind: TransportUnavailable, Message: "no completion returned"})
	}

	var result strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		result.WriteString(part.Text)
	}
	return result.String(), nil
}

// requiresJSONOutput checks if the prompt demands a JSON body, so the
// response MIME type can be pinned for models that support it.
func requiresJSONOutput(systemPrompt, userPrompt string) bool {
	combined := systemPrompt + "\n" + userPrompt
	for _, marker := range []string{"Return JSON", "valid JSON", "application/json"} {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}
