// Package ai calls an OpenAI-compatible chat completion endpoint to draft
// automated replies. The returned token cost feeds the quota ledger.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crm-wa/internal/metrics"
)

var (
	// ErrUnauthorized indicates the provider rejected the API key.
	ErrUnauthorized = errors.New("ai: invalid credential")
	// ErrOverloaded indicates the provider is rate limiting or saturated.
	ErrOverloaded = errors.New("ai: provider overloaded")
	// ErrEmptyCompletion indicates the provider returned no usable choice.
	ErrEmptyCompletion = errors.New("ai: empty completion")
)

// Config holds completion client configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client provides typed access to the completion API.
type Client struct {
	logger  *slog.Logger
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a completion client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Client{
		logger:  logger.With("component", "ai"),
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: m,
	}
}

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is a drafted reply with its billed token cost.
type Result struct {
	Text      string
	TokenCost int64
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete drafts a reply for the conversation history. The system prompt
// goes first; history must already be ordered oldest to newest. An
// overloaded provider is retried once after a short pause.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []Message) (*Result, error) {
	result, err := c.complete(ctx, systemPrompt, history)
	if err != nil && errors.Is(err, ErrOverloaded) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, err
		}
		c.logger.Info("retrying overloaded completion")
		return c.complete(ctx, systemPrompt, history)
	}
	return result, err
}

func (c *Client) complete(ctx context.Context, systemPrompt string, history []Message) (*Result, error) {
	messages := make([]Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)

	payload, err := json.Marshal(completionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		c.observe("error", start)
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.observe(fmt.Sprintf("%d", res.StatusCode), start)

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, snippet(body))
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d %s", ErrOverloaded, res.StatusCode, snippet(body))
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("ai error: status=%d body=%s", res.StatusCode, snippet(body))
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("ai error: %s (%s)", decoded.Error.Message, decoded.Error.Type)
	}
	if len(decoded.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	text := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if text == "" {
		return nil, ErrEmptyCompletion
	}

	cost := decoded.Usage.TotalTokens
	if cost == 0 {
		cost = decoded.Usage.PromptTokens + decoded.Usage.CompletionTokens
	}
	if cost == 0 {
		// Providers that omit usage still consume quota; bill a coarse
		// estimate from the text lengths instead of zero.
		cost = estimateTokens(messages, text)
	}
	return &Result{Text: text, TokenCost: cost}, nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.AIRequests.WithLabelValues(status).Inc()
	c.metrics.AILatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// estimateTokens approximates four characters per token.
func estimateTokens(messages []Message, reply string) int64 {
	total := len(reply)
	for _, m := range messages {
		total += len(m.Content)
	}
	est := int64(total / 4)
	if est == 0 {
		est = 1
	}
	return est
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
