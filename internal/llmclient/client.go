// Package llmclient implements an OpenAI-compatible chat-completions
// client over raw net/http JSON, retried with the same
// exponential-backoff library used elsewhere in this module.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
)

const defaultModel = "gpt-4o-mini"

// Client implements interfaces.LLMClient against an OpenAI-compatible
// /chat/completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	backoff    time.Duration
	logger     *common.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a chat-completions client against baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: 3,
		backoff:    time.Second,
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model     string            `json:"model"`
	Messages  []chatRequestMsg  `json:"messages"`
	MaxTokens int               `json:"max_tokens,omitempty"`
}

type chatRequestMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends a chat-completions request, retrying transient and
// rate-limited failures with exponential backoff.
func (c *Client) Complete(ctx context.Context, model string, messages []interfaces.ChatMessage, maxOutputTokens int) (*interfaces.ChatResult, error) {
	if model == "" {
		model = defaultModel
	}

	reqMessages := make([]chatRequestMsg, len(messages))
	for i, m := range messages {
		reqMessages[i] = chatRequestMsg{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(chatRequest{Model: model, Messages: reqMessages, MaxTokens: maxOutputTokens})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	var result *interfaces.ChatResult
	operation := func() error {
		res, err := c.doRequest(ctx, body)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.backoff)), uint64(c.maxRetries))
	notify := func(err error, d time.Duration) {
		c.logger.Warn().Err(err).Dur("backoff", d).Msg("llm request retrying")
	}

	permanent := false
	wrapped := func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errs.Classify(err) == errs.KindPermanent {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.RetryNotify(wrapped, backoff.WithContext(bo, ctx), notify); err != nil {
		if permanent {
			return nil, err
		}
		return nil, fmt.Errorf("llm request failed after retries: %w", err)
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) (*interfaces.ChatResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	return &interfaces.ChatResult{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}, nil
}

var _ interfaces.LLMClient = (*Client)(nil)
