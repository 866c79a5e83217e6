// Package gateway is the client side of the model gateway: it sends a
// normalized chat request to the configured provider (directly or via
// the relay proxy) and returns the generated text.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/provider"
)

const defaultTimeout = 120 * time.Second

// pingMaxTokens caps the connectivity probe's generation.
const pingMaxTokens = 5

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// StatusOf extracts the HTTP status carried by err, or 0 when err has
// no status (transport failure, cancellation).
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var ae *openai.APIError
	if errors.As(err, &ae) {
		return ae.HTTPStatusCode
	}
	var re *openai.RequestError
	if errors.As(err, &re) {
		return re.HTTPStatusCode
	}
	return 0
}

// Client dispatches chat requests per the configured provider type.
type Client struct {
	cfg  model.APIConfig
	http *http.Client
	api  *openai.Client
}

// New creates a gateway client for cfg.
func New(cfg model.APIConfig) *Client {
	httpClient := &http.Client{Timeout: defaultTimeout}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{
		Timeout:   defaultTimeout,
		Transport: &inviteTransport{invite: cfg.Invite},
	}

	return &Client{
		cfg:  cfg,
		http: httpClient,
		api:  openai.NewClientWithConfig(oc),
	}
}

// inviteTransport adds the invite header the default gateway requires.
type inviteTransport struct {
	invite string
}

func (t *inviteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.invite != "" {
		req.Header.Set("X-Invite", t.invite)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// Complete sends messages and returns the assistant's text.
func (c *Client) Complete(ctx context.Context, messages []model.ChatMessage) (string, error) {
	return c.complete(ctx, messages, 0)
}

// Ping verifies connectivity with a tiny one-message request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.complete(ctx, []model.ChatMessage{{Role: "user", Content: "hi"}}, pingMaxTokens)
	return err
}

func (c *Client) complete(ctx context.Context, messages []model.ChatMessage, maxTokens int) (string, error) {
	if c.cfg.Provider == model.ProviderOpenAI {
		return c.completeOpenAI(ctx, messages, maxTokens)
	}
	return c.completeRaw(ctx, messages, maxTokens)
}

func (c *Client) completeOpenAI(ctx context.Context, messages []model.ChatMessage, maxTokens int) (string, error) {
	chatMsgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		chatMsgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  chatMsgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) completeRaw(ctx context.Context, messages []model.ChatMessage, maxTokens int) (string, error) {
	req, err := provider.BuildRequest(c.cfg, messages, maxTokens)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = req.Header

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	text, err := provider.ParseText(c.cfg.Provider, body)
	if err != nil {
		return "", err
	}
	slog.Debug("gateway response", "provider", c.cfg.Provider, "chars", len(text))
	return text, nil
}
