// Package provider builds upstream requests and parses upstream
// responses for each supported API wire format. The grading client and
// the proxy share these shapes.
package provider

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wxkj99/na-quiz/internal/model"
)

// AnthropicVersion is the required Claude API version header value.
const AnthropicVersion = "2023-06-01"

// ClaudeMinMaxTokens is the floor enforced on Claude's mandatory
// max_tokens field.
const ClaudeMinMaxTokens = 4096

// Request is a ready-to-send upstream HTTP request.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// geminiPart and friends are Gemini's generateContent shapes.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// claudeRequest is Anthropic's /messages request shape.
type claudeRequest struct {
	Model     string              `json:"model"`
	Messages  []model.ChatMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// openaiRequest is the OpenAI-compatible chat/completions shape, which
// is also the normalized wire contract.
type openaiRequest struct {
	Model     string              `json:"model"`
	Messages  []model.ChatMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// OpenAIResponse is the normalized response shape.
type OpenAIResponse struct {
	Choices []struct {
		Message model.ChatMessage `json:"message"`
	} `json:"choices"`
}

// NormalizeText wraps plain assistant text into the normalized
// openai-compatible response shape.
func NormalizeText(text string) ([]byte, error) {
	resp := map[string]any{
		"choices": []any{
			map[string]any{
				"message": model.ChatMessage{Role: "assistant", Content: text},
			},
		},
	}
	return json.Marshal(resp)
}

// BuildRequest constructs the upstream request for cfg's provider type.
// maxTokens caps generation where the format supports it; 0 means the
// format default. Claude always sends max_tokens, never below the floor.
func BuildRequest(cfg model.APIConfig, messages []model.ChatMessage, maxTokens int) (*Request, error) {
	switch cfg.Provider {
	case model.ProviderGemini:
		return buildGemini(cfg, messages)
	case model.ProviderClaude:
		return buildClaude(cfg, messages, maxTokens)
	default:
		return buildOpenAI(cfg, messages, maxTokens)
	}
}

func buildOpenAI(cfg model.APIConfig, messages []model.ChatMessage, maxTokens int) (*Request, error) {
	body, err := json.Marshal(openaiRequest{
		Model:     cfg.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode openai request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Invite != "" {
		header.Set("X-Invite", cfg.Invite)
	}
	return &Request{
		URL:    cfg.BaseURL + "/chat/completions",
		Header: header,
		Body:   body,
	}, nil
}

func buildGemini(cfg model.APIConfig, messages []model.ChatMessage) (*Request, error) {
	contents := make([]geminiContent, len(messages))
	for i, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents[i] = geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}}
	}
	body, err := json.Marshal(geminiRequest{Contents: contents})
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Request{
		URL:    fmt.Sprintf("%s/models/%s:generateContent?key=%s", cfg.BaseURL, cfg.Model, cfg.APIKey),
		Header: header,
		Body:   body,
	}, nil
}

func buildClaude(cfg model.APIConfig, messages []model.ChatMessage, maxTokens int) (*Request, error) {
	if maxTokens < ClaudeMinMaxTokens {
		maxTokens = ClaudeMinMaxTokens
	}
	body, err := json.Marshal(claudeRequest{
		Model:     cfg.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode claude request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", AnthropicVersion)
	return &Request{
		URL:    cfg.BaseURL + "/messages",
		Header: header,
		Body:   body,
	}, nil
}

// ParseText extracts the single assistant message's text from a
// successful upstream response body of the given provider type.
func ParseText(p model.ProviderType, body []byte) (string, error) {
	switch p {
	case model.ProviderGemini:
		var resp geminiResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode gemini response: %w", err)
		}
		if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
			return "", nil
		}
		return resp.Candidates[0].Content.Parts[0].Text, nil
	case model.ProviderClaude:
		var resp claudeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode claude response: %w", err)
		}
		if len(resp.Content) == 0 {
			return "", nil
		}
		return resp.Content[0].Text, nil
	default:
		var resp OpenAIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode openai response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	}
}
