package model

import "strings"

// ProviderType selects the upstream API wire format.
type ProviderType string

const (
	// ProviderOpenAI is any OpenAI-compatible chat/completions endpoint.
	ProviderOpenAI ProviderType = "openai"
	// ProviderGemini is Google's generateContent endpoint.
	ProviderGemini ProviderType = "gemini"
	// ProviderClaude is Anthropic's messages endpoint.
	ProviderClaude ProviderType = "claude"
)

// ParseProvider normalizes a provider name, falling back to openai.
func ParseProvider(s string) ProviderType {
	switch ProviderType(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGemini:
		return ProviderGemini
	case ProviderClaude:
		return ProviderClaude
	default:
		return ProviderOpenAI
	}
}

// Question is one gradable quiz question as discovered on a course page.
// It is recomputed from the page and the store on every use; nothing
// holds an authoritative copy.
type Question struct {
	ID     string   // stable per page position, e.g. "naq:input:ch3-2"
	Text   string   // question text
	Answer string   // reference answer, may be empty
	Inputs []string // student input values, one per blank, in order
}

// HasInput reports whether any blank has a non-empty value.
func (q Question) HasInput() bool {
	for _, v := range q.Inputs {
		if v != "" {
			return true
		}
	}
	return false
}

// JoinedInputs joins the input values in the snapshot/fingerprint format.
func (q Question) JoinedInputs() string {
	return strings.Join(q.Inputs, "|")
}

// Section is a run of questions bounded by page headings.
type Section struct {
	Title     string
	Questions []Question
}

// ChatMessage is the normalized chat wire format shared by the grading
// client and the proxy.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized gateway request body.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// APIConfig holds the model endpoint configuration. With no
// user-supplied endpoint and key the default gateway plus invite code
// is used instead.
type APIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Provider   ProviderType
	Invite     string
	SendAnswer bool // include reference answers in grading prompts
}

// Default gateway used when the student has not configured an API.
const (
	DefaultGatewayURL = "https://blog-proxy.yangjt22.workers.dev"
	DefaultModel      = "glm-4.5-air:free"
)

// DefaultAPIConfig returns the fallback configuration.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:    DefaultGatewayURL,
		Model:      DefaultModel,
		Provider:   ProviderOpenAI,
		SendAnswer: true,
	}
}
