package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request is a single chat-style completion request.
type Request struct {
	System    string
	User      string
	MaxTokens int
	// Schema, when set, asks the provider to constrain the reply to JSON
	// matching this object schema.
	Schema map[string]any
}

// Completion is a provider reply.
type Completion struct {
	Text       string
	TokensUsed int
}

// Provider is the interface for LLM providers.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
	Name() string
}

// Settings selects and tunes a provider.
type Settings struct {
	Provider    string
	Model       string
	OllamaURL   string
	OpenAIModel string
	MaxTokens   int
	Timeout     time.Duration
}

// NewProvider builds the configured provider for a credential.
// Ollama runs locally and ignores the key.
func NewProvider(s Settings, apiKey string) (Provider, error) {
	client := &http.Client{Timeout: s.Timeout}
	if s.Timeout == 0 {
		client.Timeout = 120 * time.Second
	}
	switch strings.ToLower(s.Provider) {
	case "", "gemini":
		return &GeminiProvider{Model: s.Model, APIKey: apiKey, BaseURL: geminiBaseURL, client: client}, nil
	case "openai":
		return &OpenAIProvider{Model: s.OpenAIModel, APIKey: apiKey, BaseURL: openAIBaseURL, client: client}, nil
	case "ollama":
		return &OllamaProvider{Model: s.Model, BaseURL: s.OllamaURL, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", s.Provider)
	}
}

// NewClassifierFactory returns a constructor that builds a Classifier
// bound to the given credential.
func NewClassifierFactory(s Settings) func(apiKey string) (*Classifier, error) {
	return func(apiKey string) (*Classifier, error) {
		p, err := NewProvider(s, apiKey)
		if err != nil {
			return nil, err
		}
		return NewClassifier(p, s.MaxTokens), nil
	}
}
