package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedReply is returned when the model reply carries no usable
// decision.
var ErrMalformedReply = errors.New("malformed classifier reply")

// Decision is the classifier's verdict on one item.
type Decision struct {
	Matches    bool
	Rationale  string
	TokensUsed int
}

var decisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"result":   map[string]any{"type": "boolean"},
		"thinking": map[string]any{"type": "string"},
	},
	"required": []string{"result", "thinking"},
}

// Classifier asks a provider whether an item matches a task prompt.
type Classifier struct {
	provider  Provider
	maxTokens int
}

// NewClassifier wraps a provider.
func NewClassifier(p Provider, maxTokens int) *Classifier {
	return &Classifier{provider: p, maxTokens: maxTokens}
}

// Classify judges title and body against the instruction.
func (c *Classifier) Classify(ctx context.Context, title, body, instruction string) (Decision, error) {
	out, err := c.provider.Complete(ctx, Request{
		System:    systemInstruction(instruction),
		User:      fmt.Sprintf("Title: %s\n\nContent: %s", title, body),
		MaxTokens: c.maxTokens,
		Schema:    decisionSchema,
	})
	if err != nil {
		return Decision{}, err
	}

	parsed := ParseJSONResponse(out.Text)
	if parsed == nil {
		return Decision{}, fmt.Errorf("%w: not JSON: %.200q", ErrMalformedReply, out.Text)
	}
	matches, ok := parsed["result"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("%w: missing boolean result", ErrMalformedReply)
	}
	thinking, _ := parsed["thinking"].(string)

	return Decision{Matches: matches, Rationale: strings.TrimSpace(thinking), TokensUsed: out.TokensUsed}, nil
}

func systemInstruction(prompt string) string {
	return "You are a news filter assistant. " +
		"Your task is to analyze news articles and determine " +
		"if they match the following criteria:\n\n" + prompt + "\n\n" +
		"Return a JSON object with:\n" +
		"- 'result': true if the news matches the criteria, false otherwise\n" +
		"- 'thinking': brief explanation of your decision"
}
