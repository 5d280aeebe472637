package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// Name implements Provider.
func (o *OllamaProvider) Name() string { return "ollama" }

// Complete implements Provider.
func (o *OllamaProvider) Complete(ctx context.Context, r Request) (Completion, error) {
	options := map[string]any{"temperature": 0.1}
	if r.MaxTokens > 0 {
		options["num_predict"] = r.MaxTokens
	}
	body := map[string]any{
		"model":    o.Model,
		"messages": chatMessages(r),
		"stream":   false,
		"options":  options,
	}
	if r.Schema != nil {
		body["format"] = r.Schema
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(o.BaseURL, "/")+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return Completion{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Completion{}, fmt.Errorf("ollama API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Completion{}, fmt.Errorf("decoding response: %w", err)
	}

	return Completion{Text: result.Message.Content, TokensUsed: result.PromptEvalCount + result.EvalCount}, nil
}
