package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider calls the Gemini generateContent API.
type GeminiProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// Name implements Provider.
func (g *GeminiProvider) Name() string { return "gemini" }

// Complete implements Provider.
func (g *GeminiProvider) Complete(ctx context.Context, r Request) (Completion, error) {
	if g.APIKey == "" {
		return Completion{}, fmt.Errorf("gemini API key not configured")
	}

	genConfig := map[string]any{
		"temperature": 0.1,
	}
	if r.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = r.MaxTokens
	}
	if r.Schema != nil {
		genConfig["responseMimeType"] = "application/json"
		genConfig["responseSchema"] = r.Schema
	}
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": r.User}}},
		},
		"generationConfig": genConfig,
	}
	if r.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": r.System}},
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("marshaling request: %w", err)
	}

	// The key travels in a header; transport errors quote the URL.
	endpoint := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimRight(g.BaseURL, "/"), url.PathEscape(g.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Completion{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Completion{}, fmt.Errorf("gemini API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Completion{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Candidates) == 0 {
		return Completion{}, fmt.Errorf("no candidates in gemini response")
	}

	var text strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	out := Completion{Text: text.String()}
	if u := result.UsageMetadata; u != nil {
		out.TokensUsed = u.PromptTokenCount + u.CandidatesTokenCount
	}
	return out, nil
}
