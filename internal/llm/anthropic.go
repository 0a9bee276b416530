package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

const (
	anthropicMessagesURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion     = "2023-06-01"
)

type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:     apiKey,
		baseURL:    anthropicMessagesURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toModel() models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.CacheReadInputTokens,
	}
}

func (p *AnthropicProvider) request(prompt Prompt, stream bool) map[string]interface{} {
	// The static system instructions carry an ephemeral cache_control marker
	// so repeated requests from the same tenant amortize prompt cost. The
	// retrieved context varies per request and goes with the user turn.
	body := map[string]interface{}{
		"model":       prompt.Model,
		"max_tokens":  prompt.MaxTokens,
		"temperature": prompt.Temperature,
		"system": []map[string]interface{}{
			{
				"type":          "text",
				"text":          prompt.System,
				"cache_control": map[string]string{"type": "ephemeral"},
			},
		},
		"messages": []map[string]interface{}{
			{"role": "user", "content": userContent(prompt)},
		},
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (p *AnthropicProvider) do(ctx context.Context, payload map[string]interface{}) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ProviderError{
			Provider:  p.Name(),
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(body)),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	return resp, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	resp, err := p.do(ctx, p.request(prompt, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage anthropicUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "malformed response: " + err.Error(), Retryable: true}
	}

	var full strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			full.WriteString(block.Text)
		}
	}

	completion := &Completion{
		Text:  full.String(),
		Model: result.Model,
		Usage: result.Usage.toModel(),
	}
	fillEstimate(completion, prompt)
	return completion, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, prompt Prompt, onDelta func(string) error) (*Completion, error) {
	resp, err := p.do(ctx, p.request(prompt, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	completion := &Completion{Model: prompt.Model}
	var full strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Message struct {
				Model string         `json:"model"`
				Usage anthropicUsage `json:"usage"`
			} `json:"message"`
			Usage *anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			completion.Model = event.Message.Model
			completion.Usage = event.Message.Usage.toModel()
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				full.WriteString(event.Delta.Text)
				if err := onDelta(event.Delta.Text); err != nil {
					return nil, err
				}
			}
		case "message_delta":
			if event.Usage != nil {
				completion.Usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "error":
			return nil, &ProviderError{Provider: p.Name(), Message: "stream error event", Retryable: true}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "stream interrupted: " + err.Error(), Retryable: true}
	}

	completion.Text = full.String()
	fillEstimate(completion, prompt)
	return completion, nil
}
