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

const openAIChatCompletionURL = "https://api.openai.com/v1/chat/completions"

type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    openAIChatCompletionURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u openAIUsage) toModel() models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.PromptTokensDetails.CachedTokens,
	}
}

func (p *OpenAIProvider) request(prompt Prompt, stream bool) map[string]interface{} {
	// OpenAI caches long shared prefixes implicitly, so there is no explicit
	// cache marker to set.
	body := map[string]interface{}{
		"model": prompt.Model,
		"messages": []openAIMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: userContent(prompt)},
		},
		"max_tokens":  prompt.MaxTokens,
		"temperature": prompt.Temperature,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]bool{"include_usage": true}
	}
	return body
}

func (p *OpenAIProvider) do(ctx context.Context, payload map[string]interface{}) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

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

func (p *OpenAIProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	resp, err := p.do(ctx, p.request(prompt, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Model   string `json:"model"`
		Choices []struct {
			Message openAIMessage `json:"message"`
		} `json:"choices"`
		Usage openAIUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "malformed response: " + err.Error(), Retryable: true}
	}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Message: "empty choices", Retryable: true}
	}

	completion := &Completion{
		Text:  result.Choices[0].Message.Content,
		Model: result.Model,
		Usage: result.Usage.toModel(),
	}
	fillEstimate(completion, prompt)
	return completion, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, prompt Prompt, onDelta func(string) error) (*Completion, error) {
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
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}

		var chunk struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *openAIUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Model != "" {
			completion.Model = chunk.Model
		}
		if chunk.Usage != nil {
			completion.Usage = chunk.Usage.toModel()
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			if err := onDelta(chunk.Choices[0].Delta.Content); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Message: "stream interrupted: " + err.Error(), Retryable: true}
	}

	completion.Text = full.String()
	fillEstimate(completion, prompt)
	return completion, nil
}

// fillEstimate backfills token counts when the provider reported none.
func fillEstimate(c *Completion, prompt Prompt) {
	if c.Usage.PromptTokens > 0 || c.Usage.CompletionTokens > 0 {
		return
	}
	c.Usage = models.TokenUsage{
		PromptTokens:     estimateTokens(prompt.System + userContent(prompt)),
		CompletionTokens: estimateTokens(c.Text),
		Estimated:        true,
	}
}
