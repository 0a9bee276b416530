package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// Prompt is a fully assembled generation request. System carries the static,
// tenant-customizable instructions and is the only part providers may mark
// for caching; Context changes per request and is never cached.
type Prompt struct {
	Model       string
	System      string
	Context     string
	UserMessage string
	MaxTokens   int
	Temperature float64
}

// Completion is a finished generation with provider-reported accounting.
// When the provider exposes no usage metadata the counts are estimated and
// flagged as such.
type Completion struct {
	Text  string
	Model string
	Usage models.TokenUsage
}

// Provider is one language-model backend. Stream invokes onDelta for each
// response fragment in order; the returned Completion carries the full text
// and usage once the stream ends.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (*Completion, error)
	Stream(ctx context.Context, p Prompt, onDelta func(string) error) (*Completion, error)
}

var ErrProviderNotSupported = errors.New("provider not supported")

// ProviderError distinguishes transient provider failures, which the router
// retries once, from terminal ones such as content policy rejections.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
}

func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// estimateTokens is the fallback when a provider returns no usage metadata.
// Rough chars/4 heuristic; records built from it are flagged estimated.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

func userContent(p Prompt) string {
	if p.Context == "" {
		return p.UserMessage
	}
	return p.Context + "\n\n" + p.UserMessage
}
