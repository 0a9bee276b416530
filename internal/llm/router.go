// Package llm routes generation requests to the model backend selected by
// tenant tier and assembles the prompt from system instructions, retrieved
// context, and the user message.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// DefaultSystemPrompt is the generic assistant persona used when a tenant has
// not customized its instructions.
const DefaultSystemPrompt = "You are a helpful assistant for this website. " +
	"Answer questions using the provided knowledge base excerpts when they are relevant. " +
	"If the excerpts do not cover the question, say so briefly and answer from general knowledge. " +
	"Keep answers concise and friendly."

const retryBackoff = 500 * time.Millisecond

// TierModels is the operator-configurable tier to model mapping.
type TierModels struct {
	Free string
	Paid string
}

type RouterOptions struct {
	TierModels  TierModels
	MaxTokens   int
	Temperature float64
}

type Router struct {
	providers map[string]Provider
	opts      RouterOptions
	sleep     func(time.Duration)
	log       *logrus.Logger
}

func NewRouter(providers []Provider, opts RouterOptions, log *logrus.Logger) *Router {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Router{
		providers: byName,
		opts:      opts,
		sleep:     time.Sleep,
		log:       log,
	}
}

// ModelFor resolves the tenant's model: an explicit per-tenant selection wins,
// otherwise the configured tier default applies.
func (r *Router) ModelFor(tenant *models.Tenant) string {
	if tenant.Model != "" {
		return tenant.Model
	}
	switch tenant.Tier {
	case models.TierPaid:
		return r.opts.TierModels.Paid
	default:
		return r.opts.TierModels.Free
	}
}

// BuildPrompt assembles the generation prompt. "No context found" is a valid
// state: the context section is simply omitted.
func (r *Router) BuildPrompt(tenant *models.Tenant, chunks []models.ContextChunk, message string) Prompt {
	system := tenant.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	return Prompt{
		Model:       r.ModelFor(tenant),
		System:      system,
		Context:     formatContext(chunks),
		UserMessage: message,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	}
}

func formatContext(chunks []models.ContextChunk) string {
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Knowledge base excerpts:\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, chunk.Title, chunk.Text)
	}
	return b.String()
}

// Generate produces a complete response, retrying once with a short backoff
// when the provider failure is classified retryable.
func (r *Router) Generate(ctx context.Context, prompt Prompt) (*Completion, error) {
	return r.withRetry(ctx, prompt, func(p Provider) (*Completion, error) {
		return p.Complete(ctx, prompt)
	})
}

// GenerateStream produces the response as an ordered sequence of fragments.
// A retry is only attempted if no fragment has been delivered yet; once bytes
// reach the caller the stream is not restartable.
func (r *Router) GenerateStream(ctx context.Context, prompt Prompt, onDelta func(string) error) (*Completion, error) {
	delivered := false
	wrapped := func(delta string) error {
		delivered = true
		return onDelta(delta)
	}

	return r.withRetry(ctx, prompt, func(p Provider) (*Completion, error) {
		c, err := p.Stream(ctx, prompt, wrapped)
		if err != nil && delivered {
			if perr, ok := err.(*ProviderError); ok {
				perr.Retryable = false
			}
		}
		return c, err
	})
}

func (r *Router) withRetry(ctx context.Context, prompt Prompt, call func(Provider) (*Completion, error)) (*Completion, error) {
	provider, err := r.providerFor(prompt.Model)
	if err != nil {
		return nil, err
	}

	completion, err := call(provider)
	if err == nil {
		return completion, nil
	}

	perr, ok := err.(*ProviderError)
	if !ok || !perr.Retryable {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"provider": provider.Name(),
		"model":    prompt.Model,
		"error":    err,
	}).Warn("retryable provider error, retrying once")

	r.sleep(retryBackoff)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return call(provider)
}

// providerFor maps a model identifier to its backend. Claude models go to
// Anthropic, everything else to OpenAI.
func (r *Router) providerFor(model string) (Provider, error) {
	name := "openai"
	if strings.HasPrefix(model, "claude") {
		name = "anthropic"
	}

	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no %s provider configured for model %q", ErrProviderNotSupported, name, model)
	}
	return provider, nil
}
