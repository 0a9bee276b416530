// Package pipeline orchestrates one widget chat request through its stages:
// validate, authenticate, authorize origin, check quota, retrieve context,
// generate, respond. Usage recording is detached from the response path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/auth"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/llm"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/origin"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/quota"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/retrieval"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/usage"
)

const (
	maxMessageLength = 2000
	freeTierQuotaMsg = "Hourly message limit reached. Upgrade your plan for a higher limit."
	paidTierQuotaMsg = "Hourly message limit reached (hard cap). The limit resets in %d minutes."
)

var sessionIDPattern = regexp.MustCompile(`^[a-f0-9-]{36}$`)

// Request is one inbound chat message with its transport-level credentials.
type Request struct {
	APIKey    string
	Origin    string
	Message   string
	SessionID string
	Metadata  map[string]string
}

// Reply is the pipeline's answer plus the flags the transport and logs need.
type Reply struct {
	Text      string
	Sources   []models.Source
	SessionID string
	TraceID   string
	Model     string
	Usage     models.TokenUsage

	AllowOrigin     string
	Overage         bool
	ContextDegraded bool
	QuotaDegraded   bool
}

type Pipeline struct {
	resolver *auth.Resolver
	limiter  *quota.Limiter
	searcher *retrieval.Searcher
	router   *llm.Router
	recorder *usage.Recorder
	timeout  time.Duration
	log      *logrus.Logger
	now      func() time.Time
}

func New(resolver *auth.Resolver, limiter *quota.Limiter, searcher *retrieval.Searcher, router *llm.Router, recorder *usage.Recorder, timeout time.Duration, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		limiter:  limiter,
		searcher: searcher,
		router:   router,
		recorder: recorder,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// prepared is the state after the policy stages have all passed.
type prepared struct {
	tenant  *models.Tenant
	prompt  llm.Prompt
	reply   *Reply
	started time.Time
}

// Handle runs a single-shot request end to end.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Reply, *Error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prep, perr := p.prepare(ctx, req)
	if perr != nil {
		return nil, perr
	}

	completion, err := p.router.Generate(ctx, prep.prompt)
	if err != nil {
		return nil, p.generationError(err, prep)
	}

	p.finish(prep, req, completion)
	return prep.reply, nil
}

// StreamSink receives a streaming response. Started fires once after the
// policy stages pass, before any fragment; Fragment delivers response text in
// order. The pipeline does not know or care how the transport frames either.
type StreamSink interface {
	Started(reply *Reply) error
	Fragment(text string) error
}

// HandleStream runs a streaming request. The returned Reply carries the
// assembled text and accounting once the stream has ended.
func (p *Pipeline) HandleStream(ctx context.Context, req Request, sink StreamSink) (*Reply, *Error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prep, perr := p.prepare(ctx, req)
	if perr != nil {
		return nil, perr
	}

	if err := sink.Started(prep.reply); err != nil {
		return nil, internalError().withOrigin(prep.reply.AllowOrigin)
	}

	completion, err := p.router.GenerateStream(ctx, prep.prompt, sink.Fragment)
	if err != nil {
		return nil, p.generationError(err, prep)
	}

	p.finish(prep, req, completion)
	return prep.reply, nil
}

// Preflight answers a CORS preflight at the origin stage without invoking
// anything downstream. Without a resolvable tenant it answers permissively;
// the actual request still runs the full policy chain.
func (p *Pipeline) Preflight(ctx context.Context, apiKey, requestOrigin string) (string, bool) {
	tenant, err := p.resolver.Resolve(ctx, apiKey)
	if err != nil {
		return "*", true
	}
	return origin.Allow(requestOrigin, tenant.AllowedOrigins)
}

// prepare runs the fail-fast policy stages and context retrieval. The quota
// slot is consumed here, before any expensive work, so a later timeout never
// needs compensation.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*prepared, *Error) {
	started := p.now()
	traceID := uuid.NewString()

	// Validation precedes authentication to avoid wasted lookups. Errors are
	// structurally generic: they reveal nothing about tenant existence.
	// Until the origin stage resolves, errors carry the permissive CORS echo
	// so the widget can read the envelope.
	if perr := validate(req); perr != nil {
		return nil, perr.withOrigin("*")
	}

	tenant, err := p.resolver.Resolve(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) || errors.Is(err, auth.ErrTenantInactive) {
			return nil, authFailed().withOrigin("*")
		}
		p.log.WithFields(logrus.Fields{"trace_id": traceID, "error": err}).Error("tenant resolution failed")
		return nil, internalError().withOrigin("*")
	}

	allowOrigin, ok := origin.Allow(req.Origin, tenant.AllowedOrigins)
	if !ok {
		return nil, originNotAllowed().withOrigin("*")
	}

	decision := p.limiter.Check(ctx, tenant)
	if decision.Outcome == quota.Rejected {
		resetIn := int(time.Until(decision.ResetAt).Minutes()) + 1
		msg := freeTierQuotaMsg
		if tenant.Tier == models.TierPaid {
			msg = fmt.Sprintf(paidTierQuotaMsg, resetIn)
		}
		return nil, quotaExceeded(msg).withOrigin(allowOrigin)
	}

	result := p.searcher.Search(ctx, tenant.ID, req.Message)
	if result.Degraded {
		p.log.WithFields(logrus.Fields{
			"trace_id":  traceID,
			"tenant_id": tenant.ID,
		}).Warn("serving context-degraded response")
	}

	reply := &Reply{
		SessionID:       req.SessionID,
		TraceID:         traceID,
		AllowOrigin:     allowOrigin,
		Overage:         decision.Outcome == quota.AllowedAsOverage,
		ContextDegraded: result.Degraded,
		QuotaDegraded:   decision.Degraded,
		Sources:         sourcesFrom(result.Chunks),
	}

	return &prepared{
		tenant:  tenant,
		prompt:  p.router.BuildPrompt(tenant, result.Chunks, req.Message),
		reply:   reply,
		started: started,
	}, nil
}

func (p *Pipeline) finish(prep *prepared, req Request, completion *llm.Completion) {
	reply := prep.reply
	reply.Text = completion.Text
	reply.Model = completion.Model
	reply.Usage = completion.Usage

	latency := p.now().Sub(prep.started)
	p.log.WithFields(logrus.Fields{
		"trace_id":          reply.TraceID,
		"tenant_id":         prep.tenant.ID,
		"model":             completion.Model,
		"latency_ms":        latency.Milliseconds(),
		"prompt_tokens":     completion.Usage.PromptTokens,
		"completion_tokens": completion.Usage.CompletionTokens,
		"cached_tokens":     completion.Usage.CachedTokens,
		"overage":           reply.Overage,
		"context_degraded":  reply.ContextDegraded,
	}).Info("chat request completed")

	// Fire-and-forget relative to the response. One record per turn.
	timestamp := p.now()
	p.recorder.Record(&models.UsageRecord{
		TenantID:  prep.tenant.ID,
		SessionID: req.SessionID,
		Role:      "user",
		Content:   req.Message,
		Model:     completion.Model,
		TraceID:   reply.TraceID,
		Timestamp: timestamp,
	})
	p.recorder.Record(&models.UsageRecord{
		TenantID:  prep.tenant.ID,
		SessionID: req.SessionID,
		Role:      "assistant",
		Content:   completion.Text,
		Usage:     completion.Usage,
		Model:     completion.Model,
		LatencyMs: int(latency.Milliseconds()),
		TraceID:   reply.TraceID,
		Timestamp: timestamp,
	})
}

func (p *Pipeline) generationError(err error, prep *prepared) *Error {
	p.log.WithFields(logrus.Fields{
		"trace_id":  prep.reply.TraceID,
		"tenant_id": prep.tenant.ID,
		"error":     err,
	}).Error("generation failed")

	if errors.Is(err, context.DeadlineExceeded) {
		return upstreamUnavailable("The request timed out, please try again").withOrigin(prep.reply.AllowOrigin)
	}
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return upstreamUnavailable("The assistant is temporarily unavailable, please try again").withOrigin(prep.reply.AllowOrigin)
	}
	return internalError().withOrigin(prep.reply.AllowOrigin)
}

func validate(req Request) *Error {
	if req.Message == "" {
		return validationFailed("Message must not be empty")
	}
	if len(req.Message) > maxMessageLength {
		return validationFailed("Message exceeds the maximum length")
	}
	if !sessionIDPattern.MatchString(req.SessionID) {
		return validationFailed("Malformed session identifier")
	}
	return nil
}

func sourcesFrom(chunks []models.ContextChunk) []models.Source {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]models.Source, 0, len(chunks))
	for _, chunk := range chunks {
		sources = append(sources, models.Source{
			DocumentID: chunk.DocumentID,
			Title:      chunk.Title,
			Excerpt:    excerpt(chunk.Text),
			Score:      chunk.Score,
		})
	}
	return sources
}

func excerpt(text string) string {
	const limit = 200
	if len(text) <= limit {
		return text
	}
	// Back off to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
