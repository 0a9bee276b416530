package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/auth"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/db"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/llm"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/quota"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/retrieval"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/usage"
)

const testSessionID = "123e4567-e89b-12d3-a456-426614174000"

// ---- fakes -----------------------------------------------------------------

type memTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
	lookups int
}

func (s *memTenantStore) GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[apiKey]; ok {
		return t, nil
	}
	return nil, db.ErrNotFound
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	fail   bool
}

func (c *memCounter) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("counter down")
	}
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, v := range c.counts {
		n += v
	}
	return n
}

type fixedEmbedder struct {
	vector []float64
	err    error
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.vector, e.err
}

type memChunkSource struct {
	byTenant map[string][]models.ContextChunk
	err      error
}

func (s *memChunkSource) ListChunks(ctx context.Context, tenantID string) ([]models.ContextChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byTenant[tenantID], nil
}

type fakeProvider struct {
	name  string
	text  string
	usage models.TokenUsage
	err   error
	block bool
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, prompt llm.Prompt) (*llm.Completion, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Completion{Text: p.text, Model: prompt.Model, Usage: p.usage}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, prompt llm.Prompt, onDelta func(string) error) (*llm.Completion, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	for _, r := range []rune(p.text) {
		if err := onDelta(string(r)); err != nil {
			return nil, err
		}
	}
	return &llm.Completion{Text: p.text, Model: prompt.Model, Usage: p.usage}, nil
}

type memUsageStore struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	block   chan struct{}
	fail    bool
}

func (s *memUsageStore) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memUsageStore) UpsertUsageAggregate(ctx context.Context, agg *models.UsageAggregate) error {
	return nil
}

func (s *memUsageStore) snapshot() []*models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ---- harness ---------------------------------------------------------------

type harness struct {
	pipeline   *Pipeline
	tenants    *memTenantStore
	counter    *memCounter
	usageStore *memUsageStore
	recorder   *usage.Recorder
	provider   *fakeProvider
	chunks     *memChunkSource
	apiKey     string
}

func newHarness(t *testing.T, tenant *models.Tenant) *harness {
	return newHarnessTimeout(t, tenant, 30*time.Second)
}

func newHarnessTimeout(t *testing.T, tenant *models.Tenant, timeout time.Duration) *harness {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	apiKey, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	tenant.APIKey = apiKey
	if tenant.Status == "" {
		tenant.Status = models.StatusActive
	}

	tenants := &memTenantStore{tenants: map[string]*models.Tenant{apiKey: tenant}}
	counter := &memCounter{}
	chunks := &memChunkSource{byTenant: map[string][]models.ContextChunk{}}
	provider := &fakeProvider{name: "openai", text: "We are open 9 to 5.", usage: models.TokenUsage{PromptTokens: 120, CompletionTokens: 30}}
	usageStore := &memUsageStore{}

	searcher := retrieval.NewSearcher(&fixedEmbedder{vector: []float64{1, 0, 0}}, chunks, 5, 0.7, log)
	router := llm.NewRouter([]llm.Provider{provider}, llm.RouterOptions{
		TierModels:  llm.TierModels{Free: "gpt-4o-mini", Paid: "gpt-4o"},
		MaxTokens:   1000,
		Temperature: 0.7,
	}, log)
	recorder := usage.NewRecorder(usageStore, nil, log)
	t.Cleanup(recorder.Close)

	p := New(auth.NewResolver(tenants), quota.NewLimiter(counter, 100, log), searcher, router, recorder, timeout, log)

	return &harness{
		pipeline:   p,
		tenants:    tenants,
		counter:    counter,
		usageStore: usageStore,
		recorder:   recorder,
		provider:   provider,
		chunks:     chunks,
		apiKey:     apiKey,
	}
}

func (h *harness) request(message string) Request {
	return Request{
		APIKey:    h.apiKey,
		Origin:    "https://app.example.com",
		Message:   message,
		SessionID: testSessionID,
	}
}

// unitChunk builds a chunk whose cosine score against query [1,0,0] is
// exactly the given value.
func unitChunk(id, tenantID string, score float64) models.ContextChunk {
	return models.ContextChunk{
		ID:         id,
		TenantID:   tenantID,
		DocumentID: "doc-" + id,
		Title:      "Doc " + id,
		Text:       "chunk text for " + id,
		Embedding:  []float64{score, math.Sqrt(1 - score*score), 0},
	}
}

func waitForRecords(t *testing.T, store *memUsageStore, n int) []*models.UsageRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if recs := store.snapshot(); len(recs) >= n {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d usage records", n)
	return nil
}

// ---- tests -----------------------------------------------------------------

func TestEndToEndPaidTenantWithContext(t *testing.T) {
	h := newHarness(t, &models.Tenant{
		ID:          "T1",
		Tier:        models.TierPaid,
		HourlyLimit: 1000,
		HardCap:     false,
	})
	h.chunks.byTenant["T1"] = []models.ContextChunk{
		unitChunk("hours", "T1", 0.92),
		unitChunk("holidays", "T1", 0.81),
	}

	reply, perr := h.pipeline.Handle(context.Background(), h.request("What are your hours?"))
	require.Nil(t, perr)

	assert.Equal(t, "We are open 9 to 5.", reply.Text)
	assert.Equal(t, testSessionID, reply.SessionID)
	assert.NotEmpty(t, reply.TraceID)
	assert.False(t, reply.Overage)
	assert.False(t, reply.ContextDegraded)

	require.Len(t, reply.Sources, 2)
	assert.Equal(t, "doc-hours", reply.Sources[0].DocumentID)
	assert.InDelta(t, 0.92, reply.Sources[0].Score, 1e-6)
	assert.Equal(t, "doc-holidays", reply.Sources[1].DocumentID)
	assert.InDelta(t, 0.81, reply.Sources[1].Score, 1e-6)

	assert.Equal(t, 120, reply.Usage.PromptTokens)
	assert.Equal(t, 30, reply.Usage.CompletionTokens)
	assert.False(t, reply.Usage.Estimated)

	records := waitForRecords(t, h.usageStore, 2)
	require.Len(t, records, 2)
	byRole := map[string]*models.UsageRecord{}
	for _, r := range records {
		byRole[r.Role] = r
	}
	require.Contains(t, byRole, "user")
	require.Contains(t, byRole, "assistant")
	assert.Equal(t, "What are your hours?", byRole["user"].Content)
	assert.Equal(t, "We are open 9 to 5.", byRole["assistant"].Content)
	assert.Equal(t, 120, byRole["assistant"].Usage.PromptTokens)
	assert.Equal(t, reply.TraceID, byRole["user"].TraceID)
	assert.Equal(t, reply.TraceID, byRole["assistant"].TraceID)
}

func TestRetrievalNeverCrossesTenants(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "tenant-a", Tier: models.TierFree})
	// Tenant B owns a perfect-scoring chunk; tenant A's best is weaker.
	h.chunks.byTenant["tenant-a"] = []models.ContextChunk{unitChunk("a1", "tenant-a", 0.75)}
	h.chunks.byTenant["tenant-b"] = []models.ContextChunk{unitChunk("b1", "tenant-b", 1.0)}

	reply, perr := h.pipeline.Handle(context.Background(), h.request("hello"))
	require.Nil(t, perr)

	require.Len(t, reply.Sources, 1)
	assert.Equal(t, "doc-a1", reply.Sources[0].DocumentID)
}

func TestValidationRunsBeforeAuthentication(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})

	req := h.request("")
	_, perr := h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perr)
	assert.Equal(t, CodeValidationFailed, perr.Code)
	assert.Zero(t, h.tenants.lookups, "no tenant lookup for invalid payloads")

	req = h.request(string(make([]byte, maxMessageLength+1)))
	_, perr = h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perr)
	assert.Equal(t, CodeValidationFailed, perr.Code)

	req = h.request("fine")
	req.SessionID = "short"
	_, perr = h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perr)
	assert.Equal(t, CodeValidationFailed, perr.Code)
}

func TestAuthenticationFailuresAreCoarse(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree, Status: models.StatusPaused})

	// Inactive tenant with a valid key.
	_, perrInactive := h.pipeline.Handle(context.Background(), h.request("hi"))
	require.NotNil(t, perrInactive)
	assert.Equal(t, CodeAuthenticationFailed, perrInactive.Code)

	// Malformed key.
	req := h.request("hi")
	req.APIKey = "garbage"
	_, perrMalformed := h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perrMalformed)

	// Unknown but well-formed key.
	unknown, _ := auth.GenerateAPIKey()
	req.APIKey = unknown
	_, perrUnknown := h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perrUnknown)

	// All three are externally identical: same code, same message.
	assert.Equal(t, perrInactive.Code, perrMalformed.Code)
	assert.Equal(t, perrInactive.Message, perrMalformed.Message)
	assert.Equal(t, perrInactive.Message, perrUnknown.Message)
}

func TestOriginPolicyFailsClosed(t *testing.T) {
	h := newHarness(t, &models.Tenant{
		ID:             "t1",
		Tier:           models.TierFree,
		AllowedOrigins: []string{"*.example.com"},
	})

	req := h.request("hi")
	req.Origin = "https://evilexample.com"
	_, perr := h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perr)
	assert.Equal(t, CodeOriginNotAllowed, perr.Code)

	req.Origin = "https://app.example.com"
	reply, perr := h.pipeline.Handle(context.Background(), req)
	require.Nil(t, perr)
	assert.Equal(t, "https://app.example.com", reply.AllowOrigin)
}

func TestQuotaRejectionBeforeGeneration(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierPaid, HourlyLimit: 1, HardCap: true, AllowedOrigins: []string{"app.example.com"}})

	_, perr := h.pipeline.Handle(context.Background(), h.request("first"))
	require.Nil(t, perr)

	h.provider.err = errors.New("must not be called")
	_, perr = h.pipeline.Handle(context.Background(), h.request("second"))
	require.NotNil(t, perr)
	assert.Equal(t, CodeQuotaExceeded, perr.Code)
	assert.Contains(t, perr.Message, "resets in")
	assert.Equal(t, "https://app.example.com", perr.AllowOrigin, "quota error readable cross-origin")
}

func TestErrorsBeforeOriginStageCarryPermissiveEcho(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})

	_, perr := h.pipeline.Handle(context.Background(), h.request(""))
	require.NotNil(t, perr)
	assert.Equal(t, "*", perr.AllowOrigin)

	req := h.request("hi")
	req.APIKey = "pk_bogus"
	_, perr = h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, perr)
	assert.Equal(t, "*", perr.AllowOrigin)
}

func TestRequestDeadlineSurfacesTimeout(t *testing.T) {
	h := newHarnessTimeout(t, &models.Tenant{ID: "t1", Tier: models.TierFree}, 50*time.Millisecond)
	h.provider.block = true

	_, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
	require.NotNil(t, perr)
	assert.Equal(t, CodeUpstreamUnavailable, perr.Code)
	assert.Contains(t, perr.Message, "timed out")

	// The slot was consumed before generation; a timeout does not refund it.
	assert.Equal(t, int64(1), h.counter.total())
}

func TestFreeTierQuotaMessageSuggestsUpgrade(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})
	h.counter.counts = map[string]int64{}
	// Exhaust the free limit of 100.
	for i := 0; i < 100; i++ {
		_, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
		require.Nil(t, perr)
	}

	_, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
	require.NotNil(t, perr)
	assert.Equal(t, CodeQuotaExceeded, perr.Code)
	assert.Contains(t, perr.Message, "Upgrade")
}

func TestOverageIsServedAndFlagged(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierPaid, HourlyLimit: 1, HardCap: false})

	reply, perr := h.pipeline.Handle(context.Background(), h.request("first"))
	require.Nil(t, perr)
	assert.False(t, reply.Overage)

	reply, perr = h.pipeline.Handle(context.Background(), h.request("second"))
	require.Nil(t, perr)
	assert.True(t, reply.Overage)
}

func TestContextIndexOutageDegradesGracefully(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})
	h.chunks.err = errors.New("index timeout")

	reply, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
	require.Nil(t, perr, "generation proceeds with empty context")
	assert.True(t, reply.ContextDegraded)
	assert.Empty(t, reply.Sources)
	assert.NotEmpty(t, reply.Text)
}

func TestQuotaStoreOutageFailsOpen(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})
	h.counter.fail = true

	reply, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
	require.Nil(t, perr)
	assert.True(t, reply.QuotaDegraded)
}

func TestProviderFailureSurfacesUpstreamUnavailable(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})
	h.provider.err = &llm.ProviderError{Provider: "openai", Status: 503, Message: "overloaded", Retryable: false}

	_, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
	require.NotNil(t, perr)
	assert.Equal(t, CodeUpstreamUnavailable, perr.Code)
	assert.NotContains(t, perr.Message, "overloaded", "provider detail stays server-side")
}

func TestRecorderFailureDoesNotAffectResponse(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})
	h.usageStore.block = make(chan struct{}) // recorder storage hangs
	defer close(h.usageStore.block)

	start := time.Now()
	reply, perr := h.pipeline.Handle(context.Background(), h.request("hi"))
	elapsed := time.Since(start)

	require.Nil(t, perr)
	assert.NotEmpty(t, reply.Text)
	assert.Less(t, elapsed, time.Second, "response path independent of recorder storage")
}

type collectSink struct {
	started   bool
	traceID   string
	fragments []string
}

func (s *collectSink) Started(reply *Reply) error {
	s.started = true
	s.traceID = reply.TraceID
	return nil
}

func (s *collectSink) Fragment(text string) error {
	s.fragments = append(s.fragments, text)
	return nil
}

func TestHandleStreamDeliversFragments(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree})
	h.provider.text = "abc"

	sink := &collectSink{}
	reply, perr := h.pipeline.HandleStream(context.Background(), h.request("hi"), sink)
	require.Nil(t, perr)

	assert.True(t, sink.started)
	assert.Equal(t, reply.TraceID, sink.traceID)
	assert.Equal(t, []string{"a", "b", "c"}, sink.fragments)
	assert.Equal(t, "abc", reply.Text)

	waitForRecords(t, h.usageStore, 2)
}

func TestExcerptTruncatesOnRuneBoundary(t *testing.T) {
	// A multi-byte character straddling the byte limit must not be split.
	text := strings.Repeat("a", 199) + strings.Repeat("é", 40)
	out := excerpt(text)

	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.NotContains(t, out, "�")

	short := "héllo"
	assert.Equal(t, short, excerpt(short))
}

func TestPreflightWithoutResolvableTenantIsPermissive(t *testing.T) {
	h := newHarness(t, &models.Tenant{ID: "t1", Tier: models.TierFree, AllowedOrigins: []string{"app.example.com"}})

	echo, ok := h.pipeline.Preflight(context.Background(), "bogus", "https://anywhere.net")
	assert.True(t, ok)
	assert.Equal(t, "*", echo)

	echo, ok = h.pipeline.Preflight(context.Background(), h.apiKey, "https://app.example.com")
	assert.True(t, ok)
	assert.Equal(t, "https://app.example.com", echo)

	_, ok = h.pipeline.Preflight(context.Background(), h.apiKey, "https://evil.net")
	assert.False(t, ok)
}
