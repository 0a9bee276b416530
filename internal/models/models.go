package models

import "time"

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

type TenantStatus string

const (
	StatusActive   TenantStatus = "active"
	StatusPaused   TenantStatus = "paused"
	StatusDisabled TenantStatus = "disabled"
)

type Tenant struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	APIKey         string       `json:"api_key"`
	Status         TenantStatus `json:"status"`
	Tier           Tier         `json:"tier"`
	AllowedOrigins []string     `json:"allowed_origins"`
	HourlyLimit    int          `json:"hourly_limit"`
	HardCap        bool         `json:"hard_cap"`
	Model          string       `json:"model"`
	SystemPrompt   string       `json:"system_prompt"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ChatRequest is one inbound widget message. The tenant is resolved from the
// API key, never trusted from the payload. The session ID is correlation only.
type ChatRequest struct {
	Message   string            `json:"message"`
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Source struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

type ChatResponse struct {
	Response  string   `json:"response"`
	SessionID string   `json:"session_id"`
	Sources   []Source `json:"sources,omitempty"`
	TraceID   string   `json:"trace_id"`
}

// ContextChunk is one retrievable unit of tenant knowledge, written by the
// ingestion pipeline. Score is computed at query time.
type ContextChunk struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	Embedding  []float64 `json:"embedding"`
	Score      float64   `json:"-"`
}

type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	CachedTokens     int  `json:"cached_tokens"`
	Estimated        bool `json:"estimated"`
}

type UsageRecord struct {
	ID        int64      `json:"id"`
	TenantID  string     `json:"tenant_id"`
	SessionID string     `json:"session_id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Usage     TokenUsage `json:"usage"`
	Model     string     `json:"model"`
	LatencyMs int        `json:"latency_ms"`
	TraceID   string     `json:"trace_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// UsageAggregate is an hourly rollup keyed by (tenant, bucket), upserted by
// the recorder and read by the dashboard analytics endpoint.
type UsageAggregate struct {
	TenantID         string    `json:"tenant_id"`
	Bucket           time.Time `json:"bucket"`
	MessageCount     int64     `json:"message_count"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CachedTokens     int64     `json:"cached_tokens"`
}
