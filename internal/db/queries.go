package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const tenantColumns = `
        id, name, api_key, status, tier, allowed_origins,
        hourly_limit, hard_cap, model, system_prompt, created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.APIKey,
		&t.Status,
		&t.Tier,
		&t.AllowedOrigins,
		&t.HourlyLimit,
		&t.HardCap,
		&t.Model,
		&t.SystemPrompt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + `
        FROM tenants
        WHERE api_key = $1`

	return scanTenant(db.Pool.QueryRow(ctx, query, apiKey))
}

func (db *DB) GetTenantByID(ctx context.Context, id string) (*models.Tenant, error) {
	query := `SELECT` + tenantColumns + `
        FROM tenants
        WHERE id = $1`

	return scanTenant(db.Pool.QueryRow(ctx, query, id))
}

func (db *DB) CreateTenant(ctx context.Context, t *models.Tenant) error {
	query := `
        INSERT INTO tenants (id, name, api_key, status, tier, allowed_origins, hourly_limit, hard_cap, model, system_prompt)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING created_at, updated_at`

	return db.Pool.QueryRow(ctx, query,
		t.ID,
		t.Name,
		t.APIKey,
		t.Status,
		t.Tier,
		t.AllowedOrigins,
		t.HourlyLimit,
		t.HardCap,
		t.Model,
		t.SystemPrompt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (db *DB) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	query := `SELECT` + tenantColumns + `
        FROM tenants
        ORDER BY created_at`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

type TenantUpdates struct {
	Name           *string              `json:"name"`
	Status         *models.TenantStatus `json:"status"`
	Tier           *models.Tier         `json:"tier"`
	AllowedOrigins *[]string            `json:"allowed_origins"`
	HourlyLimit    *int                 `json:"hourly_limit"`
	HardCap        *bool                `json:"hard_cap"`
	Model          *string              `json:"model"`
	SystemPrompt   *string              `json:"system_prompt"`
}

func (db *DB) UpdateTenant(ctx context.Context, id string, updates TenantUpdates) error {
	query := `
        UPDATE tenants
        SET name            = COALESCE($2, name),
            status          = COALESCE($3, status),
            tier            = COALESCE($4, tier),
            allowed_origins = COALESCE($5, allowed_origins),
            hourly_limit    = COALESCE($6, hourly_limit),
            hard_cap        = COALESCE($7, hard_cap),
            model           = COALESCE($8, model),
            system_prompt   = COALESCE($9, system_prompt),
            updated_at      = NOW()
        WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query, id,
		updates.Name,
		updates.Status,
		updates.Tier,
		updates.AllowedOrigins,
		updates.HourlyLimit,
		updates.HardCap,
		updates.Model,
		updates.SystemPrompt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteTenant(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateAPIKey swaps in the new key in a single statement, so there is no
// window where the old and new keys are both valid.
func (db *DB) RotateAPIKey(ctx context.Context, id, newAPIKey string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE tenants SET api_key = $2, updated_at = NOW() WHERE id = $1`,
		id, newAPIKey,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	query := `
        INSERT INTO usage_records
            (tenant_id, session_id, role, content, prompt_tokens, completion_tokens,
             cached_tokens, tokens_estimated, model, latency_ms, trace_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := db.Pool.Exec(ctx, query,
		rec.TenantID,
		rec.SessionID,
		rec.Role,
		rec.Content,
		rec.Usage.PromptTokens,
		rec.Usage.CompletionTokens,
		rec.Usage.CachedTokens,
		rec.Usage.Estimated,
		rec.Model,
		rec.LatencyMs,
		rec.TraceID,
		rec.Timestamp,
	)
	return err
}

// UpsertUsageAggregate folds one exchange into the tenant's hourly rollup.
// The upsert is idempotent per statement but additive per call; failed
// aggregation is reconciled later from raw usage_records.
func (db *DB) UpsertUsageAggregate(ctx context.Context, agg *models.UsageAggregate) error {
	query := `
        INSERT INTO usage_aggregates (tenant_id, bucket, message_count, prompt_tokens, completion_tokens, cached_tokens)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (tenant_id, bucket) DO UPDATE
        SET message_count     = usage_aggregates.message_count + EXCLUDED.message_count,
            prompt_tokens     = usage_aggregates.prompt_tokens + EXCLUDED.prompt_tokens,
            completion_tokens = usage_aggregates.completion_tokens + EXCLUDED.completion_tokens,
            cached_tokens     = usage_aggregates.cached_tokens + EXCLUDED.cached_tokens`

	_, err := db.Pool.Exec(ctx, query,
		agg.TenantID,
		agg.Bucket,
		agg.MessageCount,
		agg.PromptTokens,
		agg.CompletionTokens,
		agg.CachedTokens,
	)
	return err
}

func (db *DB) GetTenantAnalytics(ctx context.Context, tenantID string, from, to time.Time) ([]models.UsageAggregate, error) {
	query := `
        SELECT tenant_id, bucket, message_count, prompt_tokens, completion_tokens, cached_tokens
        FROM usage_aggregates
        WHERE tenant_id = $1 AND bucket >= $2 AND bucket < $3
        ORDER BY bucket`

	rows, err := db.Pool.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []models.UsageAggregate
	for rows.Next() {
		var a models.UsageAggregate
		if err := rows.Scan(&a.TenantID, &a.Bucket, &a.MessageCount, &a.PromptTokens, &a.CompletionTokens, &a.CachedTokens); err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}
