// Package quota enforces per-tenant hourly request limits against a shared
// counter store. Increment-then-compare keeps the check atomic under
// concurrent bursts: the counter never under-counts, and the post-increment
// value is the only thing compared against the limit.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

type Outcome int

const (
	Rejected Outcome = iota
	Allowed
	AllowedAsOverage
)

// Decision is the result of one test-and-increment.
type Decision struct {
	Outcome   Outcome
	Count     int64
	Remaining int64
	ResetAt   time.Time

	// Degraded marks a fail-open allow taken because the counter store was
	// unreachable.
	Degraded bool
}

// Counter is the per-key atomic counter store. IncrWindow must increment and
// return the post-increment value in a single operation, and ensure the key
// expires once the window has passed.
type Counter interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Limiter struct {
	counter       Counter
	freeTierLimit int
	now           func() time.Time
	log           *logrus.Logger
}

func NewLimiter(counter Counter, freeTierLimit int, log *logrus.Logger) *Limiter {
	return &Limiter{
		counter:       counter,
		freeTierLimit: freeTierLimit,
		now:           time.Now,
		log:           log,
	}
}

// Check consumes one quota slot for the tenant's current hour window.
//
// The slot is consumed before any expensive downstream work, so a later
// timeout never needs to compensate the counter. On counter-store failure the
// limiter fails open: an outage in the quota store should degrade accounting,
// not take down chat. The degraded allow is logged and flagged.
func (l *Limiter) Check(ctx context.Context, tenant *models.Tenant) Decision {
	window := l.now().UTC().Truncate(time.Hour)
	resetAt := window.Add(time.Hour)
	limit := l.limitFor(tenant)

	key := fmt.Sprintf("quota:tenant:%s:%s", tenant.ID, window.Format("2006-01-02-15"))

	count, err := l.counter.IncrWindow(ctx, key, time.Hour)
	if err != nil {
		l.log.WithFields(logrus.Fields{
			"tenant_id": tenant.ID,
			"error":     err,
		}).Warn("quota counter unavailable, failing open")
		return Decision{Outcome: Allowed, ResetAt: resetAt, Degraded: true}
	}

	decision := Decision{
		Count:     count,
		Remaining: max(int64(limit)-count, 0),
		ResetAt:   resetAt,
	}

	if count <= int64(limit) {
		decision.Outcome = Allowed
		return decision
	}

	// Paid tenants without a hard cap keep being served past the limit; the
	// excess is counted separately for billing.
	if tenant.Tier == models.TierPaid && !tenant.HardCap {
		decision.Outcome = AllowedAsOverage
		overageKey := fmt.Sprintf("quota:overage:tenant:%s:%s", tenant.ID, window.Format("2006-01-02-15"))
		if _, err := l.counter.IncrWindow(ctx, overageKey, 48*time.Hour); err != nil {
			l.log.WithFields(logrus.Fields{
				"tenant_id": tenant.ID,
				"error":     err,
			}).Warn("overage counter increment failed")
		}
		return decision
	}

	decision.Outcome = Rejected
	return decision
}

func (l *Limiter) limitFor(tenant *models.Tenant) int {
	if tenant.Tier == models.TierFree {
		return l.freeTierLimit
	}
	if tenant.HourlyLimit > 0 {
		return tenant.HourlyLimit
	}
	return l.freeTierLimit
}
