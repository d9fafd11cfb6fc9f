// Package budget enforces per-organization daily spend caps with threshold
// alerting. Spend counters live in Redis and reset at UTC midnight.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/apperr"
)

// Alert thresholds as fractions of the daily budget. Each fires at most
// once per (org, day).
var alertThresholds = []float64{0.5, 0.8, 1.0}

const (
	auditRingSize = 1000
	auditRingTTL  = 7 * 24 * time.Hour
)

// Status describes an org's budget position after a check or track call.
type Status struct {
	OrgID             string  `json:"org_id"`
	Date              string  `json:"date"`
	SpendUSD          float64 `json:"spend_usd"`
	BudgetUSD         float64 `json:"budget_usd"`
	PercentUsed       float64 `json:"percent_used"`
	Exceeded          bool    `json:"exceeded"`
	RetryAfterSeconds int     `json:"retry_after_seconds,omitempty"`
}

// Controller tracks and enforces daily spend.
type Controller struct {
	rdb      *redis.Client
	logger   *slog.Logger
	daily    float64
	notifier *Notifier

	// now is swappable for tests.
	now func() time.Time
}

// NewController creates a budget controller. notifier may be nil to disable
// alert delivery.
func NewController(rdb *redis.Client, logger *slog.Logger, dailyBudgetUSD float64, notifier *Notifier) *Controller {
	return &Controller{
		rdb:      rdb,
		logger:   logger,
		daily:    dailyBudgetUSD,
		notifier: notifier,
		now:      time.Now,
	}
}

func dailyKey(orgID, date string) string {
	return fmt.Sprintf("budget:daily:%s:%s", orgID, date)
}

func alertKey(orgID, date string, pct int) string {
	return fmt.Sprintf("budget:alert:%s:%s:%d", orgID, date, pct)
}

func auditKey(orgID string) string {
	return fmt.Sprintf("budget:audit:%s", orgID)
}

func (c *Controller) today() (string, time.Time) {
	now := c.now().UTC()
	return now.Format("2006-01-02"), now
}

func secondsUntilMidnight(now time.Time) int {
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	secs := int(midnight.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Track atomically adds cost to the org's daily counter and enforces the
// cap. The increment that crosses the cap is the last permitted one: its
// status reports Exceeded but no error. Every later call that day fails
// with a typed BudgetExceeded error carrying retry-after metadata.
func (c *Controller) Track(ctx context.Context, orgID string, costUSD float64, model, task string) (Status, error) {
	date, now := c.today()
	key := dailyKey(orgID, date)

	// The backend counter is the serialization point: no application lock
	// is held across this update, and the pre-increment spend is derived
	// from the atomic result so concurrent callers cannot both observe a
	// below-cap counter.
	newSpend, err := c.rdb.IncrByFloat(ctx, key, costUSD).Result()
	if err != nil {
		return Status{}, apperr.Wrap(apperr.KindInternal, err, "incrementing budget counter")
	}
	prev := newSpend - costUSD

	// First writer of the day sets the TTL to UTC midnight.
	if prev < 1e-9 {
		c.rdb.Expire(ctx, key, time.Duration(secondsUntilMidnight(now))*time.Second)
	}

	st := c.statusFor(orgID, date, now, newSpend)
	c.appendAudit(ctx, orgID, costUSD, model, task, newSpend)

	if level := crossedLevel(st.PercentUsed); level > 0 {
		c.sendAlertOnce(ctx, orgID, date, level, newSpend)
	}

	if prev >= c.daily && c.daily > 0 {
		// Already over before this call: refuse.
		return st, apperr.E(apperr.KindBudgetExceeded, "daily budget of $%.2f exhausted for org %s", c.daily, orgID).
			WithRetryAfter(st.RetryAfterSeconds)
	}

	return st, nil
}

// Check reports the org's budget position without mutating it.
func (c *Controller) Check(ctx context.Context, orgID string) (Status, error) {
	date, now := c.today()

	spend, err := c.rdb.Get(ctx, dailyKey(orgID, date)).Float64()
	if err != nil && err != redis.Nil {
		return Status{}, apperr.Wrap(apperr.KindInternal, err, "reading budget counter")
	}
	return c.statusFor(orgID, date, now, spend), nil
}

// Enforce fails with a typed BudgetExceeded error when the org is at or
// over its cap; used as the pipeline precheck.
func (c *Controller) Enforce(ctx context.Context, orgID string) error {
	st, err := c.Check(ctx, orgID)
	if err != nil {
		return err
	}
	if st.Exceeded {
		return apperr.E(apperr.KindBudgetExceeded, "daily budget of $%.2f exhausted for org %s", c.daily, orgID).
			WithRetryAfter(st.RetryAfterSeconds)
	}
	return nil
}

func (c *Controller) statusFor(orgID, date string, now time.Time, spend float64) Status {
	st := Status{
		OrgID:     orgID,
		Date:      date,
		SpendUSD:  spend,
		BudgetUSD: c.daily,
	}
	if c.daily > 0 {
		st.PercentUsed = spend / c.daily
		st.Exceeded = st.PercentUsed >= 1.0
	}
	if st.Exceeded {
		st.RetryAfterSeconds = secondsUntilMidnight(now)
	}
	return st
}

// crossedLevel returns the highest alert percentage reached, or 0.
func crossedLevel(pct float64) int {
	level := 0
	for _, t := range alertThresholds {
		if pct >= t {
			level = int(t * 100)
		}
	}
	return level
}

// sendAlertOnce delivers the threshold alert, gated by a per-(org, date,
// level) idempotency key so each fires at most once per day.
func (c *Controller) sendAlertOnce(ctx context.Context, orgID, date string, level int, spend float64) {
	ok, err := c.rdb.SetNX(ctx, alertKey(orgID, date, level), "1", 48*time.Hour).Result()
	if err != nil {
		c.logger.Warn("budget alert idempotency check failed", "org_id", orgID, "error", err)
		return
	}
	if !ok {
		return
	}

	c.logger.Warn("budget threshold crossed",
		"org_id", orgID,
		"threshold_pct", level,
		"spend_usd", spend,
		"budget_usd", c.daily,
	)
	if c.notifier != nil {
		c.notifier.Send(Alert{
			OrgID:        orgID,
			ThresholdPct: level,
			UsageUSD:     spend,
			BudgetUSD:    c.daily,
		})
	}
}

// auditEntry is one tracked spend event in the per-org ring.
type auditEntry struct {
	At       time.Time `json:"at"`
	CostUSD  float64   `json:"cost_usd"`
	Model    string    `json:"model"`
	Task     string    `json:"task"`
	SpendUSD float64   `json:"spend_usd"`
}

func (c *Controller) appendAudit(ctx context.Context, orgID string, costUSD float64, model, task string, spend float64) {
	entry, err := json.Marshal(auditEntry{
		At:       c.now().UTC(),
		CostUSD:  costUSD,
		Model:    model,
		Task:     task,
		SpendUSD: spend,
	})
	if err != nil {
		return
	}
	key := auditKey(orgID)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, auditRingSize-1)
	pipe.Expire(ctx, key, auditRingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("budget audit append failed", "org_id", orgID, "error", err)
	}
}

// RecentAudit returns up to limit recent spend events for an org.
func (c *Controller) RecentAudit(ctx context.Context, orgID string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > auditRingSize {
		limit = auditRingSize
	}
	vals, err := c.rdb.LRange(ctx, auditKey(orgID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading budget audit: %w", err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}
