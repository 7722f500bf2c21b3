// SPDX-License-Identifier: MIT

// Package ratelimit implements a Redis sliding-window limiter keyed by
// scope and subject. When Redis is down requests are allowed and the
// failure is logged; availability beats strictness here.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/metrics"
)

// Scope names used across the HTTP surface.
const (
	ScopeLogin     = "login"
	ScopeActivate  = "activate"
	ScopeAddresses = "addresses"
)

// Rule is a max-requests-per-window policy.
type Rule struct {
	Max    int
	Window time.Duration
}

// Result is the outcome of one limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces per-scope sliding windows on Redis sorted sets.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
	rules  map[string]Rule
	now    func() time.Time
}

// New builds a Limiter with the given per-scope rules.
func New(client *redis.Client, rules map[string]Rule, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger,
		rules:  rules,
		now:    time.Now,
	}
}

// Allow records one hit for subject under scope and reports whether it
// stays within the rule. Unknown scopes are always allowed.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) Result {
	rule, ok := l.rules[scope]
	if !ok || rule.Max <= 0 {
		return Result{Allowed: true}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	key := kv.RateLimitKey(scope, subject)
	now := l.now()
	windowStart := now.Add(-rule.Window)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, rule.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable, allowing")
		return Result{Allowed: true}
	}

	count := int(countCmd.Val())
	if count <= rule.Max {
		return Result{Allowed: true, Remaining: rule.Max - count}
	}

	metrics.RateLimitRejectsTotal.WithLabelValues(scope).Inc()

	retryAfter := rule.Window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		if until := oldestAt.Add(rule.Window).Sub(now); until > 0 {
			retryAfter = until
		}
	}
	return Result{Allowed: false, RetryAfter: retryAfter}
}
