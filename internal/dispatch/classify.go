package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Reason categorizes why a backend call failed. It drives how long the
// backend cools down before being eligible again.
type Reason string

const (
	ReasonRateLimited    Reason = "rate_limited"
	ReasonQuotaExhausted Reason = "quota_exhausted"
	ReasonTimeout        Reason = "timeout"
	ReasonNetworkError   Reason = "network_error"
	ReasonAPIError       Reason = "api_error"
	ReasonUnknown        Reason = "unknown"
)

// Default cooldowns by reason. Quota exhaustion cools for an hour because
// retrying a drained account sooner only burns attempts.
const (
	rateLimitCooldown = 60 * time.Second
	quotaCooldown     = 3600 * time.Second
	timeoutCooldown   = 30 * time.Second
	networkCooldown   = 30 * time.Second
	apiErrorCooldown  = 60 * time.Second
	unknownCooldown   = 30 * time.Second
)

var classifierRules = []struct {
	reason   Reason
	cooldown time.Duration
	keywords []string
}{
	{ReasonRateLimited, rateLimitCooldown, []string{"rate limit", "429", "too many requests"}},
	{ReasonQuotaExhausted, quotaCooldown, []string{"credit", "quota", "exceeded", "insufficient", "402", "payment"}},
	{ReasonTimeout, timeoutCooldown, []string{"timeout", "timed out", "deadline"}},
	{ReasonNetworkError, networkCooldown, []string{"network", "connection refused", "no such host", "connection reset", "eof"}},
	{ReasonAPIError, apiErrorCooldown, []string{"500", "502", "503", "server error", "internal error"}},
}

// Classify maps a backend failure to a reason and its default cooldown.
// Pure function: same error text always yields the same pair. First matching
// rule wins; anything unmatched is ReasonUnknown with a short cooldown.
func Classify(err error) (Reason, time.Duration) {
	if err == nil {
		return ReasonUnknown, unknownCooldown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout, timeoutCooldown
	}

	text := strings.ToLower(err.Error())
	for _, rule := range classifierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.reason, rule.cooldown
			}
		}
	}
	return ReasonUnknown, unknownCooldown
}
