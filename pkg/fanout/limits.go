package fanout

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/memmcp/engram/pkg/metrics"
	"github.com/memmcp/engram/pkg/types"
)

// RateLimits holds one leaky-bucket limiter per configured target.
// Targets without an entry dispatch immediately.
type RateLimits struct {
	limiters map[types.Target]*rate.Limiter
}

// NewRateLimits builds limiters from a target → requests-per-second map.
// Burst is 1 so the configured rate is also the ceiling.
func NewRateLimits(perSecond map[string]float64) *RateLimits {
	limiters := make(map[types.Target]*rate.Limiter, len(perSecond))
	for name, rps := range perSecond {
		target, err := types.ParseTarget(name)
		if err != nil || rps <= 0 {
			continue
		}
		limiters[target] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &RateLimits{limiters: limiters}
}

// Wait blocks until the target's limiter releases a slot. Unlimited
// targets return immediately.
func (r *RateLimits) Wait(ctx context.Context, target types.Target) error {
	limiter, ok := r.limiters[target]
	if !ok {
		return nil
	}
	if limiter.Allow() {
		return nil
	}
	metrics.RateLimitWaitsTotal.WithLabelValues(string(target)).Inc()
	return limiter.Wait(ctx)
}

// Limit reports the configured rate for telemetry, 0 when unlimited.
func (r *RateLimits) Limit(target types.Target) float64 {
	if limiter, ok := r.limiters[target]; ok {
		return float64(limiter.Limit())
	}
	return 0
}

// Configured lists targets with a limiter, for telemetry.
func (r *RateLimits) Configured() map[string]float64 {
	out := make(map[string]float64, len(r.limiters))
	for target, limiter := range r.limiters {
		out[string(target)] = float64(limiter.Limit())
	}
	return out
}
