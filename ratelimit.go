// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"math"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
)

// RateLimitConfig specifies the token-bucket dispatch gate.
type RateLimitConfig struct {
	// RequestsPerSecond is the global refill rate.
	//
	// If unset or zero, rate limiting is disabled.
	RequestsPerSecond float64

	// RequestsPerMinute is advisory and not enforced directly; the
	// per-second rate is the operative limit.
	RequestsPerMinute float64

	// BurstSize is the bucket capacity.
	//
	// If unset or zero, it defaults to ceil(1.5 * RequestsPerSecond).
	BurstSize int
}

const globalRateLimitScope = "global"

func hostRateLimitScope(host string) string { return "host:" + host }

// rateLimiter gates dispatch through shared token buckets: one global bucket
// and one bucket per target host, both kept in the index store so all worker
// processes observe the same budget.
type rateLimiter struct {
	broker base.Broker
	clock  timeutil.Clock

	rate      float64
	burst     float64
	hostRate  float64
	hostBurst float64
}

func newRateLimiter(broker base.Broker, cfg RateLimitConfig) *rateLimiter {
	burst := float64(cfg.BurstSize)
	if burst <= 0 {
		burst = math.Ceil(1.5 * cfg.RequestsPerSecond)
	}
	return &rateLimiter{
		broker:    broker,
		clock:     timeutil.NewRealClock(),
		rate:      cfg.RequestsPerSecond,
		burst:     burst,
		hostRate:  math.Ceil(cfg.RequestsPerSecond / 10),
		hostBurst: math.Ceil(burst / 5),
	}
}

func (rl *rateLimiter) enabled() bool { return rl.rate > 0 }

// acquire consumes one global token and, when a host is given, one host
// token. A denial at either scope carries the bucket's suggested wait.
func (rl *rateLimiter) acquire(ctx context.Context, host string) (*base.RateLimitDecision, error) {
	if !rl.enabled() {
		return &base.RateLimitDecision{Allowed: true}, nil
	}
	dec, err := rl.broker.TakeToken(ctx, globalRateLimitScope, rl.rate, rl.burst)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return dec, nil
	}
	if host == "" {
		return dec, nil
	}
	return rl.broker.TakeToken(ctx, hostRateLimitScope(host), rl.hostRate, rl.hostBurst)
}

// waitForToken polls acquire, sleeping for the wait suggested by each denial,
// until a token is granted or maxWait elapses. It reports whether a token
// was acquired.
func (rl *rateLimiter) waitForToken(ctx context.Context, host string, maxWait time.Duration) (bool, error) {
	deadline := rl.clock.Now().Add(maxWait)
	for {
		dec, err := rl.acquire(ctx, host)
		if err != nil {
			return false, err
		}
		if dec.Allowed {
			return true, nil
		}
		wait := dec.RetryAfter
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if rl.clock.Now().Add(wait).After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}
