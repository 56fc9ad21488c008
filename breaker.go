// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
)

// BreakerConfig specifies the per-host circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a closed breaker.
	//
	// If unset or zero, 5 is used.
	FailureThreshold int

	// SuccessThreshold is the number of successes that closes a
	// half-open breaker.
	//
	// If unset or zero, 1 is used.
	SuccessThreshold int

	// HalfOpenMaxRequests bounds admissions while half-open.
	//
	// If unset or zero, 1 is used.
	HalfOpenMaxRequests int

	// ResetTimeout is how long an open breaker rejects before probing.
	//
	// If unset or zero, 30 seconds is used.
	ResetTimeout time.Duration
}

// breakerStateTTL is how long an untouched breaker key survives in the
// index store.
const breakerStateTTL = 5 * time.Minute

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.SuccessThreshold == 0 {
		out.SuccessThreshold = 1
	}
	if out.HalfOpenMaxRequests == 0 {
		out.HalfOpenMaxRequests = 1
	}
	if out.ResetTimeout == 0 {
		out.ResetTimeout = 30 * time.Second
	}
	return out
}

// BreakerState mirrors the three-state machine of a per-host breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota + 1
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string { return base.BreakerState(s).String() }

// BreakerInfo is an observable snapshot of one host's breaker.
type BreakerInfo struct {
	Host           string
	State          BreakerState
	Failures       int
	Successes      int
	StateChangedAt time.Time
	TimeUntilReset time.Duration
}

// circuitBreaker drives the per-host three-state machine persisted in the
// index store, so the state is shared across worker processes.
type circuitBreaker struct {
	broker base.Broker
	params base.BreakerParams
}

func newCircuitBreaker(broker base.Broker, cfg BreakerConfig) *circuitBreaker {
	cfg = cfg.withDefaults()
	return &circuitBreaker{
		broker: broker,
		params: base.BreakerParams{
			FailureThreshold:    cfg.FailureThreshold,
			SuccessThreshold:    cfg.SuccessThreshold,
			HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
			ResetTimeout:        cfg.ResetTimeout,
			TTL:                 breakerStateTTL,
		},
	}
}

// isAllowed reports whether the host admits a request along with the observed
// state. An open breaker past its reset timeout transitions to half-open as a
// side effect. When rejected, retryAfter is the time until the next probe.
func (cb *circuitBreaker) isAllowed(ctx context.Context, host string) (allowed bool, state BreakerState, retryAfter time.Duration, err error) {
	ok, st, after, err := cb.broker.BreakerAllow(ctx, host, cb.params)
	if err != nil {
		return false, 0, 0, err
	}
	return ok, BreakerState(st), after, nil
}

func (cb *circuitBreaker) recordSuccess(ctx context.Context, host string) error {
	return cb.broker.BreakerSuccess(ctx, host, cb.params)
}

func (cb *circuitBreaker) recordFailure(ctx context.Context, host string) error {
	return cb.broker.BreakerFailure(ctx, host, cb.params)
}

// reset forces the breaker for the given host closed.
func (cb *circuitBreaker) reset(ctx context.Context, host string) error {
	return cb.broker.BreakerReset(ctx, host)
}

// getState returns a snapshot of the breaker, including the time until the
// next reset probe when open.
func (cb *circuitBreaker) getState(ctx context.Context, host string) (*BreakerInfo, error) {
	info, err := cb.broker.BreakerInfo(ctx, host, cb.params)
	if err != nil {
		return nil, err
	}
	return &BreakerInfo{
		Host:           info.Host,
		State:          BreakerState(info.State),
		Failures:       info.Failures,
		Successes:      info.Successes,
		StateChangedAt: info.StateChangedAt,
		TimeUntilReset: info.TimeUntilReset,
	}, nil
}
