// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"sync"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/log"
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
)

// BackpressureConfig specifies the concurrency limits of a worker process.
type BackpressureConfig struct {
	// MaxConcurrency is the max number of in-flight requests per process.
	//
	// If unset or zero, 10 is used.
	MaxConcurrency int

	// PerHostConcurrency bounds in-flight requests per target host.
	//
	// Zero disables the per-host bound.
	PerHostConcurrency int
}

func (c *BackpressureConfig) withDefaults() BackpressureConfig {
	out := *c
	if out.MaxConcurrency == 0 {
		out.MaxConcurrency = 10
	}
	return out
}

// DenialReason tells why an admission check rejected a request.
type DenialReason string

const (
	DenialConcurrency DenialReason = "concurrency"
	DenialCircuitOpen DenialReason = "circuit-open"
	DenialRateLimit   DenialReason = "rate-limit"
)

// AdmissionDecision is the outcome of a composite backpressure check.
type AdmissionDecision struct {
	Allowed    bool
	Reason     DenialReason
	RetryAfter time.Duration
}

// BackpressureState is an observable snapshot of the in-process counters.
type BackpressureState struct {
	TotalActive    int
	MaxConcurrency int
	ActiveByHost   map[string]int
}

// backpressure composes the concurrency counters, the circuit breaker and
// the rate limiter into a single admission decision. Counters are
// per-process; cross-process pressure is bounded by the shared rate limiter.
type backpressure struct {
	logger  *log.Logger
	breaker *circuitBreaker
	limiter *rateLimiter
	cfg     BackpressureConfig
	clock   timeutil.Clock

	mu           sync.Mutex
	totalActive  int
	activeByHost map[string]int
}

func newBackpressure(logger *log.Logger, breaker *circuitBreaker, limiter *rateLimiter, cfg BackpressureConfig) *backpressure {
	return &backpressure{
		logger:       logger,
		breaker:      breaker,
		limiter:      limiter,
		cfg:          cfg.withDefaults(),
		clock:        timeutil.NewRealClock(),
		activeByHost: make(map[string]int),
	}
}

// canProceed runs the admission checks in order: total concurrency, per-host
// concurrency, circuit breaker, rate limiter.
func (bp *backpressure) canProceed(ctx context.Context, host string) (*AdmissionDecision, error) {
	bp.mu.Lock()
	if bp.totalActive >= bp.cfg.MaxConcurrency {
		bp.mu.Unlock()
		return &AdmissionDecision{Reason: DenialConcurrency}, nil
	}
	if bp.cfg.PerHostConcurrency > 0 && bp.activeByHost[host] >= bp.cfg.PerHostConcurrency {
		bp.mu.Unlock()
		return &AdmissionDecision{Reason: DenialConcurrency}, nil
	}
	bp.mu.Unlock()

	allowed, _, retryAfter, err := bp.breaker.isAllowed(ctx, host)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &AdmissionDecision{Reason: DenialCircuitOpen, RetryAfter: retryAfter}, nil
	}

	dec, err := bp.limiter.acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return &AdmissionDecision{Reason: DenialRateLimit, RetryAfter: dec.RetryAfter}, nil
	}
	return &AdmissionDecision{Allowed: true}, nil
}

// concurrencyPollInterval is the sleep between admission checks while denied
// on concurrency; rate-limit and circuit denials sleep the suggested wait.
const concurrencyPollInterval = 50 * time.Millisecond

// waitForSlot loops canProceed until admitted or maxWait elapses.
// It reports whether a slot was granted.
func (bp *backpressure) waitForSlot(ctx context.Context, host string, maxWait time.Duration) (bool, error) {
	deadline := bp.clock.Now().Add(maxWait)
	for {
		dec, err := bp.canProceed(ctx, host)
		if err != nil {
			return false, err
		}
		if dec.Allowed {
			return true, nil
		}
		wait := concurrencyPollInterval
		if dec.Reason != DenialConcurrency && dec.RetryAfter > 0 {
			wait = dec.RetryAfter
		}
		if bp.clock.Now().Add(wait).After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// acquire increments the in-process counters for the given host.
func (bp *backpressure) acquire(host string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.totalActive++
	bp.activeByHost[host]++
}

// release decrements the counters, saturating at zero and dropping empty
// host entries.
func (bp *backpressure) release(host string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.totalActive > 0 {
		bp.totalActive--
	}
	if n := bp.activeByHost[host]; n > 1 {
		bp.activeByHost[host] = n - 1
	} else {
		delete(bp.activeByHost, host)
	}
}

func (bp *backpressure) recordSuccess(ctx context.Context, host string) {
	if err := bp.breaker.recordSuccess(ctx, host); err != nil {
		bp.logger.Errorf("Failed to record circuit success for host %q: %v", host, err)
	}
}

func (bp *backpressure) recordFailure(ctx context.Context, host string) {
	if err := bp.breaker.recordFailure(ctx, host); err != nil {
		bp.logger.Errorf("Failed to record circuit failure for host %q: %v", host, err)
	}
}

// snapshot copies the current counters.
func (bp *backpressure) snapshot() *BackpressureState {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	byHost := make(map[string]int, len(bp.activeByHost))
	for h, n := range bp.activeByHost {
		byHost[h] = n
	}
	return &BackpressureState{
		TotalActive:    bp.totalActive,
		MaxConcurrency: bp.cfg.MaxConcurrency,
		ActiveByHost:   byHost,
	}
}
