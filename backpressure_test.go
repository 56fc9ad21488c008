// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"testing"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/log"
)

func newTestBackpressure(broker base.Broker, cfg BackpressureConfig) *backpressure {
	logger := log.NewLogger(nil)
	logger.SetLevel(log.FatalLevel)
	breaker := newCircuitBreaker(broker, BreakerConfig{})
	limiter := newRateLimiter(broker, RateLimitConfig{RequestsPerSecond: 100})
	return newBackpressure(logger, breaker, limiter, cfg)
}

func TestBackpressureAdmits(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{MaxConcurrency: 2})
	dec, err := bp.canProceed(context.Background(), "api.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("canProceed denied: %+v", dec)
	}
}

func TestBackpressureTotalConcurrencyDenial(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{MaxConcurrency: 2})
	bp.acquire("a.example.com")
	bp.acquire("b.example.com")

	dec, err := bp.canProceed(context.Background(), "c.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if dec.Allowed || dec.Reason != DenialConcurrency {
		t.Errorf("canProceed = %+v, want concurrency denial", dec)
	}

	bp.release("a.example.com")
	dec, err = bp.canProceed(context.Background(), "c.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("canProceed after release = %+v, want admit", dec)
	}
}

func TestBackpressurePerHostConcurrencyDenial(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{
		MaxConcurrency:     10,
		PerHostConcurrency: 1,
	})
	bp.acquire("a.example.com")

	dec, err := bp.canProceed(context.Background(), "a.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if dec.Allowed || dec.Reason != DenialConcurrency {
		t.Errorf("canProceed = %+v, want per-host concurrency denial", dec)
	}

	// Another host is unaffected.
	dec, err = bp.canProceed(context.Background(), "b.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("canProceed for other host = %+v, want admit", dec)
	}
}

func TestBackpressureCircuitDenial(t *testing.T) {
	broker := newFakeBroker()
	broker.breakerAllowFunc = func(host string) (bool, base.BreakerState, time.Duration) {
		return false, base.BreakerOpen, 400 * time.Millisecond
	}
	bp := newTestBackpressure(broker, BackpressureConfig{MaxConcurrency: 10})

	dec, err := bp.canProceed(context.Background(), "down.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if dec.Allowed || dec.Reason != DenialCircuitOpen {
		t.Errorf("canProceed = %+v, want circuit-open denial", dec)
	}
	if dec.RetryAfter != 400*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 400ms", dec.RetryAfter)
	}
}

func TestBackpressureRateLimitDenial(t *testing.T) {
	broker := newFakeBroker()
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		return false, 100 * time.Millisecond
	}
	bp := newTestBackpressure(broker, BackpressureConfig{MaxConcurrency: 10})

	dec, err := bp.canProceed(context.Background(), "api.example.com")
	if err != nil {
		t.Fatalf("canProceed returned error: %v", err)
	}
	if dec.Allowed || dec.Reason != DenialRateLimit {
		t.Errorf("canProceed = %+v, want rate-limit denial", dec)
	}
	if dec.RetryAfter != 100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 100ms", dec.RetryAfter)
	}
}

func TestBackpressureReleaseSaturates(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{MaxConcurrency: 5})
	bp.release("never.acquired.example.com")
	bp.release("never.acquired.example.com")

	state := bp.snapshot()
	if state.TotalActive != 0 {
		t.Errorf("TotalActive = %d, want 0", state.TotalActive)
	}
	if len(state.ActiveByHost) != 0 {
		t.Errorf("ActiveByHost = %v, want empty", state.ActiveByHost)
	}
}

func TestBackpressureSnapshot(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{MaxConcurrency: 5})
	bp.acquire("a.example.com")
	bp.acquire("a.example.com")
	bp.acquire("b.example.com")
	bp.release("b.example.com")

	state := bp.snapshot()
	if state.TotalActive != 2 {
		t.Errorf("TotalActive = %d, want 2", state.TotalActive)
	}
	if state.MaxConcurrency != 5 {
		t.Errorf("MaxConcurrency = %d, want 5", state.MaxConcurrency)
	}
	if state.ActiveByHost["a.example.com"] != 2 {
		t.Errorf("ActiveByHost[a] = %d, want 2", state.ActiveByHost["a.example.com"])
	}
	if _, ok := state.ActiveByHost["b.example.com"]; ok {
		t.Error("zero entry for host b was not removed")
	}
}

func TestBackpressureWaitForSlotTimeout(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{MaxConcurrency: 1})
	bp.acquire("a.example.com")

	start := time.Now()
	ok, err := bp.waitForSlot(context.Background(), "b.example.com", 120*time.Millisecond)
	if err != nil {
		t.Fatalf("waitForSlot returned error: %v", err)
	}
	if ok {
		t.Error("waitForSlot = true, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("waitForSlot took %v, want roughly the 120ms budget", elapsed)
	}
}

func TestBackpressureWaitForSlotRecovers(t *testing.T) {
	bp := newTestBackpressure(newFakeBroker(), BackpressureConfig{MaxConcurrency: 1})
	bp.acquire("a.example.com")
	go func() {
		time.Sleep(60 * time.Millisecond)
		bp.release("a.example.com")
	}()

	ok, err := bp.waitForSlot(context.Background(), "b.example.com", 2*time.Second)
	if err != nil {
		t.Fatalf("waitForSlot returned error: %v", err)
	}
	if !ok {
		t.Error("waitForSlot = false, want admit after release")
	}
}

func TestBackpressureRecordsCircuitOutcomes(t *testing.T) {
	broker := newFakeBroker()
	bp := newTestBackpressure(broker, BackpressureConfig{MaxConcurrency: 5})
	ctx := context.Background()
	bp.recordSuccess(ctx, "a.example.com")
	bp.recordFailure(ctx, "a.example.com")
	bp.recordFailure(ctx, "b.example.com")

	if len(broker.breakerSuccesses) != 1 || broker.breakerSuccesses[0] != "a.example.com" {
		t.Errorf("breakerSuccesses = %v", broker.breakerSuccesses)
	}
	if len(broker.breakerFailures) != 2 {
		t.Errorf("breakerFailures = %v", broker.breakerFailures)
	}
}
