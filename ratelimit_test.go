// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterScopeOrder(t *testing.T) {
	broker := newFakeBroker()
	var scopes []string
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		scopes = append(scopes, scope)
		return true, 0
	}
	rl := newRateLimiter(broker, RateLimitConfig{RequestsPerSecond: 10})

	dec, err := rl.acquire(context.Background(), "api.example.com")
	if err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("acquire denied, want allowed")
	}
	if len(scopes) != 2 || scopes[0] != "global" || scopes[1] != "host:api.example.com" {
		t.Errorf("scopes = %v, want [global host:api.example.com]", scopes)
	}
}

func TestRateLimiterGlobalDenialShortCircuits(t *testing.T) {
	broker := newFakeBroker()
	var scopes []string
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		scopes = append(scopes, scope)
		return false, 100 * time.Millisecond
	}
	rl := newRateLimiter(broker, RateLimitConfig{RequestsPerSecond: 10})

	dec, err := rl.acquire(context.Background(), "api.example.com")
	if err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}
	if dec.Allowed {
		t.Fatal("acquire allowed, want denied")
	}
	if dec.RetryAfter != 100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 100ms", dec.RetryAfter)
	}
	if len(scopes) != 1 || scopes[0] != "global" {
		t.Errorf("scopes = %v, want only global consulted", scopes)
	}
}

func TestRateLimiterNoHostScope(t *testing.T) {
	broker := newFakeBroker()
	var scopes []string
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		scopes = append(scopes, scope)
		return true, 0
	}
	rl := newRateLimiter(broker, RateLimitConfig{RequestsPerSecond: 10})

	if _, err := rl.acquire(context.Background(), ""); err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}
	if len(scopes) != 1 || scopes[0] != "global" {
		t.Errorf("scopes = %v, want only global consulted", scopes)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	broker := newFakeBroker()
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		t.Fatal("broker consulted while limiter disabled")
		return false, 0
	}
	rl := newRateLimiter(broker, RateLimitConfig{})

	dec, err := rl.acquire(context.Background(), "api.example.com")
	if err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}
	if !dec.Allowed {
		t.Error("disabled limiter denied")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(newFakeBroker(), RateLimitConfig{RequestsPerSecond: 10})
	if rl.burst != 15 {
		t.Errorf("burst = %v, want ceil(1.5*10) = 15", rl.burst)
	}
	if rl.hostRate != 1 {
		t.Errorf("hostRate = %v, want ceil(10/10) = 1", rl.hostRate)
	}
	if rl.hostBurst != 3 {
		t.Errorf("hostBurst = %v, want ceil(15/5) = 3", rl.hostBurst)
	}
}

func TestWaitForTokenHonorsDenialDelay(t *testing.T) {
	broker := newFakeBroker()
	var calls int
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		calls++
		if calls >= 3 {
			return true, 0
		}
		return false, 30 * time.Millisecond
	}
	rl := newRateLimiter(broker, RateLimitConfig{RequestsPerSecond: 10})

	ok, err := rl.waitForToken(context.Background(), "", time.Second)
	if err != nil {
		t.Fatalf("waitForToken returned error: %v", err)
	}
	if !ok {
		t.Error("waitForToken = false, want token granted")
	}
}

func TestWaitForTokenTimeout(t *testing.T) {
	broker := newFakeBroker()
	broker.takeTokenFunc = func(scope string) (bool, time.Duration) {
		return false, 40 * time.Millisecond
	}
	rl := newRateLimiter(broker, RateLimitConfig{RequestsPerSecond: 10})

	ok, err := rl.waitForToken(context.Background(), "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("waitForToken returned error: %v", err)
	}
	if ok {
		t.Error("waitForToken = true, want timeout")
	}
}
