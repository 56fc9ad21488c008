// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"reflect"
	"testing"
	"time"
)

func TestKeyBuilders(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{PendingKey("hqm:"), "hqm:queue:pending"},
		{ProcessingKey("hqm:"), "hqm:queue:processing"},
		{ScheduledKey("hqm:"), "hqm:queue:scheduled"},
		{DeadKey("hqm:"), "hqm:queue:dead"},
		{RequestKey("hqm:", "abc123"), "hqm:request:abc123"},
		{RateLimitKey("hqm:", "global"), "hqm:ratelimit:global"},
		{RateLimitKey("hqm:", "host:api.example.com"), "hqm:ratelimit:host:api.example.com"},
		{BreakerKey("hqm:", "api.example.com:8443"), "hqm:cb:api.example.com:8443"},
		{LockKey("hqm:", "migrate"), "hqm:lock:migrate"},
		{NewRequestChannel("hqm:"), "hqm:channel:new-request"},
		{RetryChannel("hqm:"), "hqm:channel:retry"},
		{PendingKey("custom:"), "custom:queue:pending"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestPriorityScore(t *testing.T) {
	now := time.Now()
	later := now.Add(5 * time.Second)

	// Higher priority sorts strictly before lower priority regardless of
	// enqueue time.
	if PriorityScore(90, later) >= PriorityScore(50, now) {
		t.Errorf("priority 90 should score below priority 50")
	}
	if PriorityScore(50, later) >= PriorityScore(10, now) {
		t.Errorf("priority 50 should score below priority 10")
	}

	// Equal priorities sort by insertion time.
	if PriorityScore(50, now) >= PriorityScore(50, later) {
		t.Errorf("earlier enqueue should score below later enqueue at equal priority")
	}
}

func TestStateStringRoundTrip(t *testing.T) {
	states := []State{
		StatePending,
		StateScheduled,
		StateProcessing,
		StateCompleted,
		StateFailed,
		StateDead,
		StateCancelled,
	}
	for _, s := range states {
		got, err := StateFromString(s.String())
		if err != nil {
			t.Fatalf("StateFromString(%q) returned error: %v", s.String(), err)
		}
		if got != s {
			t.Errorf("StateFromString(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if _, err := StateFromString("bogus"); err == nil {
		t.Error("StateFromString(\"bogus\") did not return error")
	}
}

func TestBreakerStateStringRoundTrip(t *testing.T) {
	states := []BreakerState{BreakerClosed, BreakerOpen, BreakerHalfOpen}
	for _, s := range states {
		got, err := BreakerStateFromString(s.String())
		if err != nil {
			t.Fatalf("BreakerStateFromString(%q) returned error: %v", s.String(), err)
		}
		if got != s {
			t.Errorf("BreakerStateFromString(%q) = %v, want %v", s.String(), got, s)
		}
	}
}

func TestMessageEncoding(t *testing.T) {
	scheduled := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	created := time.Date(2025, 5, 31, 9, 30, 0, 0, time.UTC)
	msg := &RequestMessage{
		ID:     "req-1",
		URL:    "https://api.example.com/hooks",
		Method: "POST",
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Token":      "secret",
		},
		Body:         []byte(`{"hello":"world"}`),
		Priority:     80,
		MaxRetries:   5,
		Timeout:      15000,
		ScheduledFor: scheduled,
		Metadata: map[string]interface{}{
			"tenant": "acme",
			"weight": float64(3),
		},
		CreatedAt: created,
	}

	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage returned error: %v", err)
	}
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage returned error: %v", err)
	}
	if !reflect.DeepEqual(msg, decoded) {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, msg)
	}
}

func TestMessageEncodingZeroFields(t *testing.T) {
	created := time.Date(2025, 5, 31, 9, 30, 0, 0, time.UTC)
	msg := &RequestMessage{
		ID:         "req-2",
		URL:        "https://api.example.com/ping",
		Method:     "GET",
		Priority:   50,
		MaxRetries: 3,
		CreatedAt:  created,
	}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage returned error: %v", err)
	}
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage returned error: %v", err)
	}
	if !decoded.ScheduledFor.IsZero() {
		t.Errorf("ScheduledFor = %v, want zero", decoded.ScheduledFor)
	}
	if !reflect.DeepEqual(msg, decoded) {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, msg)
	}
}

func TestEncodeMessageNil(t *testing.T) {
	if _, err := EncodeMessage(nil); err == nil {
		t.Error("EncodeMessage(nil) did not return error")
	}
}
