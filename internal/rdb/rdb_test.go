// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/errors"
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// setup returns an RDB against a live redis instance, flushing the test DB.
// Tests are skipped when HQM_TEST_REDIS_ADDR is not set.
func setup(t *testing.T) *RDB {
	t.Helper()
	addr := os.Getenv("HQM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HQM_TEST_REDIS_ADDR not set; skipping redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 14})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("could not flush test db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRDB(client, "hqmtest:")
}

func testMessage(id string, priority int) *base.RequestMessage {
	return &base.RequestMessage{
		ID:         id,
		URL:        "https://api.example.com/hooks",
		Method:     "POST",
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	// Enqueued low priority first; dequeue order must follow priority.
	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"low", 10},
		{"mid", 50},
		{"high", 90},
	} {
		if err := r.Enqueue(ctx, testMessage(tc.id, tc.priority)); err != nil {
			t.Fatalf("Enqueue(%s) returned error: %v", tc.id, err)
		}
	}

	wantOrder := []string{"high", "mid", "low"}
	for _, want := range wantOrder {
		msg, err := r.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue returned error: %v", err)
		}
		if msg == nil {
			t.Fatalf("Dequeue returned nil, want %s", want)
		}
		if msg.ID != want {
			t.Errorf("Dequeue = %s, want %s", msg.ID, want)
		}
	}

	msg, err := r.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue on empty queue returned error: %v", err)
	}
	if msg != nil {
		t.Errorf("Dequeue on empty queue = %v, want nil", msg)
	}
}

func TestEnqueueFIFOAtEqualPriority(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now())
	r.SetClock(clock)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if err := r.Enqueue(ctx, testMessage(id, 50)); err != nil {
			t.Fatalf("Enqueue(%s) returned error: %v", id, err)
		}
		clock.AdvanceTime(time.Millisecond)
	}
	for _, want := range []string{"first", "second", "third"} {
		msg, err := r.Dequeue(ctx)
		if err != nil || msg == nil {
			t.Fatalf("Dequeue = (%v, %v), want %s", msg, err, want)
		}
		if msg.ID != want {
			t.Errorf("Dequeue = %s, want %s", msg.ID, want)
		}
	}
}

func TestEnqueueConflict(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	if err := r.Enqueue(ctx, testMessage("dup", 50)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	err := r.Enqueue(ctx, testMessage("dup", 50))
	if !errors.IsConflict(err) {
		t.Errorf("second Enqueue error = %v, want conflict", err)
	}
}

func TestDequeueMovesToProcessing(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	if err := r.Enqueue(ctx, testMessage("a", 50)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := r.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	sizes, err := r.QueueSizes(ctx)
	if err != nil {
		t.Fatalf("QueueSizes returned error: %v", err)
	}
	if sizes.Pending != 0 || sizes.Processing != 1 {
		t.Errorf("sizes = %+v, want pending=0 processing=1", sizes)
	}
}

func TestScheduleRetryAndPromote(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now())
	r.SetClock(clock)
	ctx := context.Background()

	if err := r.Enqueue(ctx, testMessage("a", 50)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := r.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	retryAt := clock.Now().Add(500 * time.Millisecond)
	if err := r.ScheduleRetry(ctx, "a", retryAt); err != nil {
		t.Fatalf("ScheduleRetry returned error: %v", err)
	}

	// Not yet due.
	ids, err := r.PromoteScheduled(ctx)
	if err != nil {
		t.Fatalf("PromoteScheduled returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("PromoteScheduled before due = %v, want none", ids)
	}

	clock.AdvanceTime(time.Second)
	ids, err = r.PromoteScheduled(ctx)
	if err != nil {
		t.Fatalf("PromoteScheduled returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("PromoteScheduled = %v, want [a]", ids)
	}

	// Idempotent: re-running is a no-op.
	ids, err = r.PromoteScheduled(ctx)
	if err != nil {
		t.Fatalf("PromoteScheduled returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("second PromoteScheduled = %v, want none", ids)
	}

	msg, err := r.Dequeue(ctx)
	if err != nil || msg == nil || msg.ID != "a" {
		t.Errorf("Dequeue after promote = (%v, %v), want a", msg, err)
	}
}

func TestCancel(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	if err := r.Enqueue(ctx, testMessage("a", 50)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	removed, err := r.Cancel(ctx, "a")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if !removed {
		t.Error("Cancel = false, want true for pending request")
	}

	// Second cancel finds nothing.
	removed, err = r.Cancel(ctx, "a")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if removed {
		t.Error("second Cancel = true, want false")
	}

	// A request already claimed into processing is not cancelled.
	if err := r.Enqueue(ctx, testMessage("b", 50)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := r.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	removed, err = r.Cancel(ctx, "b")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if removed {
		t.Error("Cancel of processing request = true, want false")
	}
}

func TestMoveToDeadAndReenqueue(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	msg := testMessage("a", 50)
	if err := r.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := r.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if err := r.MoveToDead(ctx, "a"); err != nil {
		t.Fatalf("MoveToDead returned error: %v", err)
	}
	sizes, _ := r.QueueSizes(ctx)
	if sizes.Processing != 0 || sizes.Dead != 1 {
		t.Errorf("sizes = %+v, want processing=0 dead=1", sizes)
	}

	if err := r.ReenqueueDead(ctx, msg); err != nil {
		t.Fatalf("ReenqueueDead returned error: %v", err)
	}
	sizes, _ = r.QueueSizes(ctx)
	if sizes.Dead != 0 || sizes.Pending != 1 {
		t.Errorf("sizes = %+v, want dead=0 pending=1", sizes)
	}

	// A request not in the dead set reports not found.
	err := r.ReenqueueDead(ctx, testMessage("ghost", 50))
	if !errors.IsNotFound(err) {
		t.Errorf("ReenqueueDead of unknown id error = %v, want not found", err)
	}
}

func TestRequeueOrphaned(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now())
	r.SetClock(clock)
	ctx := context.Background()

	if err := r.Enqueue(ctx, testMessage("a", 50)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if _, err := r.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}

	// Too fresh to be an orphan.
	ids, err := r.RequeueOrphaned(ctx, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RequeueOrphaned returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("RequeueOrphaned = %v, want none", ids)
	}

	clock.AdvanceTime(2 * time.Minute)
	ids, err = r.RequeueOrphaned(ctx, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RequeueOrphaned returned error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("RequeueOrphaned = %v, want [a]", ids)
	}
	sizes, _ := r.QueueSizes(ctx)
	if sizes.Processing != 0 || sizes.Pending != 1 {
		t.Errorf("sizes = %+v, want processing=0 pending=1", sizes)
	}
}

func TestTakeTokenBucketShape(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now())
	r.SetClock(clock)
	ctx := context.Background()

	// burst of 10 at 10 rps; the 11th take waits ~100ms.
	for i := 0; i < 10; i++ {
		dec, err := r.TakeToken(ctx, "global", 10, 10)
		if err != nil {
			t.Fatalf("TakeToken returned error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("take %d denied, want allowed", i+1)
		}
	}
	dec, err := r.TakeToken(ctx, "global", 10, 10)
	if err != nil {
		t.Fatalf("TakeToken returned error: %v", err)
	}
	if dec.Allowed {
		t.Fatal("11th take allowed, want denied")
	}
	if dec.RetryAfter != 100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 100ms", dec.RetryAfter)
	}

	// Refill grants a token again.
	clock.AdvanceTime(150 * time.Millisecond)
	dec, err = r.TakeToken(ctx, "global", 10, 10)
	if err != nil {
		t.Fatalf("TakeToken returned error: %v", err)
	}
	if !dec.Allowed {
		t.Error("take after refill denied, want allowed")
	}
}

func TestBreakerLifecycle(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now())
	r.SetClock(clock)
	ctx := context.Background()

	p := base.BreakerParams{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		HalfOpenMaxRequests: 1,
		ResetTimeout:        500 * time.Millisecond,
		TTL:                 5 * time.Minute,
	}
	host := "down.example.com"

	// Closed admits.
	allowed, state, _, err := r.BreakerAllow(ctx, host, p)
	if err != nil {
		t.Fatalf("BreakerAllow returned error: %v", err)
	}
	if !allowed || state != base.BreakerClosed {
		t.Fatalf("BreakerAllow = (%v, %v), want (true, closed)", allowed, state)
	}

	// Three failures open the breaker.
	for i := 0; i < 3; i++ {
		if err := r.BreakerFailure(ctx, host, p); err != nil {
			t.Fatalf("BreakerFailure returned error: %v", err)
		}
	}
	allowed, state, retryAfter, err := r.BreakerAllow(ctx, host, p)
	if err != nil {
		t.Fatalf("BreakerAllow returned error: %v", err)
	}
	if allowed || state != base.BreakerOpen {
		t.Fatalf("BreakerAllow after failures = (%v, %v), want (false, open)", allowed, state)
	}
	if retryAfter <= 0 || retryAfter > 500*time.Millisecond {
		t.Errorf("retryAfter = %v, want in (0, 500ms]", retryAfter)
	}

	// After the reset timeout one probe is admitted half-open.
	clock.AdvanceTime(600 * time.Millisecond)
	allowed, state, _, err = r.BreakerAllow(ctx, host, p)
	if err != nil {
		t.Fatalf("BreakerAllow returned error: %v", err)
	}
	if !allowed || state != base.BreakerHalfOpen {
		t.Fatalf("BreakerAllow after reset = (%v, %v), want (true, half-open)", allowed, state)
	}

	// A success closes it again.
	if err := r.BreakerSuccess(ctx, host, p); err != nil {
		t.Fatalf("BreakerSuccess returned error: %v", err)
	}
	info, err := r.BreakerInfo(ctx, host, p)
	if err != nil {
		t.Fatalf("BreakerInfo returned error: %v", err)
	}
	if info.State != base.BreakerClosed {
		t.Errorf("state after success = %v, want closed", info.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	r := setup(t)
	clock := timeutil.NewSimulatedClock(time.Now())
	r.SetClock(clock)
	ctx := context.Background()

	p := base.BreakerParams{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		HalfOpenMaxRequests: 1,
		ResetTimeout:        100 * time.Millisecond,
		TTL:                 5 * time.Minute,
	}
	host := "flaky.example.com"

	if err := r.BreakerFailure(ctx, host, p); err != nil {
		t.Fatalf("BreakerFailure returned error: %v", err)
	}
	clock.AdvanceTime(200 * time.Millisecond)
	allowed, state, _, err := r.BreakerAllow(ctx, host, p)
	if err != nil || !allowed || state != base.BreakerHalfOpen {
		t.Fatalf("BreakerAllow = (%v, %v, %v), want half-open probe", allowed, state, err)
	}
	if err := r.BreakerFailure(ctx, host, p); err != nil {
		t.Fatalf("BreakerFailure returned error: %v", err)
	}
	info, err := r.BreakerInfo(ctx, host, p)
	if err != nil {
		t.Fatalf("BreakerInfo returned error: %v", err)
	}
	if info.State != base.BreakerOpen {
		t.Errorf("state after half-open failure = %v, want open", info.State)
	}
}

func TestBreakerReset(t *testing.T) {
	r := setup(t)
	ctx := context.Background()
	p := base.BreakerParams{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		HalfOpenMaxRequests: 1,
		ResetTimeout:        time.Hour,
		TTL:                 5 * time.Minute,
	}
	host := "down.example.com"
	if err := r.BreakerFailure(ctx, host, p); err != nil {
		t.Fatalf("BreakerFailure returned error: %v", err)
	}
	if err := r.BreakerReset(ctx, host); err != nil {
		t.Fatalf("BreakerReset returned error: %v", err)
	}
	allowed, state, _, err := r.BreakerAllow(ctx, host, p)
	if err != nil || !allowed || state != base.BreakerClosed {
		t.Errorf("BreakerAllow after reset = (%v, %v, %v), want (true, closed)", allowed, state, err)
	}
}

func TestLocks(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	token, err := r.AcquireLock(ctx, "migrate", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock returned error: %v", err)
	}
	if token == "" {
		t.Fatal("AcquireLock returned empty token")
	}

	if _, err := r.AcquireLock(ctx, "migrate", time.Minute); !errors.IsConflict(err) {
		t.Errorf("second AcquireLock error = %v, want conflict", err)
	}

	if err := r.ReleaseLock(ctx, "migrate", "wrong-token"); !errors.IsNotFound(err) {
		t.Errorf("ReleaseLock with wrong token error = %v, want not found", err)
	}
	if err := r.ReleaseLock(ctx, "migrate", token); err != nil {
		t.Errorf("ReleaseLock returned error: %v", err)
	}
	if _, err := r.AcquireLock(ctx, "migrate", time.Minute); err != nil {
		t.Errorf("AcquireLock after release returned error: %v", err)
	}
}
