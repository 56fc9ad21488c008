// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/redis/go-redis/v9"
)

// fakeBroker implements base.Broker for component tests. Behavior of the
// throttle operations is injectable; ScheduleRetry, MarkComplete, MoveToDead
// and the breaker outcome calls are recorded; everything else is a no-op.
type fakeBroker struct {
	breakerAllowFunc func(host string) (bool, base.BreakerState, time.Duration)
	takeTokenFunc    func(scope string) (bool, time.Duration)

	breakerSuccesses []string
	breakerFailures  []string
	scheduledRetries map[string]time.Time
	deadIDs          []string
	completedIDs     []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		scheduledRetries: make(map[string]time.Time),
	}
}

func (f *fakeBroker) Ping(ctx context.Context) error { return nil }
func (f *fakeBroker) Close() error                   { return nil }

func (f *fakeBroker) Enqueue(ctx context.Context, msg *base.RequestMessage) error { return nil }
func (f *fakeBroker) EnqueueBatch(ctx context.Context, msgs []*base.RequestMessage) error {
	return nil
}
func (f *fakeBroker) Schedule(ctx context.Context, msg *base.RequestMessage, at time.Time) error {
	return nil
}
func (f *fakeBroker) Dequeue(ctx context.Context) (*base.RequestMessage, error) { return nil, nil }

func (f *fakeBroker) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	f.scheduledRetries[id] = at
	return nil
}

func (f *fakeBroker) PromoteScheduled(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeBroker) MarkComplete(ctx context.Context, id string) error {
	f.completedIDs = append(f.completedIDs, id)
	return nil
}

func (f *fakeBroker) MoveToDead(ctx context.Context, id string) error {
	f.deadIDs = append(f.deadIDs, id)
	return nil
}

func (f *fakeBroker) Cancel(ctx context.Context, id string) (bool, error) { return false, nil }
func (f *fakeBroker) ReenqueueDead(ctx context.Context, msg *base.RequestMessage) error {
	return nil
}
func (f *fakeBroker) RequeueOrphaned(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}
func (f *fakeBroker) RemoveDead(ctx context.Context, ids []string) error { return nil }
func (f *fakeBroker) QueueSizes(ctx context.Context) (*base.QueueSizes, error) {
	return &base.QueueSizes{}, nil
}

func (f *fakeBroker) TakeToken(ctx context.Context, scope string, rate, burst float64) (*base.RateLimitDecision, error) {
	if f.takeTokenFunc == nil {
		return &base.RateLimitDecision{Allowed: true}, nil
	}
	allowed, retryAfter := f.takeTokenFunc(scope)
	return &base.RateLimitDecision{Allowed: allowed, RetryAfter: retryAfter}, nil
}

func (f *fakeBroker) BreakerAllow(ctx context.Context, host string, p base.BreakerParams) (bool, base.BreakerState, time.Duration, error) {
	if f.breakerAllowFunc == nil {
		return true, base.BreakerClosed, 0, nil
	}
	allowed, state, retryAfter := f.breakerAllowFunc(host)
	return allowed, state, retryAfter, nil
}

func (f *fakeBroker) BreakerSuccess(ctx context.Context, host string, p base.BreakerParams) error {
	f.breakerSuccesses = append(f.breakerSuccesses, host)
	return nil
}

func (f *fakeBroker) BreakerFailure(ctx context.Context, host string, p base.BreakerParams) error {
	f.breakerFailures = append(f.breakerFailures, host)
	return nil
}

func (f *fakeBroker) BreakerInfo(ctx context.Context, host string, p base.BreakerParams) (*base.BreakerInfo, error) {
	return &base.BreakerInfo{Host: host, State: base.BreakerClosed}, nil
}

func (f *fakeBroker) BreakerReset(ctx context.Context, host string) error { return nil }

func (f *fakeBroker) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	return "token", nil
}
func (f *fakeBroker) ReleaseLock(ctx context.Context, resource, token string) error { return nil }

func (f *fakeBroker) SubscribeNotifications(ctx context.Context) (*redis.PubSub, error) {
	return nil, nil
}
func (f *fakeBroker) NewRequestChannel() string { return base.NewRequestChannel(base.DefaultKeyPrefix) }
func (f *fakeBroker) RetryChannel() string      { return base.RetryChannel(base.DefaultKeyPrefix) }
