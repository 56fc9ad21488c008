// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// rateLimitCmd implements a continuous-refill token bucket.
// The bucket state is only persisted when a token is consumed; on denial the
// refilled value is recomputed from last_update on the next take.
//
// KEYS[1] -> hqm:ratelimit:{scope}
// ARGV[1] -> refill rate in tokens per second
// ARGV[2] -> burst size
// ARGV[3] -> current time in unix milliseconds
//
// Output:
// Returns {1, 0} when a token was consumed.
// Returns {0, waitMs} when the bucket is empty.
var rateLimitCmd = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "last_update"))
if tokens == nil then
	tokens = burst
	last = now
end
tokens = math.min(burst, tokens + (now - last) * rate / 1000)
if tokens >= 1 then
	tokens = tokens - 1
	redis.call("HSET", KEYS[1], "tokens", tokens, "last_update", now)
	redis.call("EXPIRE", KEYS[1], 60)
	return {1, 0}
end
local wait = math.ceil((1 - tokens) / rate * 1000)
return {0, wait}
`)

// TakeToken attempts to consume one token from the bucket for the given scope.
// On denial the returned decision carries the wait suggested by the bucket.
func (r *RDB) TakeToken(ctx context.Context, scope string, rate, burst float64) (*base.RateLimitDecision, error) {
	var op errors.Op = "rdb.TakeToken"
	keys := []string{base.RateLimitKey(r.prefix, scope)}
	argv := []interface{}{rate, burst, r.clock.Now().UnixMilli()}
	res, err := r.runScriptWithErrorCode(ctx, op, rateLimitCmd, keys, argv...)
	if err != nil {
		return nil, err
	}
	vals, err := cast.ToSliceE(res)
	if err != nil || len(vals) != 2 {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	return &base.RateLimitDecision{
		Allowed:    cast.ToInt64(vals[0]) == 1,
		RetryAfter: time.Duration(cast.ToInt64(vals[1])) * time.Millisecond,
	}, nil
}

// breakerAllowCmd performs the admission check of the per-host breaker and,
// as a side effect, transitions open breakers to half-open once the reset
// timeout has elapsed.
//
// KEYS[1] -> hqm:cb:{host}
// ARGV[1] -> current time in unix milliseconds
// ARGV[2] -> reset timeout in milliseconds
// ARGV[3] -> max admissions while half-open
// ARGV[4] -> key ttl in seconds
//
// Output:
// Returns {allowed, state, retryAfterMs}.
var breakerAllowCmd = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	state = "closed"
end
if state == "closed" then
	return {1, "closed", 0}
end
local changed = tonumber(redis.call("HGET", KEYS[1], "state_changed_at")) or 0
if state == "open" then
	local elapsed = tonumber(ARGV[1]) - changed
	if elapsed >= tonumber(ARGV[2]) then
		redis.call("HSET", KEYS[1], "state", "half-open", "failures", 0, "successes", 0, "state_changed_at", ARGV[1])
		redis.call("EXPIRE", KEYS[1], ARGV[4])
		return {1, "half-open", 0}
	end
	return {0, "open", tonumber(ARGV[2]) - elapsed}
end
local f = tonumber(redis.call("HGET", KEYS[1], "failures")) or 0
local s = tonumber(redis.call("HGET", KEYS[1], "successes")) or 0
if f + s < tonumber(ARGV[3]) then
	return {1, "half-open", 0}
end
return {0, "half-open", 0}
`)

// BreakerAllow reports whether the breaker for the given host admits a
// request, along with the observed state and, when open, the time until the
// next reset probe.
func (r *RDB) BreakerAllow(ctx context.Context, host string, p base.BreakerParams) (bool, base.BreakerState, time.Duration, error) {
	var op errors.Op = "rdb.BreakerAllow"
	keys := []string{base.BreakerKey(r.prefix, host)}
	argv := []interface{}{
		r.clock.Now().UnixMilli(),
		p.ResetTimeout.Milliseconds(),
		p.HalfOpenMaxRequests,
		int(p.TTL.Seconds()),
	}
	res, err := r.runScriptWithErrorCode(ctx, op, breakerAllowCmd, keys, argv...)
	if err != nil {
		return false, 0, 0, err
	}
	vals, err := cast.ToSliceE(res)
	if err != nil || len(vals) != 3 {
		return false, 0, 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	state, err := base.BreakerStateFromString(cast.ToString(vals[1]))
	if err != nil {
		return false, 0, 0, errors.E(op, errors.Internal, err)
	}
	allowed := cast.ToInt64(vals[0]) == 1
	retryAfter := time.Duration(cast.ToInt64(vals[2])) * time.Millisecond
	return allowed, state, retryAfter, nil
}

// breakerSuccessCmd records a success against the breaker.
// Closed: failure streak resets. Half-open: success counter advances and the
// breaker closes once the success threshold is met. Open: no-op.
//
// KEYS[1] -> hqm:cb:{host}
// ARGV[1] -> current time in unix milliseconds
// ARGV[2] -> success threshold
// ARGV[3] -> key ttl in seconds
var breakerSuccessCmd = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	state = "closed"
end
if state == "closed" then
	redis.call("HSET", KEYS[1], "state", "closed", "failures", 0)
	redis.call("EXPIRE", KEYS[1], ARGV[3])
elseif state == "half-open" then
	local s = (tonumber(redis.call("HGET", KEYS[1], "successes")) or 0) + 1
	if s >= tonumber(ARGV[2]) then
		redis.call("HSET", KEYS[1], "state", "closed", "failures", 0, "successes", 0, "state_changed_at", ARGV[1])
	else
		redis.call("HSET", KEYS[1], "successes", s)
	end
	redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return redis.status_reply("OK")
`)

// BreakerSuccess records a successful outcome for the given host.
func (r *RDB) BreakerSuccess(ctx context.Context, host string, p base.BreakerParams) error {
	var op errors.Op = "rdb.BreakerSuccess"
	keys := []string{base.BreakerKey(r.prefix, host)}
	argv := []interface{}{
		r.clock.Now().UnixMilli(),
		p.SuccessThreshold,
		int(p.TTL.Seconds()),
	}
	return r.runScript(ctx, op, breakerSuccessCmd, keys, argv...)
}

// breakerFailureCmd records a failure against the breaker.
// Closed: failure counter advances and the breaker opens once the failure
// threshold is met. Half-open: the breaker reopens. Open: no-op.
//
// KEYS[1] -> hqm:cb:{host}
// ARGV[1] -> current time in unix milliseconds
// ARGV[2] -> failure threshold
// ARGV[3] -> key ttl in seconds
var breakerFailureCmd = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	state = "closed"
end
if state == "closed" then
	local f = (tonumber(redis.call("HGET", KEYS[1], "failures")) or 0) + 1
	if f >= tonumber(ARGV[2]) then
		redis.call("HSET", KEYS[1], "state", "open", "failures", 0, "successes", 0, "state_changed_at", ARGV[1], "last_failure", ARGV[1])
	else
		redis.call("HSET", KEYS[1], "state", "closed", "failures", f, "last_failure", ARGV[1])
	end
elseif state == "half-open" then
	redis.call("HSET", KEYS[1], "state", "open", "failures", 0, "successes", 0, "state_changed_at", ARGV[1], "last_failure", ARGV[1])
end
redis.call("EXPIRE", KEYS[1], ARGV[3])
return redis.status_reply("OK")
`)

// BreakerFailure records a failed outcome for the given host.
func (r *RDB) BreakerFailure(ctx context.Context, host string, p base.BreakerParams) error {
	var op errors.Op = "rdb.BreakerFailure"
	keys := []string{base.BreakerKey(r.prefix, host)}
	argv := []interface{}{
		r.clock.Now().UnixMilli(),
		p.FailureThreshold,
		int(p.TTL.Seconds()),
	}
	return r.runScript(ctx, op, breakerFailureCmd, keys, argv...)
}

// BreakerInfo returns a snapshot of the breaker for the given host.
// A host with no breaker key reports a closed breaker with zero counters.
func (r *RDB) BreakerInfo(ctx context.Context, host string, p base.BreakerParams) (*base.BreakerInfo, error) {
	var op errors.Op = "rdb.BreakerInfo"
	fields, err := r.client.HGetAll(ctx, base.BreakerKey(r.prefix, host)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis hgetall error: %v", err))
	}
	info := &base.BreakerInfo{Host: host, State: base.BreakerClosed}
	if len(fields) == 0 {
		return info, nil
	}
	if s, ok := fields["state"]; ok {
		state, err := base.BreakerStateFromString(s)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		info.State = state
	}
	info.Failures = cast.ToInt(fields["failures"])
	info.Successes = cast.ToInt(fields["successes"])
	if ms := cast.ToInt64(fields["state_changed_at"]); ms > 0 {
		info.StateChangedAt = time.UnixMilli(ms)
	}
	if info.State == base.BreakerOpen {
		elapsed := r.clock.Now().Sub(info.StateChangedAt)
		if remaining := p.ResetTimeout - elapsed; remaining > 0 {
			info.TimeUntilReset = remaining
		}
	}
	return info, nil
}

// BreakerReset deletes the breaker key for the given host, forcing it closed.
func (r *RDB) BreakerReset(ctx context.Context, host string) error {
	var op errors.Op = "rdb.BreakerReset"
	if err := r.client.Del(ctx, base.BreakerKey(r.prefix, host)).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis del error: %v", err))
	}
	return nil
}
