// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/errors"
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// RDB is a client interface to query and mutate queue index structures in redis.
// It implements the base.Broker interface.
type RDB struct {
	client redis.UniversalClient
	prefix string
	clock  timeutil.Clock
}

// NewRDB returns a new instance of RDB. All keys are created under the
// given prefix; pass an empty string to use base.DefaultKeyPrefix.
func NewRDB(client redis.UniversalClient, prefix string) *RDB {
	if prefix == "" {
		prefix = base.DefaultKeyPrefix
	}
	return &RDB{
		client: client,
		prefix: prefix,
		clock:  timeutil.NewRealClock(),
	}
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// NewRequestChannel returns the pub/sub channel name for new-request notifications.
func (r *RDB) NewRequestChannel() string {
	return base.NewRequestChannel(r.prefix)
}

// RetryChannel returns the pub/sub channel name for retry notifications.
func (r *RDB) RetryChannel() string {
	return base.RetryChannel(r.prefix)
}

// SubscribeNotifications subscribes to the new-request and retry channels.
func (r *RDB) SubscribeNotifications(ctx context.Context) (*redis.PubSub, error) {
	return r.client.Subscribe(ctx, r.NewRequestChannel(), r.RetryChannel()), nil
}

func (r *RDB) runScript(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) error {
	if err := script.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return nil
}

func (r *RDB) runScriptWithErrorCode(ctx context.Context, op errors.Op, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	return res, nil
}

// enqueueCmd stores the serialized request snapshot and adds the id to the
// pending queue, unless the id is already indexed.
//
// KEYS[1] -> hqm:request:{id}
// KEYS[2] -> hqm:queue:pending
// ARGV[1] -> encoded request snapshot
// ARGV[2] -> pending queue score
// ARGV[3] -> request id
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if request ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Enqueue adds the given request to the pending queue and publishes a
// new-request notification.
func (r *RDB) Enqueue(ctx context.Context, msg *base.RequestMessage) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.RequestKey(r.prefix, msg.ID),
		base.PendingKey(r.prefix),
	}
	argv := []interface{}{
		encoded,
		base.PriorityScore(msg.Priority, r.clock.Now()),
		msg.ID,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, enqueueCmd, keys, argv...)
	if err != nil {
		return err
	}
	if cast.ToInt64(n) == 0 {
		return errors.E(op, errors.AlreadyExists, fmt.Sprintf("request id %q already exists", msg.ID))
	}
	return r.publishNewRequest(ctx, op, msg.ID)
}

// scheduleCmd stores the serialized request snapshot and adds the id to the
// scheduled set keyed by its dispatch time, unless the id is already indexed.
//
// KEYS[1] -> hqm:request:{id}
// KEYS[2] -> hqm:queue:scheduled
// ARGV[1] -> encoded request snapshot
// ARGV[2] -> dispatch time in unix milliseconds
// ARGV[3] -> request id
//
// Output:
// Returns 1 if successfully scheduled
// Returns 0 if request ID already exists
var scheduleCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Schedule adds the given request to the scheduled set for dispatch at the
// given time. The promotion tick moves it to the pending queue once due.
func (r *RDB) Schedule(ctx context.Context, msg *base.RequestMessage, at time.Time) error {
	var op errors.Op = "rdb.Schedule"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.RequestKey(r.prefix, msg.ID),
		base.ScheduledKey(r.prefix),
	}
	argv := []interface{}{
		encoded,
		at.UnixMilli(),
		msg.ID,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, scheduleCmd, keys, argv...)
	if err != nil {
		return err
	}
	if cast.ToInt64(n) == 0 {
		return errors.E(op, errors.AlreadyExists, fmt.Sprintf("request id %q already exists", msg.ID))
	}
	return nil
}

// EnqueueBatch adds all given requests to the pending queue (or, for
// future-dated requests, the scheduled set) and publishes a single batch
// notification afterwards.
func (r *RDB) EnqueueBatch(ctx context.Context, msgs []*base.RequestMessage) error {
	var op errors.Op = "rdb.EnqueueBatch"
	now := r.clock.Now()
	for _, msg := range msgs {
		encoded, err := base.EncodeMessage(msg)
		if err != nil {
			return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
		}
		var (
			script *redis.Script
			keys   []string
			argv   []interface{}
		)
		if msg.ScheduledFor.After(now) {
			script = scheduleCmd
			keys = []string{
				base.RequestKey(r.prefix, msg.ID),
				base.ScheduledKey(r.prefix),
			}
			argv = []interface{}{encoded, msg.ScheduledFor.UnixMilli(), msg.ID}
		} else {
			script = enqueueCmd
			keys = []string{
				base.RequestKey(r.prefix, msg.ID),
				base.PendingKey(r.prefix),
			}
			argv = []interface{}{encoded, base.PriorityScore(msg.Priority, now), msg.ID}
		}
		n, err := r.runScriptWithErrorCode(ctx, op, script, keys, argv...)
		if err != nil {
			return err
		}
		if cast.ToInt64(n) == 0 {
			return errors.E(op, errors.AlreadyExists, fmt.Sprintf("request id %q already exists", msg.ID))
		}
	}
	if err := r.client.Publish(ctx, r.NewRequestChannel(), fmt.Sprintf("batch:%d", len(msgs))).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis publish error: %v", err))
	}
	return nil
}

func (r *RDB) publishNewRequest(ctx context.Context, op errors.Op, payload string) error {
	if err := r.client.Publish(ctx, r.NewRequestChannel(), payload).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis publish error: %v", err))
	}
	return nil
}

// dequeueCmd atomically pops the lowest-score id off the pending queue and
// moves it into the processing set. Ids whose snapshot has expired are
// discarded and the pop is retried.
//
// KEYS[1] -> hqm:queue:pending
// KEYS[2] -> hqm:queue:processing
// ARGV[1] -> claim time in unix milliseconds
// ARGV[2] -> hqm:request: (snapshot key prefix)
//
// Output:
// Returns the encoded request snapshot when one is available.
// Returns nil if the pending queue is empty.
var dequeueCmd = redis.NewScript(`
while true do
	local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
	if #ids == 0 then
		return nil
	end
	local id = ids[1]
	redis.call("ZREM", KEYS[1], id)
	local data = redis.call("GET", ARGV[2] .. id)
	if data then
		redis.call("ZADD", KEYS[2], ARGV[1], id)
		return data
	end
end
`)

// Dequeue queries the pending queue and pops a request message off the queue,
// moving its id into the processing set. It returns (nil, nil) if the queue
// is empty.
func (r *RDB) Dequeue(ctx context.Context) (*base.RequestMessage, error) {
	var op errors.Op = "rdb.Dequeue"
	keys := []string{
		base.PendingKey(r.prefix),
		base.ProcessingKey(r.prefix),
	}
	argv := []interface{}{
		r.clock.Now().UnixMilli(),
		base.RequestKeyPrefix(r.prefix),
	}
	res, err := dequeueCmd.Run(ctx, r.client, keys, argv...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
	}
	encoded, err := cast.ToStringE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	msg, err := base.DecodeMessage([]byte(encoded))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode message: %v", err))
	}
	return msg, nil
}

// scheduleRetryCmd removes the id from the processing set and adds it to the
// scheduled set keyed by its retry time.
//
// KEYS[1] -> hqm:queue:processing
// KEYS[2] -> hqm:queue:scheduled
// ARGV[1] -> request id
// ARGV[2] -> retry time in unix milliseconds
var scheduleRetryCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return redis.status_reply("OK")
`)

// ScheduleRetry moves the given request from the processing set to the
// scheduled set and publishes a retry notification.
func (r *RDB) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	var op errors.Op = "rdb.ScheduleRetry"
	keys := []string{
		base.ProcessingKey(r.prefix),
		base.ScheduledKey(r.prefix),
	}
	if err := r.runScript(ctx, op, scheduleRetryCmd, keys, id, at.UnixMilli()); err != nil {
		return err
	}
	payload := fmt.Sprintf(`{"requestId":%q,"retryAt":%q}`, id, at.UTC().Format(time.RFC3339Nano))
	if err := r.client.Publish(ctx, r.RetryChannel(), payload).Err(); err != nil {
		return errors.E(op, errors.Internal, fmt.Sprintf("redis publish error: %v", err))
	}
	return nil
}

// promoteScheduledCmd moves every due id from the scheduled set back to the
// pending queue with neutral priority, preserving due order.
//
// KEYS[1] -> hqm:queue:scheduled
// KEYS[2] -> hqm:queue:pending
// ARGV[1] -> current time in unix milliseconds
// ARGV[2] -> pending queue score for neutral priority
//
// Output:
// Returns the list of promoted ids.
var promoteScheduledCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for i, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], tonumber(ARGV[2]) + i - 1, id)
end
return ids
`)

// PromoteScheduled moves all due requests from the scheduled set back to the
// pending queue and publishes a single notification when anything moved.
// The operation is idempotent; re-running it is a no-op.
func (r *RDB) PromoteScheduled(ctx context.Context) ([]string, error) {
	var op errors.Op = "rdb.PromoteScheduled"
	now := r.clock.Now()
	keys := []string{
		base.ScheduledKey(r.prefix),
		base.PendingKey(r.prefix),
	}
	argv := []interface{}{
		now.UnixMilli(),
		base.PriorityScore(base.NeutralPriority, now),
	}
	res, err := r.runScriptWithErrorCode(ctx, op, promoteScheduledCmd, keys, argv...)
	if err != nil {
		return nil, err
	}
	ids, err := cast.ToStringSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	if len(ids) > 0 {
		if err := r.publishNewRequest(ctx, op, fmt.Sprintf("promoted:%d", len(ids))); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// markCompleteCmd removes the id from the processing set and deletes its
// snapshot.
//
// KEYS[1] -> hqm:queue:processing
// KEYS[2] -> hqm:request:{id}
// ARGV[1] -> request id
var markCompleteCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
return redis.status_reply("OK")
`)

// MarkComplete removes the given request from the processing set.
func (r *RDB) MarkComplete(ctx context.Context, id string) error {
	var op errors.Op = "rdb.MarkComplete"
	keys := []string{
		base.ProcessingKey(r.prefix),
		base.RequestKey(r.prefix, id),
	}
	return r.runScript(ctx, op, markCompleteCmd, keys, id)
}

// moveToDeadCmd removes the id from the processing set and inserts it into
// the dead set keyed by time of death. The snapshot is retained for operator
// inspection and retry.
//
// KEYS[1] -> hqm:queue:processing
// KEYS[2] -> hqm:queue:dead
// ARGV[1] -> request id
// ARGV[2] -> current time in unix milliseconds
var moveToDeadCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return redis.status_reply("OK")
`)

// MoveToDead moves the given request from the processing set to the dead set.
func (r *RDB) MoveToDead(ctx context.Context, id string) error {
	var op errors.Op = "rdb.MoveToDead"
	keys := []string{
		base.ProcessingKey(r.prefix),
		base.DeadKey(r.prefix),
	}
	return r.runScript(ctx, op, moveToDeadCmd, keys, id, r.clock.Now().UnixMilli())
}

// cancelCmd removes the id from the pending queue and the scheduled set.
// Requests already claimed into the processing set are left alone.
//
// KEYS[1] -> hqm:queue:pending
// KEYS[2] -> hqm:queue:scheduled
// KEYS[3] -> hqm:request:{id}
// ARGV[1] -> request id
//
// Output:
// Returns the number of sets the id was removed from.
var cancelCmd = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1]) + redis.call("ZREM", KEYS[2], ARGV[1])
if removed > 0 then
	redis.call("DEL", KEYS[3])
end
return removed
`)

// Cancel removes the given request from the pending queue and scheduled set.
// It reports whether any set was affected.
func (r *RDB) Cancel(ctx context.Context, id string) (bool, error) {
	var op errors.Op = "rdb.Cancel"
	keys := []string{
		base.PendingKey(r.prefix),
		base.ScheduledKey(r.prefix),
		base.RequestKey(r.prefix, id),
	}
	res, err := r.runScriptWithErrorCode(ctx, op, cancelCmd, keys, id)
	if err != nil {
		return false, err
	}
	return cast.ToInt64(res) > 0, nil
}

// reenqueueDeadCmd moves the id out of the dead set, restores its snapshot
// and adds it back to the pending queue.
//
// KEYS[1] -> hqm:queue:dead
// KEYS[2] -> hqm:queue:pending
// KEYS[3] -> hqm:request:{id}
// ARGV[1] -> request id
// ARGV[2] -> pending queue score
// ARGV[3] -> encoded request snapshot
//
// Output:
// Returns 1 if the request was re-enqueued
// Returns 0 if the request was not in the dead set
var reenqueueDeadCmd = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[3], ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// ReenqueueDead moves the given request from the dead set back to the pending
// queue and publishes a new-request notification.
func (r *RDB) ReenqueueDead(ctx context.Context, msg *base.RequestMessage) error {
	var op errors.Op = "rdb.ReenqueueDead"
	encoded, err := base.EncodeMessage(msg)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode message: %v", err))
	}
	keys := []string{
		base.DeadKey(r.prefix),
		base.PendingKey(r.prefix),
		base.RequestKey(r.prefix, msg.ID),
	}
	argv := []interface{}{
		msg.ID,
		base.PriorityScore(msg.Priority, r.clock.Now()),
		encoded,
	}
	n, err := r.runScriptWithErrorCode(ctx, op, reenqueueDeadCmd, keys, argv...)
	if err != nil {
		return err
	}
	if cast.ToInt64(n) == 0 {
		return errors.E(op, errors.NotFound, fmt.Sprintf("request id %q is not in the dead set", msg.ID))
	}
	return r.publishNewRequest(ctx, op, msg.ID)
}

// requeueOrphanedCmd moves processing entries claimed before the cutoff back
// to the pending queue with neutral priority.
//
// KEYS[1] -> hqm:queue:processing
// KEYS[2] -> hqm:queue:pending
// ARGV[1] -> cutoff time in unix milliseconds
// ARGV[2] -> pending queue score for neutral priority
//
// Output:
// Returns the list of requeued ids.
var requeueOrphanedCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for i, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZADD", KEYS[2], tonumber(ARGV[2]) + i - 1, id)
end
return ids
`)

// RequeueOrphaned reclaims processing-set entries claimed before the given
// cutoff, returning them to the pending queue. A notification is published
// when anything was reclaimed.
func (r *RDB) RequeueOrphaned(ctx context.Context, cutoff time.Time) ([]string, error) {
	var op errors.Op = "rdb.RequeueOrphaned"
	keys := []string{
		base.ProcessingKey(r.prefix),
		base.PendingKey(r.prefix),
	}
	argv := []interface{}{
		cutoff.UnixMilli(),
		base.PriorityScore(base.NeutralPriority, r.clock.Now()),
	}
	res, err := r.runScriptWithErrorCode(ctx, op, requeueOrphanedCmd, keys, argv...)
	if err != nil {
		return nil, err
	}
	ids, err := cast.ToStringSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from Lua script: %v", res))
	}
	if len(ids) > 0 {
		if err := r.publishNewRequest(ctx, op, fmt.Sprintf("promoted:%d", len(ids))); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// removeDeadCmd removes the given ids from the dead set along with their
// snapshots.
//
// KEYS[1] -> hqm:queue:dead
// ARGV[1] -> hqm:request: (snapshot key prefix)
// ARGV[2:] -> request ids
var removeDeadCmd = redis.NewScript(`
for i = 2, #ARGV do
	redis.call("ZREM", KEYS[1], ARGV[i])
	redis.call("DEL", ARGV[1] .. ARGV[i])
end
return redis.status_reply("OK")
`)

// RemoveDead removes the given ids from the dead set.
func (r *RDB) RemoveDead(ctx context.Context, ids []string) error {
	var op errors.Op = "rdb.RemoveDead"
	if len(ids) == 0 {
		return nil
	}
	argv := make([]interface{}, 0, len(ids)+1)
	argv = append(argv, base.RequestKeyPrefix(r.prefix))
	for _, id := range ids {
		argv = append(argv, id)
	}
	return r.runScript(ctx, op, removeDeadCmd, []string{base.DeadKey(r.prefix)}, argv...)
}

// QueueSizes reports the cardinality of each queue membership set.
func (r *RDB) QueueSizes(ctx context.Context) (*base.QueueSizes, error) {
	var op errors.Op = "rdb.QueueSizes"
	pipe := r.client.Pipeline()
	pending := pipe.ZCard(ctx, base.PendingKey(r.prefix))
	scheduled := pipe.ZCard(ctx, base.ScheduledKey(r.prefix))
	processing := pipe.ZCard(ctx, base.ProcessingKey(r.prefix))
	dead := pipe.ZCard(ctx, base.DeadKey(r.prefix))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis pipeline error: %v", err))
	}
	return &base.QueueSizes{
		Pending:    pending.Val(),
		Scheduled:  scheduled.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// AcquireLock attempts to take the named lock for the given ttl.
// On success it returns a unique token to be presented on release.
func (r *RDB) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	var op errors.Op = "rdb.AcquireLock"
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, base.LockKey(r.prefix, resource), token, ttl).Result()
	if err != nil {
		return "", errors.E(op, errors.Internal, fmt.Sprintf("redis setnx error: %v", err))
	}
	if !ok {
		return "", errors.E(op, errors.AlreadyExists, fmt.Sprintf("lock %q is held", resource))
	}
	return token, nil
}

// releaseLockCmd deletes the lock key only when it still holds the token.
//
// KEYS[1] -> hqm:lock:{resource}
// ARGV[1] -> lock token
var releaseLockCmd = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLock releases the named lock if the given token still owns it.
func (r *RDB) ReleaseLock(ctx context.Context, resource, token string) error {
	var op errors.Op = "rdb.ReleaseLock"
	res, err := r.runScriptWithErrorCode(ctx, op, releaseLockCmd, []string{base.LockKey(r.prefix, resource)}, token)
	if err != nil {
		return err
	}
	if cast.ToInt64(res) == 0 {
		return errors.E(op, errors.NotFound, fmt.Sprintf("lock %q is not held by this token", resource))
	}
	return nil
}
