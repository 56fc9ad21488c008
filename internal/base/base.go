// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in hqm package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Version of hqm library.
const Version = "1.0.0"

// DefaultKeyPrefix is the prefix used for all redis keys if none is
// specified by the user.
const DefaultKeyPrefix = "hqm:"

// State denotes the lifecycle state of a request.
type State int

const (
	StatePending State = iota + 1
	StateScheduled
	StateProcessing
	StateCompleted
	StateFailed
	StateDead
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScheduled:
		return "scheduled"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDead:
		return "dead"
	case StateCancelled:
		return "cancelled"
	}
	panic(fmt.Sprintf("internal error: unknown request state %d", s))
}

func StateFromString(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "scheduled":
		return StateScheduled, nil
	case "processing":
		return StateProcessing, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	case "dead":
		return StateDead, nil
	case "cancelled":
		return StateCancelled, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not a supported request state", s))
}

// NeutralPriority is the priority assigned to requests re-entering the
// pending queue from the scheduled set.
const NeutralPriority = 50

// PendingKey returns a redis key for the pending queue.
func PendingKey(prefix string) string {
	return prefix + "queue:pending"
}

// ProcessingKey returns a redis key for the processing set.
func ProcessingKey(prefix string) string {
	return prefix + "queue:processing"
}

// ScheduledKey returns a redis key for the scheduled set.
func ScheduledKey(prefix string) string {
	return prefix + "queue:scheduled"
}

// DeadKey returns a redis key for the dead-letter set.
func DeadKey(prefix string) string {
	return prefix + "queue:dead"
}

// RequestKeyPrefix returns a prefix for request snapshot keys.
func RequestKeyPrefix(prefix string) string {
	return prefix + "request:"
}

// RequestKey returns a redis key for the serialized snapshot of a request.
func RequestKey(prefix, id string) string {
	return RequestKeyPrefix(prefix) + id
}

// RateLimitKey returns a redis key for the token bucket of the given scope.
func RateLimitKey(prefix, scope string) string {
	return prefix + "ratelimit:" + scope
}

// BreakerKey returns a redis key for the circuit breaker of the given host.
func BreakerKey(prefix, host string) string {
	return prefix + "cb:" + host
}

// LockKey returns a redis key for the named lock resource.
func LockKey(prefix, resource string) string {
	return prefix + "lock:" + resource
}

// NewRequestChannel returns the pub/sub channel for new-request notifications.
func NewRequestChannel(prefix string) string {
	return prefix + "channel:new-request"
}

// RetryChannel returns the pub/sub channel for retry notifications.
func RetryChannel(prefix string) string {
	return prefix + "channel:retry"
}

// PriorityScore computes the pending-queue score for a request.
// Score is priority-major (higher priority sorts first) with the enqueue time
// as the minor component so that equal priorities dequeue in insertion order.
func PriorityScore(priority int, enqueuedAt time.Time) float64 {
	return float64(100-priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

// RequestMessage is the internal representation of a request with additional
// metadata fields. Serialized data of this type gets written to redis.
type RequestMessage struct {
	// ID is a unique identifier for the request.
	ID string `json:"id"`

	// URL is the absolute target URL.
	URL string `json:"url"`

	// Method is the HTTP method to use.
	Method string `json:"method"`

	// Headers holds the request headers, if any.
	Headers map[string]string `json:"headers,omitempty"`

	// Body holds the opaque request payload, if any.
	Body []byte `json:"body,omitempty"`

	// Priority in [0,100]; higher is dispatched sooner.
	Priority int `json:"priority"`

	// MaxRetries is the max number of retries for this request.
	MaxRetries int `json:"max_retries"`

	// Timeout specifies the per-attempt timeout in milliseconds.
	//
	// Use zero to fall back to the engine default.
	Timeout int64 `json:"timeout,omitempty"`

	// ScheduledFor is the earliest dispatch time.
	//
	// Zero value means the request is dispatched immediately.
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`

	// Metadata holds arbitrary caller-supplied key/value pairs,
	// opaque to the engine.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is the time of admission.
	CreatedAt time.Time `json:"created_at"`
}

// EncodeMessage marshals the given request message and returns encoded bytes.
func EncodeMessage(msg *RequestMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded request message.
func DecodeMessage(data []byte) (*RequestMessage, error) {
	var msg RequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// BreakerState denotes the state of a per-host circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota + 1
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	panic(fmt.Sprintf("internal error: unknown breaker state %d", s))
}

func BreakerStateFromString(s string) (BreakerState, error) {
	switch s {
	case "closed":
		return BreakerClosed, nil
	case "open":
		return BreakerOpen, nil
	case "half-open":
		return BreakerHalfOpen, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not a supported breaker state", s))
}

// BreakerParams carries the thresholds a broker needs to drive the per-host
// breaker state machine.
type BreakerParams struct {
	FailureThreshold    int
	SuccessThreshold    int
	HalfOpenMaxRequests int
	ResetTimeout        time.Duration
	TTL                 time.Duration
}

// BreakerInfo is a snapshot of a per-host circuit breaker.
type BreakerInfo struct {
	Host           string
	State          BreakerState
	Failures       int
	Successes      int
	StateChangedAt time.Time
	// TimeUntilReset is non-zero only while the breaker is open.
	TimeUntilReset time.Duration
}

// RateLimitDecision is the outcome of a token-bucket take.
type RateLimitDecision struct {
	Allowed bool
	// RetryAfter is the wait suggested by the bucket when the take is denied.
	RetryAfter time.Duration
}

// QueueSizes holds the cardinality of each queue membership set.
type QueueSizes struct {
	Pending    int64
	Scheduled  int64
	Processing int64
	Dead       int64
}

// Broker is a message broker that supports operations on the queue index.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping(ctx context.Context) error
	Close() error

	// Queue membership operations. All multi-step operations are atomic
	// with respect to concurrent workers.
	Enqueue(ctx context.Context, msg *RequestMessage) error
	EnqueueBatch(ctx context.Context, msgs []*RequestMessage) error
	Schedule(ctx context.Context, msg *RequestMessage, at time.Time) error
	Dequeue(ctx context.Context) (*RequestMessage, error)
	ScheduleRetry(ctx context.Context, id string, at time.Time) error
	PromoteScheduled(ctx context.Context) ([]string, error)
	MarkComplete(ctx context.Context, id string) error
	MoveToDead(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) (bool, error)
	ReenqueueDead(ctx context.Context, msg *RequestMessage) error
	RequeueOrphaned(ctx context.Context, cutoff time.Time) ([]string, error)
	RemoveDead(ctx context.Context, ids []string) error
	QueueSizes(ctx context.Context) (*QueueSizes, error)

	// Rate limit operations.
	TakeToken(ctx context.Context, scope string, rate, burst float64) (*RateLimitDecision, error)

	// Circuit breaker operations.
	BreakerAllow(ctx context.Context, host string, p BreakerParams) (bool, BreakerState, time.Duration, error)
	BreakerSuccess(ctx context.Context, host string, p BreakerParams) error
	BreakerFailure(ctx context.Context, host string, p BreakerParams) error
	BreakerInfo(ctx context.Context, host string, p BreakerParams) (*BreakerInfo, error)
	BreakerReset(ctx context.Context, host string) error

	// Lock operations.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, resource, token string) error

	// Notification operations.
	SubscribeNotifications(ctx context.Context) (*redis.PubSub, error)
	NewRequestChannel() string
	RetryChannel() string
}
