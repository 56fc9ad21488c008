// Package main provides a web-based monitoring UI for hqm.
package main

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Inspector provides read-only access to hqm queue data in Redis.
type Inspector struct {
	client redis.UniversalClient
	prefix string
}

// NewInspector creates a new Inspector with the given Redis client.
// All keys are read under the given prefix.
func NewInspector(client redis.UniversalClient, prefix string) *Inspector {
	return &Inspector{client: client, prefix: prefix}
}

// QueueStats holds the cardinality of each queue membership set.
type QueueStats struct {
	Pending    int64
	Scheduled  int64
	Processing int64
	Dead       int64
}

// RequestInfo holds the indexed snapshot of one request.
type RequestInfo struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Priority     int               `json:"priority"`
	MaxRetries   int               `json:"max_retries"`
	Headers      map[string]string `json:"headers,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ScheduledFor time.Time         `json:"scheduled_for,omitzero"`

	// Score is the sorted-set score of the request in its current set.
	Score float64 `json:"-"`
}

// BreakerInfo holds the indexed state of one host's circuit breaker.
type BreakerInfo struct {
	Host           string
	State          string
	Failures       string
	Successes      string
	StateChangedAt time.Time
}

// GetQueueStats returns the cardinality of every queue membership set.
func (i *Inspector) GetQueueStats(ctx context.Context) (QueueStats, error) {
	pipe := i.client.Pipeline()
	pending := pipe.ZCard(ctx, i.prefix+"queue:pending")
	scheduled := pipe.ZCard(ctx, i.prefix+"queue:scheduled")
	processing := pipe.ZCard(ctx, i.prefix+"queue:processing")
	dead := pipe.ZCard(ctx, i.prefix+"queue:dead")
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Pending:    pending.Val(),
		Scheduled:  scheduled.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// GetRequests returns up to limit requests from the given set in score order.
// Valid sets are pending, scheduled, processing and dead.
func (i *Inspector) GetRequests(ctx context.Context, set string, limit int) ([]RequestInfo, error) {
	results, err := i.client.ZRangeWithScores(ctx, i.prefix+"queue:"+set, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	var out []RequestInfo
	for _, z := range results {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		info := RequestInfo{ID: id, Score: z.Score}
		data, err := i.client.Get(ctx, i.prefix+"request:"+id).Result()
		if err == nil {
			// Best effort; an unreadable snapshot still lists the id.
			json.Unmarshal([]byte(data), &info)
		}
		out = append(out, info)
	}
	return out, nil
}

// GetBreakers returns the circuit breaker state of every host with a live
// breaker key.
func (i *Inspector) GetBreakers(ctx context.Context) ([]BreakerInfo, error) {
	keys, err := i.client.Keys(ctx, i.prefix+"cb:*").Result()
	if err != nil {
		return nil, err
	}
	var out []BreakerInfo
	for _, key := range keys {
		fields, err := i.client.HGetAll(ctx, key).Result()
		if err != nil {
			continue
		}
		info := BreakerInfo{
			Host:      strings.TrimPrefix(key, i.prefix+"cb:"),
			State:     fields["state"],
			Failures:  fields["failures"],
			Successes: fields["successes"],
		}
		if info.State == "" {
			info.State = "closed"
		}
		if ms, ok := fields["state_changed_at"]; ok {
			var n int64
			if err := json.Unmarshal([]byte(ms), &n); err == nil {
				info.StateChangedAt = time.UnixMilli(n)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Host < out[b].Host })
	return out, nil
}
