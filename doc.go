// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package hqm provides a durable, distributed HTTP request queue backed by
Redis and MySQL.

hqm accepts outbound request jobs, schedules and dispatches them across
worker processes with retry, priority, rate-limit, per-host concurrency and
circuit-breaker controls, and records their outcome for inspection and
replay. Delivery is at-least-once: a worker crash mid-attempt leaves the
request claimable and it will be executed again.

# Features

Core Features:
  - At-Least-Once Delivery: atomic claim via the processing set with orphan recovery
  - Delayed/Scheduled Requests: dispatch at a specific time
  - Retry with Backoff: exponential, linear, fixed or custom strategies with jitter
  - Dead-Letter Queue: requests that are not retried are retained for inspection and replay

Backpressure:
  - Priority Dispatch: requests in [0,100], higher dispatched sooner
  - Token-Bucket Rate Limiting: global and per-host, shared across processes
  - Circuit Breaker: per-host closed/open/half-open machine, shared across processes
  - Concurrency Gates: total and per-host in-flight limits per process

# Quick Start

Enqueue requests:

	eng, err := hqm.NewEngine(hqm.RedisClientOpt{
		Addr: "localhost:6379",
	}, hqm.Config{
		DatabaseDSN: "hqm:secret@tcp(localhost:3306)/hqm?parseTime=true",
	})
	if err != nil {
		log.Fatal(err)
	}

	req := hqm.NewRequest("POST", "https://api.example.com/hooks", payload,
		hqm.Priority(80),
		hqm.MaxRetries(5),
		hqm.Timeout(10*time.Second),
	)
	info, err := eng.Enqueue(context.Background(), req)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", info.ID)

Dispatch requests:

	eng.OnComplete(func(ev *hqm.CompleteEvent) error {
		log.Printf("request %s completed with %d", ev.ID, ev.StatusCode)
		return nil
	})
	if err := eng.Run(); err != nil {
		log.Fatal(err)
	}

# Request Options

Available options for NewRequest and Enqueue:

	MaxRetries(n)    - Maximum retry attempts
	Priority(n)      - Dispatch priority in [0,100]
	Timeout(d)       - Per-attempt execution timeout
	ProcessAt(t)     - Dispatch at a specific time
	ProcessIn(d)     - Delay dispatch by duration
	RequestID(id)    - Custom request ID
	Headers(h)       - Request headers
	Metadata(m)      - Opaque caller key/value pairs

# Architecture

hqm couples two stores. Redis holds the queue index: sorted sets for the
pending, scheduled, processing and dead memberships, token-bucket and
circuit-breaker state, and the pub/sub channels that wake workers. MySQL
holds the durable record: one row per request plus an append-only attempt
log, surviving Redis restarts and feeding stats and dead-letter inspection.

The Engine spawns several goroutines:
  - Worker: claims requests, executes them and drives state transitions
  - Recoverer: reclaims processing-set entries abandoned by crashed workers
  - Janitor: removes completed and dead requests past their retention
  - Healthchecker: pings both stores and reports failures

# Monitoring

hqm includes a built-in web dashboard. Start it with:

	go run ./ui

Then visit http://localhost:8080 to view queue depths, requests and breaker
states.
*/
package hqm
