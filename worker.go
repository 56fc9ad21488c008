// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/log"
	"github.com/aneuhaus/http-queue-manager/internal/sqlstore"
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
	"github.com/redis/go-redis/v9"
)

// worker claims requests off the queue, executes them and drives their state
// transitions. Each worker runs multiple in-flight executions concurrently,
// bounded by the backpressure controller.
type worker struct {
	logger *log.Logger
	broker base.Broker
	store  *sqlstore.Store
	bp     *backpressure
	events *eventDispatcher
	clock  timeutil.Clock

	httpc           HTTPClient
	retryCfg        RetryConfig
	requestTimeout  time.Duration
	slotWaitTimeout time.Duration
	shutdownTimeout time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	inflight map[string]struct{}
}

type workerParams struct {
	logger          *log.Logger
	broker          base.Broker
	store           *sqlstore.Store
	backpressure    *backpressure
	events          *eventDispatcher
	httpClient      HTTPClient
	retryCfg        RetryConfig
	requestTimeout  time.Duration
	slotWaitTimeout time.Duration
	shutdownTimeout time.Duration
	randSource      rand.Source
}

func newWorker(params workerParams) *worker {
	src := params.randSource
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &worker{
		logger:          params.logger,
		broker:          params.broker,
		store:           params.store,
		bp:              params.backpressure,
		events:          params.events,
		clock:           timeutil.NewRealClock(),
		httpc:           params.httpClient,
		retryCfg:        params.retryCfg,
		requestTimeout:  params.requestTimeout,
		slotWaitTimeout: params.slotWaitTimeout,
		shutdownTimeout: params.shutdownTimeout,
		rnd:             rand.New(src),
		inflight:        make(map[string]struct{}),
	}
}

// faultRetryDelay is the backoff applied when a request cannot be attempted
// because of an engine-side fault (no slot, store unavailable). The fault is
// not the request's; no attempt is logged.
const faultRetryDelay = 5 * time.Second

// start subscribes to queue notifications and launches the worker loop.
// It is a no-op when the worker is already running.
func (w *worker) start(wg *sync.WaitGroup) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	sub, err := w.broker.SubscribeNotifications(context.Background())
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.run(sub)
	}()
	return nil
}

func (w *worker) run(sub *redis.PubSub) {
	ctx := context.Background()
	defer sub.Close()
	ch := sub.Channel()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Initial drain picks up whatever was enqueued while no worker was
	// listening.
	w.processAvailable(ctx)

	for {
		select {
		case <-w.done:
			w.logger.Debug("Worker done")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case w.broker.NewRequestChannel():
				w.processAvailable(ctx)
			case w.broker.RetryChannel():
				w.promote(ctx)
			}
		case <-ticker.C:
			w.promote(ctx)
			w.processAvailable(ctx)
		}
	}
}

func (w *worker) promote(ctx context.Context) {
	ids, err := w.broker.PromoteScheduled(ctx)
	if err != nil {
		w.logger.Errorf("Failed to promote scheduled requests: %v", err)
		return
	}
	if len(ids) > 0 {
		w.logger.Debugf("Promoted %d scheduled requests", len(ids))
		w.processAvailable(ctx)
	}
}

// processAvailable drains the pending queue until it is empty or the worker
// is stopped.
func (w *worker) processAvailable(ctx context.Context) {
	for w.isRunning() {
		ok, err := w.processNext(ctx)
		if err != nil {
			w.logger.Errorf("Failed to dequeue request: %v", err)
			return
		}
		if !ok {
			return
		}
	}
}

// processNext claims one request and launches its execution as an
// independent task. It reports whether the caller should keep draining.
func (w *worker) processNext(ctx context.Context) (bool, error) {
	msg, err := w.broker.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	w.addInflight(msg.ID)
	go func() {
		defer w.removeInflight(msg.ID)
		w.processRequest(context.Background(), msg)
	}()
	return true, nil
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	return u.Host
}

func (w *worker) processRequest(ctx context.Context, msg *base.RequestMessage) {
	host := hostOf(msg.URL)

	row, err := w.store.GetRequest(ctx, msg.ID)
	if err != nil {
		w.logger.Errorf("Failed to load request %s: %v", msg.ID, err)
		w.requeueAfterFault(ctx, msg.ID)
		return
	}
	if row == nil {
		// Index entry without a durable row; drop it from the index.
		w.logger.Warnf("Request %s has no durable row; dropping", msg.ID)
		if err := w.broker.MarkComplete(ctx, msg.ID); err != nil {
			w.logger.Errorf("Failed to drop request %s: %v", msg.ID, err)
		}
		return
	}
	if row.Status == base.StateCancelled {
		if err := w.broker.MarkComplete(ctx, msg.ID); err != nil {
			w.logger.Errorf("Failed to release cancelled request %s: %v", msg.ID, err)
		}
		return
	}

	currentAttempt := row.Attempts + 1

	ok, err := w.bp.waitForSlot(ctx, host, w.slotWaitTimeout)
	if err != nil {
		w.logger.Errorf("Backpressure check failed for request %s: %v", msg.ID, err)
		w.requeueAfterFault(ctx, msg.ID)
		return
	}
	if !ok {
		w.logger.Debugf("No dispatch slot for request %s (host %s); retrying shortly", msg.ID, host)
		w.requeueAfterFault(ctx, msg.ID)
		return
	}

	w.bp.acquire(host)
	defer w.bp.release(host)

	now := w.clock.Now()
	if err := w.store.UpdateStatus(ctx, msg.ID, base.StateProcessing, &sqlstore.StatusPatch{
		Attempts:      &currentAttempt,
		LastAttemptAt: &now,
	}); err != nil {
		w.logger.Errorf("Failed to mark request %s processing: %v", msg.ID, err)
		w.requeueAfterFault(ctx, msg.ID)
		return
	}

	timeout := w.requestTimeout
	if row.TimeoutMs > 0 {
		timeout = time.Duration(row.TimeoutMs) * time.Millisecond
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, execErr := w.httpc.Do(execCtx, &HTTPRequest{
		Method:  row.Method,
		URL:     row.URL,
		Headers: row.Headers,
		Body:    row.Body,
	})
	cancel()

	if execErr != nil {
		w.logAttempt(ctx, &sqlstore.AttemptRecord{
			RequestID:     msg.ID,
			AttemptNumber: currentAttempt,
			Error:         execErr.Error(),
		})
		w.handleFailure(ctx, row, currentAttempt, 0, execErr)
		w.bp.recordFailure(ctx, host)
		return
	}

	w.logAttempt(ctx, &sqlstore.AttemptRecord{
		RequestID:       msg.ID,
		AttemptNumber:   currentAttempt,
		StatusCode:      resp.StatusCode,
		DurationMs:      resp.Duration.Milliseconds(),
		ResponseHeaders: resp.Headers,
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.handleSuccess(ctx, row, resp)
		w.bp.recordSuccess(ctx, host)
		return
	}

	w.handleFailure(ctx, row, currentAttempt, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode))
	// 5xx and 429 responses mean the host is in trouble; everything else
	// is the request's own problem and leaves the circuit healthy.
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		w.bp.recordFailure(ctx, host)
	} else {
		w.bp.recordSuccess(ctx, host)
	}
}

func (w *worker) logAttempt(ctx context.Context, rec *sqlstore.AttemptRecord) {
	if err := w.store.LogAttempt(ctx, rec); err != nil {
		w.logger.Errorf("Failed to log attempt %d for request %s: %v", rec.AttemptNumber, rec.RequestID, err)
	}
}

// handleSuccess transitions the request to completed, unless it was
// cancelled while the attempt ran.
func (w *worker) handleSuccess(ctx context.Context, row *sqlstore.StoredRequest, resp *HTTPResponse) {
	now := w.clock.Now()
	durationMs := resp.Duration.Milliseconds()
	applied, err := w.store.UpdateStatusIfNot(ctx, row.ID, base.StateCancelled, base.StateCompleted, &sqlstore.StatusPatch{
		CompletedAt:        &now,
		ResponseStatus:     &resp.StatusCode,
		ResponseDurationMs: &durationMs,
		ResponseHeaders:    resp.Headers,
		ClearNextRetryAt:   true,
		ClearError:         true,
	})
	if err != nil {
		w.logger.Errorf("Failed to mark request %s completed: %v", row.ID, err)
		w.requeueAfterFault(ctx, row.ID)
		return
	}
	if err := w.broker.MarkComplete(ctx, row.ID); err != nil {
		w.logger.Errorf("Failed to release request %s from processing: %v", row.ID, err)
	}
	if !applied {
		w.logger.Debugf("Request %s was cancelled during execution; result discarded", row.ID)
		return
	}
	w.events.dispatch(eventComplete, &CompleteEvent{
		ID:         row.ID,
		StatusCode: resp.StatusCode,
		Duration:   resp.Duration,
	})
}

// handleFailure classifies the outcome and either schedules a retry or moves
// the request to the dead-letter set. The retry budget is consulted with the
// count of retries already spent, so a request with maxRetries=n executes
// n+1 times before going dead.
func (w *worker) handleFailure(ctx context.Context, row *sqlstore.StoredRequest, attempt, statusCode int, cause error) {
	cfg := w.retryCfg
	cfg.MaxRetries = row.MaxRetries
	retries := attempt - 1
	willRetry := ShouldRetry(statusCode, cause, retries, &cfg)
	errStr := cause.Error()

	if willRetry {
		delay := w.retryDelay(retries)
		nextAt := w.clock.Now().Add(delay)
		if err := w.store.UpdateStatus(ctx, row.ID, base.StatePending, &sqlstore.StatusPatch{
			NextRetryAt: &nextAt,
			Error:       &errStr,
		}); err != nil {
			w.logger.Errorf("Failed to mark request %s for retry: %v", row.ID, err)
			w.requeueAfterFault(ctx, row.ID)
			return
		}
		if err := w.broker.ScheduleRetry(ctx, row.ID, nextAt); err != nil {
			w.logger.Errorf("Failed to schedule retry for request %s: %v", row.ID, err)
			return
		}
		w.events.dispatch(eventRetry, &RetryEvent{ID: row.ID, Attempt: attempt, NextRetryAt: nextAt, Err: cause})
		w.events.dispatch(eventError, &ErrorEvent{ID: row.ID, Err: cause, WillRetry: true})
		return
	}

	if err := w.store.UpdateStatus(ctx, row.ID, base.StateDead, &sqlstore.StatusPatch{
		Error: &errStr,
	}); err != nil {
		w.logger.Errorf("Failed to mark request %s dead: %v", row.ID, err)
		w.requeueAfterFault(ctx, row.ID)
		return
	}
	if err := w.broker.MoveToDead(ctx, row.ID); err != nil {
		w.logger.Errorf("Failed to move request %s to dead set: %v", row.ID, err)
		return
	}
	w.events.dispatch(eventDead, &DeadEvent{ID: row.ID, Attempts: attempt, Err: cause})
	w.events.dispatch(eventError, &ErrorEvent{ID: row.ID, Err: cause, WillRetry: false})
}

func (w *worker) retryDelay(attempt int) time.Duration {
	w.rndMu.Lock()
	defer w.rndMu.Unlock()
	d, err := RetryDelay(attempt, &w.retryCfg, w.rnd)
	if err != nil {
		// Config is validated at engine startup; fall back to the base
		// delay if a custom func disappeared at runtime.
		w.logger.Errorf("Failed to compute retry delay: %v", err)
		return w.retryCfg.BaseDelay
	}
	return d
}

// requeueAfterFault pushes the request back into the scheduled set with a
// short backoff. Used for engine-side faults; no attempt is logged and the
// retry budget is not consumed.
func (w *worker) requeueAfterFault(ctx context.Context, id string) {
	nextAt := w.clock.Now().Add(faultRetryDelay)
	if err := w.store.UpdateStatus(ctx, id, base.StatePending, &sqlstore.StatusPatch{NextRetryAt: &nextAt}); err != nil {
		w.logger.Errorf("Failed to mark request %s pending after fault: %v", id, err)
	}
	if err := w.broker.ScheduleRetry(ctx, id, nextAt); err != nil {
		w.logger.Errorf("Failed to reschedule request %s after fault: %v", id, err)
	}
}

func (w *worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *worker) addInflight(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[id] = struct{}{}
}

func (w *worker) removeInflight(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
}

func (w *worker) inflightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// stop flips the running flag, tears down the subscription and waits for
// in-flight requests to settle, up to the shutdown timeout.
func (w *worker) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	w.mu.Unlock()

	w.logger.Debug("Worker shutting down...")
	deadline := w.clock.Now().Add(w.shutdownTimeout)
	for w.inflightCount() > 0 {
		if w.clock.Now().After(deadline) {
			w.logger.Warnf("Worker stopped with %d requests still in flight", w.inflightCount())
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
