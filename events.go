// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"fmt"
	"sync"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/log"
)

// Event is the interface implemented by all engine event variants.
type Event interface {
	// RequestID returns the id of the request the event concerns.
	RequestID() string
}

// CompleteEvent is emitted when a request completes successfully.
type CompleteEvent struct {
	ID         string
	StatusCode int
	Duration   time.Duration
}

func (e *CompleteEvent) RequestID() string { return e.ID }

// ErrorEvent is emitted when an attempt fails, whether or not it will be
// retried.
type ErrorEvent struct {
	ID        string
	Err       error
	WillRetry bool
}

func (e *ErrorEvent) RequestID() string { return e.ID }

// RetryEvent is emitted when a failed request is scheduled for another
// attempt.
type RetryEvent struct {
	ID          string
	Attempt     int
	NextRetryAt time.Time
	Err         error
}

func (e *RetryEvent) RequestID() string { return e.ID }

// DeadEvent is emitted when a failed request is not retried (its retries are
// exhausted or the failure is not retryable) and is moved to the dead-letter set.
type DeadEvent struct {
	ID       string
	Attempts int
	Err      error
}

func (e *DeadEvent) RequestID() string { return e.ID }

type eventKind int

const (
	eventComplete eventKind = iota
	eventError
	eventRetry
	eventDead
)

// EventHandler handles one engine event. A non-nil return is logged and
// absorbed; handler failures never break the dispatch pipeline.
type EventHandler func(Event) error

// eventDispatcher holds the typed subscription table and invokes subscribers
// sequentially.
type eventDispatcher struct {
	logger *log.Logger

	mu       sync.RWMutex
	handlers map[eventKind][]EventHandler
}

func newEventDispatcher(logger *log.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:   logger,
		handlers: make(map[eventKind][]EventHandler),
	}
}

func (d *eventDispatcher) subscribe(kind eventKind, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], h)
}

// dispatch invokes every subscriber for the event's kind in registration
// order, waiting for each to return before calling the next.
func (d *eventDispatcher) dispatch(kind eventKind, ev Event) {
	d.mu.RLock()
	handlers := d.handlers[kind]
	d.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	d.logger.Debugf("Dispatching %s event for request %s to %d subscribers",
		eventKindString(kind), ev.RequestID(), len(handlers))
	for _, h := range handlers {
		d.invoke(h, ev)
	}
}

func (d *eventDispatcher) invoke(h EventHandler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Errorf("Event handler panicked for request %s: %v", ev.RequestID(), p)
		}
	}()
	if err := h(ev); err != nil {
		d.logger.Errorf("Event handler failed for request %s: %v", ev.RequestID(), err)
	}
}

func eventKindString(k eventKind) string {
	switch k {
	case eventComplete:
		return "complete"
	case eventError:
		return "error"
	case eventRetry:
		return "retry"
	case eventDead:
		return "dead"
	}
	panic(fmt.Sprintf("hqm: unknown event kind %d", k))
}
