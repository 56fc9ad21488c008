// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"fmt"
	"strings"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
)

// Request represents an outbound HTTP request job to be enqueued.
type Request struct {
	// method is the HTTP method to use.
	method string

	// url is the absolute target URL.
	url string

	// body is the opaque request payload.
	body []byte

	// opts holds options for the request.
	opts []Option
}

func (r *Request) Method() string { return r.method }
func (r *Request) URL() string    { return r.url }
func (r *Request) Body() []byte   { return r.body }

// NewRequest returns a new request job given a method, url and payload.
//
// Options can be passed to configure request processing behavior.
func NewRequest(method, url string, body []byte, opts ...Option) *Request {
	return &Request{
		method: strings.ToUpper(method),
		url:    url,
		body:   body,
		opts:   opts,
	}
}

// An Option configures request processing behavior.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

// OptionType describes the type of an Option.
type OptionType int

const (
	MaxRetriesOpt OptionType = iota
	PriorityOpt
	TimeoutOpt
	RequestIDOpt
	ProcessAtOpt
	ProcessInOpt
	HeadersOpt
	MetadataOpt
)

// Internal option representations.
type (
	maxRetriesOption int
	priorityOption   int
	timeoutOption    time.Duration
	requestIDOption  string
	processAtOption  time.Time
	processInOption  time.Duration
	headersOption    map[string]string
	metadataOption   map[string]interface{}
)

// MaxRetries returns an option to specify the max number of times
// the request will be retried.
func MaxRetries(n int) Option {
	if n < 0 {
		n = 0
	}
	return maxRetriesOption(n)
}

func (n maxRetriesOption) String() string     { return fmt.Sprintf("MaxRetries(%d)", int(n)) }
func (n maxRetriesOption) Type() OptionType   { return MaxRetriesOpt }
func (n maxRetriesOption) Value() interface{} { return int(n) }

// Priority returns an option to specify the dispatch priority in [0,100];
// higher priorities are dispatched sooner.
func Priority(n int) Option {
	return priorityOption(n)
}

func (n priorityOption) String() string     { return fmt.Sprintf("Priority(%d)", int(n)) }
func (n priorityOption) Type() OptionType   { return PriorityOpt }
func (n priorityOption) Value() interface{} { return int(n) }

// Timeout returns an option to specify how long the request can run before
// the attempt is aborted.
func Timeout(d time.Duration) Option {
	return timeoutOption(d)
}

func (d timeoutOption) String() string     { return fmt.Sprintf("Timeout(%v)", time.Duration(d)) }
func (d timeoutOption) Type() OptionType   { return TimeoutOpt }
func (d timeoutOption) Value() interface{} { return time.Duration(d) }

// RequestID returns an option to specify the request ID.
func RequestID(id string) Option {
	return requestIDOption(id)
}

func (id requestIDOption) String() string     { return fmt.Sprintf("RequestID(%q)", string(id)) }
func (id requestIDOption) Type() OptionType   { return RequestIDOpt }
func (id requestIDOption) Value() interface{} { return string(id) }

// ProcessAt returns an option to specify when the request should be dispatched.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string     { return fmt.Sprintf("ProcessAt(%v)", time.Time(t).Format(time.UnixDate)) }
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify when the request should be dispatched
// relative to now.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

// Headers returns an option to set the request headers.
func Headers(h map[string]string) Option {
	return headersOption(h)
}

func (h headersOption) String() string     { return fmt.Sprintf("Headers(%v)", map[string]string(h)) }
func (h headersOption) Type() OptionType   { return HeadersOpt }
func (h headersOption) Value() interface{} { return map[string]string(h) }

// Metadata returns an option to attach arbitrary key/value pairs to the
// request. The pairs are opaque to the engine and preserved verbatim.
func Metadata(m map[string]interface{}) Option {
	return metadataOption(m)
}

func (m metadataOption) String() string     { return fmt.Sprintf("Metadata(%v)", map[string]interface{}(m)) }
func (m metadataOption) Type() OptionType   { return MetadataOpt }
func (m metadataOption) Value() interface{} { return map[string]interface{}(m) }

// State denotes the lifecycle state of a request as observed through the
// engine API.
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
	panic(fmt.Sprintf("hqm: unknown state %d", s))
}

func stateFromBase(s base.State) State {
	return State(s)
}

// ResponseSummary is the stored summary of the last successful response.
type ResponseSummary struct {
	StatusCode int
	Duration   time.Duration
	Headers    map[string]string
}

// RequestInfo describes a request and its current state.
type RequestInfo struct {
	ID           string
	URL          string
	Method       string
	Headers      map[string]string
	Body         []byte
	Priority     int
	MaxRetries   int
	Timeout      time.Duration
	ScheduledFor *time.Time
	Metadata     map[string]interface{}

	State         State
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CompletedAt   *time.Time
	LastError     string
	Response      *ResponseSummary

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats holds aggregate counters over the durable store.
// Pending merges the pending and scheduled states.
type Stats struct {
	Pending           int64
	Processing        int64
	Completed         int64
	Failed            int64
	Dead              int64
	AvgProcessingTime time.Duration
	SuccessRate       float64
}

// AttemptInfo describes one logged execution of a request.
type AttemptInfo struct {
	RequestID       string
	AttemptNumber   int
	StatusCode      int
	Duration        time.Duration
	Error           string
	ResponseHeaders map[string]string
	CreatedAt       time.Time
}
