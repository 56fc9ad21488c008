// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/errors"
	"github.com/aneuhaus/http-queue-manager/internal/log"
	"github.com/aneuhaus/http-queue-manager/internal/rdb"
	"github.com/aneuhaus/http-queue-manager/internal/sqlstore"
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Engine owns the request queue: it validates and admits requests, runs the
// worker that dispatches them, and exposes status, stats and operator
// commands.
//
// A failed request is retried while its failure is retryable and retries
// remain; otherwise it is moved to the dead-letter set and kept for inspection.
type Engine struct {
	logger *log.Logger

	broker base.Broker
	store  *sqlstore.Store
	// When an Engine has been created with existing connections, we do
	// not want to close them.
	sharedConnection bool

	clock timeutil.Clock

	state *engineState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	worker        *worker
	janitor       *janitor
	recoverer     *recoverer
	healthchecker *healthchecker

	breaker *circuitBreaker
	limiter *rateLimiter
	bp      *backpressure
	events  *eventDispatcher

	retryCfg       RetryConfig
	requestTimeout time.Duration
}

type engineState struct {
	mu    sync.Mutex
	value engineStateValue
}

type engineStateValue int

const (
	// engStateNew represents a new engine.
	engStateNew engineStateValue = iota

	// engStateActive indicates the engine is up and dispatching.
	engStateActive

	// engStatePaused indicates the engine is up but the worker is stopped.
	engStatePaused

	// engStateClosed indicates the engine has been shutdown.
	engStateClosed
)

var engineStates = []string{
	"new",
	"active",
	"paused",
	"closed",
}

func (s engineStateValue) String() string {
	if engStateNew <= s && s <= engStateClosed {
		return engineStates[s]
	}
	return "unknown status"
}

// Config specifies the engine's request dispatching behavior.
type Config struct {
	// DatabaseDSN is the MySQL DSN of the durable store.
	//
	// Required by NewEngine; ignored by NewEngineFromClients.
	DatabaseDSN string

	// KeyPrefix is the prefix under which all redis keys are created.
	//
	// If unset, "hqm:" is used.
	KeyPrefix string

	// RequestTimeout is the per-attempt deadline for requests that don't
	// carry their own.
	//
	// If unset or zero, 30 seconds is used.
	RequestTimeout time.Duration

	// Retry specifies retry scheduling behavior.
	Retry RetryConfig

	// RateLimit specifies the shared token-bucket dispatch gate.
	RateLimit RateLimitConfig

	// Breaker specifies the per-host circuit breaker thresholds.
	Breaker BreakerConfig

	// Backpressure specifies the in-process concurrency limits.
	Backpressure BackpressureConfig

	// HTTPClient executes the outbound requests.
	//
	// If unset, a net/http based client is used.
	HTTPClient HTTPClient

	// SlotWaitTimeout is how long a claimed request waits for a dispatch
	// slot before being pushed back for a later attempt.
	//
	// If unset or zero, 30 seconds is used.
	SlotWaitTimeout time.Duration

	// ShutdownTimeout specifies the duration to wait to let in-flight
	// requests finish before forcing shutdown.
	//
	// If unset or zero, 30 seconds is used.
	ShutdownTimeout time.Duration

	// Logger specifies the logger used by the engine instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// HealthCheckFunc is called periodically with any errors encountered
	// during pings to the index and durable stores.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// JanitorInterval specifies the interval between retention cleanup runs.
	//
	// If unset or zero, the interval is set to 1 hour.
	JanitorInterval time.Duration

	// CompletedRetentionDays is how many days completed requests are kept.
	//
	// If unset or zero, 7 is used.
	CompletedRetentionDays int

	// DeadRetentionDays is how many days dead requests are kept.
	//
	// If unset or zero, 30 is used.
	DeadRetentionDays int

	// OrphanThreshold is the age past which a processing-set entry is
	// considered abandoned by a crashed worker and reclaimed.
	//
	// If unset or zero, twice the request timeout is used, with a floor
	// of one minute.
	OrphanThreshold time.Duration

	// OrphanCheckInterval specifies the interval between orphan scans.
	//
	// If unset or zero, the interval is set to 1 minute.
	OrphanCheckInterval time.Duration
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("hqm: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("hqm: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("hqm: unexpected log level: %v", l))
}

const (
	defaultRequestTimeout      = 30 * time.Second
	defaultSlotWaitTimeout     = 30 * time.Second
	defaultShutdownTimeout     = 30 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultJanitorInterval     = 1 * time.Hour
	defaultCompletedRetention  = 7
	defaultDeadRetention       = 30
	defaultOrphanCheckInterval = 1 * time.Minute
)

// allowedMethods is the set of HTTP methods accepted at enqueue.
var allowedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// NewEngine returns a new Engine given a redis connection option and engine
// configuration. It connects to the durable store via cfg.DatabaseDSN.
func NewEngine(r RedisConnOpt, cfg Config) (*Engine, error) {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, errors.E(errors.Op("hqm.NewEngine"), errors.FailedPrecondition,
			fmt.Sprintf("unsupported RedisConnOpt type %T", r))
	}
	if cfg.DatabaseDSN == "" {
		return nil, errors.E(errors.Op("hqm.NewEngine"), errors.FailedPrecondition,
			"config error: DatabaseDSN is required")
	}
	store, err := sqlstore.Open(cfg.DatabaseDSN, nil)
	if err != nil {
		return nil, errors.E(errors.Op("hqm.NewEngine"), errors.Unavailable, err)
	}
	eng, err := newEngine(redisClient, store, cfg)
	if err != nil {
		return nil, err
	}
	eng.sharedConnection = false
	return eng, nil
}

// NewEngineFromClients returns a new Engine given an existing redis client
// and database handle. The engine will not close shared connections on
// shutdown.
func NewEngineFromClients(c redis.UniversalClient, db *sql.DB, cfg Config) (*Engine, error) {
	store, err := sqlstore.NewStore(db)
	if err != nil {
		return nil, errors.E(errors.Op("hqm.NewEngineFromClients"), errors.Unavailable, err)
	}
	return newEngine(c, store, cfg)
}

func newEngine(c redis.UniversalClient, store *sqlstore.Store, cfg Config) (*Engine, error) {
	if cfg.Retry.Strategy == CustomBackoff && cfg.Retry.DelayFunc == nil {
		return nil, errors.E(errors.Op("hqm.NewEngine"), errors.FailedPrecondition,
			"config error: retry strategy is custom but no DelayFunc is configured")
	}

	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	slotWaitTimeout := cfg.SlotWaitTimeout
	if slotWaitTimeout <= 0 {
		slotWaitTimeout = defaultSlotWaitTimeout
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval <= 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	janitorInterval := cfg.JanitorInterval
	if janitorInterval <= 0 {
		janitorInterval = defaultJanitorInterval
	}
	completedRetention := cfg.CompletedRetentionDays
	if completedRetention <= 0 {
		completedRetention = defaultCompletedRetention
	}
	deadRetention := cfg.DeadRetentionDays
	if deadRetention <= 0 {
		deadRetention = defaultDeadRetention
	}
	orphanThreshold := cfg.OrphanThreshold
	if orphanThreshold <= 0 {
		orphanThreshold = 2 * requestTimeout
		if orphanThreshold < 1*time.Minute {
			orphanThreshold = 1 * time.Minute
		}
	}
	orphanCheckInterval := cfg.OrphanCheckInterval
	if orphanCheckInterval <= 0 {
		orphanCheckInterval = defaultOrphanCheckInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newDefaultHTTPClient()
	}
	retryCfg := cfg.Retry.withDefaults()

	broker := rdb.NewRDB(c, cfg.KeyPrefix)
	events := newEventDispatcher(logger)
	breaker := newCircuitBreaker(broker, cfg.Breaker)
	limiter := newRateLimiter(broker, cfg.RateLimit)
	bp := newBackpressure(logger, breaker, limiter, cfg.Backpressure)

	worker := newWorker(workerParams{
		logger:          logger,
		broker:          broker,
		store:           store,
		backpressure:    bp,
		events:          events,
		httpClient:      httpClient,
		retryCfg:        retryCfg,
		requestTimeout:  requestTimeout,
		slotWaitTimeout: slotWaitTimeout,
		shutdownTimeout: shutdownTimeout,
	})
	janitor := newJanitor(janitorParams{
		logger:             logger,
		broker:             broker,
		store:              store,
		interval:           janitorInterval,
		completedRetention: completedRetention,
		deadRetention:      deadRetention,
	})
	recoverer := newRecoverer(recovererParams{
		logger:    logger,
		broker:    broker,
		store:     store,
		interval:  orphanCheckInterval,
		threshold: orphanThreshold,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		broker:          broker,
		store:           store,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})

	return &Engine{
		logger:           logger,
		broker:           broker,
		store:            store,
		sharedConnection: true,
		clock:            timeutil.NewRealClock(),
		state:            &engineState{value: engStateNew},
		worker:           worker,
		janitor:          janitor,
		recoverer:        recoverer,
		healthchecker:    healthchecker,
		breaker:          breaker,
		limiter:          limiter,
		bp:               bp,
		events:           events,
		retryCfg:         retryCfg,
		requestTimeout:   requestTimeout,
	}, nil
}

// ErrEngineClosed indicates that the operation is now illegal because the
// engine has been shutdown.
var ErrEngineClosed = errors.New("hqm: engine closed")

// Start launches the worker and the background maintenance goroutines.
func (e *Engine) Start() error {
	e.state.mu.Lock()
	switch e.state.value {
	case engStateActive:
		e.state.mu.Unlock()
		return fmt.Errorf("hqm: the engine is already running")
	case engStatePaused:
		e.state.mu.Unlock()
		return fmt.Errorf("hqm: the engine is paused. Use Resume to restart dispatching")
	case engStateClosed:
		e.state.mu.Unlock()
		return ErrEngineClosed
	}
	e.state.value = engStateActive
	e.state.mu.Unlock()

	e.logger.Info("Starting request dispatching")
	if err := e.worker.start(&e.wg); err != nil {
		return err
	}
	e.healthchecker.start(&e.wg)
	e.recoverer.start(&e.wg)
	e.janitor.start(&e.wg)
	return nil
}

// Run starts the engine and blocks until an os signal to exit the program is
// received. Once it receives a signal, it gracefully shuts down the worker
// and all background goroutines.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}
	e.waitForSignals()
	e.Shutdown()
	return nil
}

// Pause signals the worker to stop claiming requests. Notifications keep
// flowing; the worker self-heals on resume via the initial drain and the
// promotion tick. Pause is idempotent.
func (e *Engine) Pause() {
	e.state.mu.Lock()
	if e.state.value != engStateActive {
		e.state.mu.Unlock()
		return
	}
	e.state.value = engStatePaused
	e.state.mu.Unlock()

	e.logger.Info("Pausing worker")
	e.worker.stop()
	e.logger.Info("Worker paused")
}

// Resume restarts the worker after a pause. Resume is idempotent.
func (e *Engine) Resume() error {
	e.state.mu.Lock()
	if e.state.value != engStatePaused {
		e.state.mu.Unlock()
		return nil
	}
	e.state.value = engStateActive
	e.state.mu.Unlock()

	e.logger.Info("Resuming worker")
	return e.worker.start(&e.wg)
}

// Shutdown gracefully shuts down the engine. Further enqueues are rejected
// as soon as shutdown begins. Shutdown is idempotent.
func (e *Engine) Shutdown() {
	e.state.mu.Lock()
	if e.state.value == engStateClosed {
		e.state.mu.Unlock()
		return
	}
	started := e.state.value != engStateNew
	e.state.value = engStateClosed
	e.state.mu.Unlock()

	e.logger.Info("Starting graceful shutdown")
	if started {
		e.worker.stop()
		e.janitor.shutdown()
		e.recoverer.shutdown()
		e.healthchecker.shutdown()
		e.wg.Wait()
	}

	if !e.sharedConnection {
		e.broker.Close()
		e.store.Close()
	}
	e.logger.Info("Exiting")
}

func (e *Engine) shuttingDown() bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.value == engStateClosed
}

// Ping performs a ping against the index and durable stores.
func (e *Engine) Ping(ctx context.Context) error {
	if e.shuttingDown() {
		return nil
	}
	if err := e.broker.Ping(ctx); err != nil {
		return err
	}
	return e.store.Ping(ctx)
}

// requestOptions is the merged view of all options applied to a request.
type requestOptions struct {
	id         string
	priority   int
	maxRetries int
	timeout    time.Duration
	processAt  time.Time
	headers    map[string]string
	metadata   map[string]interface{}
}

func (e *Engine) composeOptions(opts ...Option) requestOptions {
	res := requestOptions{
		priority:   base.NeutralPriority,
		maxRetries: e.retryCfg.MaxRetries,
		timeout:    e.requestTimeout,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case requestIDOption:
			res.id = string(opt)
		case priorityOption:
			res.priority = int(opt)
		case maxRetriesOption:
			res.maxRetries = int(opt)
		case timeoutOption:
			res.timeout = time.Duration(opt)
		case processAtOption:
			res.processAt = time.Time(opt)
		case processInOption:
			res.processAt = e.clock.Now().Add(time.Duration(opt))
		case headersOption:
			res.headers = map[string]string(opt)
		case metadataOption:
			res.metadata = map[string]interface{}(opt)
		}
	}
	return res
}

func (e *Engine) validate(req *Request, opts *requestOptions) error {
	var op errors.Op = "hqm.Enqueue"
	u, err := url.Parse(req.url)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("invalid url %q", req.url))
	}
	if !allowedMethods[req.method] {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("unsupported method %q", req.method))
	}
	if opts.priority < 0 || opts.priority > 100 {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("priority %d out of range [0,100]", opts.priority))
	}
	if opts.maxRetries < 0 {
		return errors.E(op, errors.FailedPrecondition, "max retries must be non-negative")
	}
	if opts.timeout < 0 {
		return errors.E(op, errors.FailedPrecondition, "timeout must be non-negative")
	}
	return nil
}

func (e *Engine) buildRow(req *Request, opts *requestOptions, now time.Time) *sqlstore.StoredRequest {
	row := &sqlstore.StoredRequest{
		ID:         opts.id,
		URL:        req.url,
		Method:     req.method,
		Headers:    opts.headers,
		Body:       req.body,
		Priority:   opts.priority,
		MaxRetries: opts.maxRetries,
		TimeoutMs:  opts.timeout.Milliseconds(),
		Metadata:   opts.metadata,
		Status:     base.StatePending,
		CreatedAt:  now,
	}
	if opts.processAt.After(now) {
		t := opts.processAt
		row.ScheduledFor = &t
		row.Status = base.StateScheduled
	}
	return row
}

func messageFromRow(row *sqlstore.StoredRequest) *base.RequestMessage {
	msg := &base.RequestMessage{
		ID:         row.ID,
		URL:        row.URL,
		Method:     row.Method,
		Headers:    row.Headers,
		Body:       row.Body,
		Priority:   row.Priority,
		MaxRetries: row.MaxRetries,
		Timeout:    row.TimeoutMs,
		Metadata:   row.Metadata,
		CreatedAt:  row.CreatedAt,
	}
	if row.ScheduledFor != nil {
		msg.ScheduledFor = *row.ScheduledFor
	}
	return msg
}

func infoFromRow(row *sqlstore.StoredRequest) *RequestInfo {
	info := &RequestInfo{
		ID:            row.ID,
		URL:           row.URL,
		Method:        row.Method,
		Headers:       row.Headers,
		Body:          row.Body,
		Priority:      row.Priority,
		MaxRetries:    row.MaxRetries,
		Timeout:       time.Duration(row.TimeoutMs) * time.Millisecond,
		ScheduledFor:  row.ScheduledFor,
		Metadata:      row.Metadata,
		State:         stateFromBase(row.Status),
		Attempts:      row.Attempts,
		LastAttemptAt: row.LastAttemptAt,
		NextRetryAt:   row.NextRetryAt,
		CompletedAt:   row.CompletedAt,
		LastError:     row.Error,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.ResponseStatus != 0 {
		info.Response = &ResponseSummary{
			StatusCode: row.ResponseStatus,
			Duration:   time.Duration(row.ResponseDurationMs) * time.Millisecond,
			Headers:    row.ResponseHeaders,
		}
	}
	return info
}

// Enqueue validates and admits the given request job. The durable row is
// written first; the request is then indexed for dispatch, waking any
// subscribed worker.
func (e *Engine) Enqueue(ctx context.Context, req *Request, opts ...Option) (*RequestInfo, error) {
	var op errors.Op = "hqm.Enqueue"
	if e.shuttingDown() {
		return nil, errors.E(op, errors.ShuttingDown, "engine is shutting down")
	}
	options := e.composeOptions(append(req.opts, opts...)...)
	if err := e.validate(req, &options); err != nil {
		return nil, err
	}
	if options.id == "" {
		options.id = uuid.NewString()
	}
	now := e.clock.Now()
	row := e.buildRow(req, &options, now)
	if err := e.store.SaveRequest(ctx, row); err != nil {
		return nil, err
	}
	msg := messageFromRow(row)
	if row.Status == base.StateScheduled {
		if err := e.broker.Schedule(ctx, msg, *row.ScheduledFor); err != nil {
			return nil, err
		}
	} else {
		if err := e.broker.Enqueue(ctx, msg); err != nil {
			return nil, err
		}
	}
	e.logger.Debugf("Enqueued request id=%s url=%s priority=%d", row.ID, row.URL, row.Priority)
	return infoFromRow(row), nil
}

// EnqueueMany validates and admits all given request jobs. The durable rows
// are written in a single transaction; a single batch notification is
// published after the index insert.
func (e *Engine) EnqueueMany(ctx context.Context, reqs []*Request) ([]*RequestInfo, error) {
	var op errors.Op = "hqm.EnqueueMany"
	if e.shuttingDown() {
		return nil, errors.E(op, errors.ShuttingDown, "engine is shutting down")
	}
	now := e.clock.Now()
	rows := make([]*sqlstore.StoredRequest, 0, len(reqs))
	msgs := make([]*base.RequestMessage, 0, len(reqs))
	infos := make([]*RequestInfo, 0, len(reqs))
	for _, req := range reqs {
		options := e.composeOptions(req.opts...)
		if err := e.validate(req, &options); err != nil {
			return nil, err
		}
		if options.id == "" {
			options.id = uuid.NewString()
		}
		row := e.buildRow(req, &options, now)
		rows = append(rows, row)
		msgs = append(msgs, messageFromRow(row))
		infos = append(infos, infoFromRow(row))
	}
	if err := e.store.SaveRequestBatch(ctx, rows); err != nil {
		return nil, err
	}
	if err := e.broker.EnqueueBatch(ctx, msgs); err != nil {
		return nil, err
	}
	e.logger.Debugf("Enqueued batch of %d requests", len(reqs))
	return infos, nil
}

// GetStatus returns the current state of the given request, or nil if no
// such request exists.
func (e *Engine) GetStatus(ctx context.Context, id string) (*RequestInfo, error) {
	row, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return infoFromRow(row), nil
}

// GetAttempts returns the attempt log of the given request in order.
func (e *Engine) GetAttempts(ctx context.Context, id string) ([]*AttemptInfo, error) {
	recs, err := e.store.GetAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]*AttemptInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &AttemptInfo{
			RequestID:       rec.RequestID,
			AttemptNumber:   rec.AttemptNumber,
			StatusCode:      rec.StatusCode,
			Duration:        time.Duration(rec.DurationMs) * time.Millisecond,
			Error:           rec.Error,
			ResponseHeaders: rec.ResponseHeaders,
			CreatedAt:       rec.CreatedAt,
		})
	}
	return out, nil
}

// Cancel removes the given request from the pending queue or scheduled set.
// It reports whether the request was cancelled; requests already claimed by
// a worker are not cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := e.broker.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	if err := e.store.UpdateStatus(ctx, id, base.StateCancelled, &sqlstore.StatusPatch{ClearNextRetryAt: true}); err != nil {
		return false, err
	}
	e.logger.Debugf("Cancelled request id=%s", id)
	return true, nil
}

// GetStats returns aggregate counters over the durable store. Pending merges
// the pending and scheduled states.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	s, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:           s.Pending + s.Scheduled,
		Processing:        s.Processing,
		Completed:         s.Completed,
		Failed:            s.Failed,
		Dead:              s.Dead,
		AvgProcessingTime: s.AvgDuration,
		SuccessRate:       s.SuccessRate,
	}, nil
}

// GetBackpressureState returns a snapshot of the in-process concurrency
// counters.
func (e *Engine) GetBackpressureState() *BackpressureState {
	return e.bp.snapshot()
}

// GetRequestsByStatus returns requests filtered by state and host substring,
// newest first. Pass nil state to list across all states.
func (e *Engine) GetRequestsByStatus(ctx context.Context, state *State, host string, limit, offset int) ([]*RequestInfo, error) {
	var filter *base.State
	if state != nil {
		s := base.State(*state)
		filter = &s
	}
	rows, err := e.store.ListByStatus(ctx, filter, host, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*RequestInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, infoFromRow(row))
	}
	return out, nil
}

// GetDeadLetterRequests returns up to limit requests from the dead-letter
// set, newest first.
func (e *Engine) GetDeadLetterRequests(ctx context.Context, limit int) ([]*RequestInfo, error) {
	state := StateDead
	return e.GetRequestsByStatus(ctx, &state, "", limit, 0)
}

// RetryDeadRequest flips a dead request back to pending with a clean retry
// budget and re-indexes it for dispatch. Prior attempt rows are retained;
// new attempts number from 1 again.
func (e *Engine) RetryDeadRequest(ctx context.Context, id string) error {
	var op errors.Op = "hqm.RetryDeadRequest"
	row, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return errors.E(op, errors.NotFound, fmt.Sprintf("request %q not found", id))
	}
	if err := e.store.MarkRetryDead(ctx, id); err != nil {
		return err
	}
	row.Attempts = 0
	msg := messageFromRow(row)
	if err := e.broker.ReenqueueDead(ctx, msg); err != nil {
		// The dead-set entry may have been pruned while the durable row
		// survived; index it as a fresh enqueue.
		if errors.IsNotFound(err) {
			return e.broker.Enqueue(ctx, msg)
		}
		return err
	}
	e.logger.Infof("Re-enqueued dead request id=%s", id)
	return nil
}

// GetCircuitBreakerState returns a snapshot of the breaker for the given
// host, including the time until the next probe when open.
func (e *Engine) GetCircuitBreakerState(ctx context.Context, host string) (*BreakerInfo, error) {
	return e.breaker.getState(ctx, host)
}

// ResetCircuitBreaker forces the breaker for the given host closed.
func (e *Engine) ResetCircuitBreaker(ctx context.Context, host string) error {
	return e.breaker.reset(ctx, host)
}

// CleanupCompleted removes completed requests older than the given number of
// days from the durable store and returns the number removed.
func (e *Engine) CleanupCompleted(ctx context.Context, days int) (int64, error) {
	return e.store.CleanupCompleted(ctx, days)
}

// CleanupDead removes dead requests older than the given number of days from
// the durable store and the index, returning the number removed.
func (e *Engine) CleanupDead(ctx context.Context, days int) (int64, error) {
	ids, err := e.store.CleanupDead(ctx, days)
	if err != nil {
		return 0, err
	}
	if err := e.broker.RemoveDead(ctx, ids); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// OnComplete registers a subscriber invoked whenever a request completes.
// Subscribers run sequentially; a failing subscriber is logged and absorbed.
func (e *Engine) OnComplete(h func(*CompleteEvent) error) {
	e.events.subscribe(eventComplete, func(ev Event) error { return h(ev.(*CompleteEvent)) })
}

// OnError registers a subscriber invoked whenever an attempt fails.
func (e *Engine) OnError(h func(*ErrorEvent) error) {
	e.events.subscribe(eventError, func(ev Event) error { return h(ev.(*ErrorEvent)) })
}

// OnRetry registers a subscriber invoked whenever a request is scheduled for
// another attempt.
func (e *Engine) OnRetry(h func(*RetryEvent) error) {
	e.events.subscribe(eventRetry, func(ev Event) error { return h(ev.(*RetryEvent)) })
}

// OnDead registers a subscriber invoked whenever a request is moved to the
// dead-letter set.
func (e *Engine) OnDead(h func(*DeadEvent) error) {
	e.events.subscribe(eventDead, func(ev Event) error { return h(ev.(*DeadEvent)) })
}
