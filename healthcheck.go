// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package hqm

import (
	"context"
	"sync"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/log"
	"github.com/aneuhaus/http-queue-manager/internal/sqlstore"
)

// healthchecker is responsible for periodically checking the health of the
// index and durable stores and invoking a user provided callback with the
// result of each check (nil when both stores are up).
type healthchecker struct {
	logger *log.Logger
	broker base.Broker
	store  *sqlstore.Store

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// user provided callback to invoke after every check; the error is nil
	// when both stores are up.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	store           *sqlstore.Store
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		broker:          params.broker,
		store:           params.store,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	ctx := context.Background()
	err := hc.broker.Ping(ctx)
	if err == nil {
		err = hc.store.Ping(ctx)
	}
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}
