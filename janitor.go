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

// janitor is responsible for periodically removing completed and dead
// requests that have aged past their retention.
type janitor struct {
	logger *log.Logger
	broker base.Broker
	store  *sqlstore.Store

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between cleanup runs.
	interval time.Duration

	// retention in days per terminal state.
	completedRetention int
	deadRetention      int
}

type janitorParams struct {
	logger             *log.Logger
	broker             base.Broker
	store              *sqlstore.Store
	interval           time.Duration
	completedRetention int
	deadRetention      int
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:             params.logger,
		broker:             params.broker,
		store:              params.store,
		done:               make(chan struct{}),
		interval:           params.interval,
		completedRetention: params.completedRetention,
		deadRetention:      params.deadRetention,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	ctx := context.Background()
	n, err := j.store.CleanupCompleted(ctx, j.completedRetention)
	if err != nil {
		j.logger.Errorf("Failed to clean up completed requests: %v", err)
	} else if n > 0 {
		j.logger.Infof("Removed %d expired completed requests", n)
	}

	ids, err := j.store.CleanupDead(ctx, j.deadRetention)
	if err != nil {
		j.logger.Errorf("Failed to clean up dead requests: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	// Prune the index entries for rows that just went away so the dead set
	// never references a missing durable row.
	if err := j.broker.RemoveDead(ctx, ids); err != nil {
		j.logger.Errorf("Failed to prune dead set: %v", err)
		return
	}
	j.logger.Infof("Removed %d expired dead requests", len(ids))
}
