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
	"github.com/aneuhaus/http-queue-manager/internal/timeutil"
)

// recoverer is responsible for reclaiming requests abandoned in the
// processing set by crashed workers. Entries older than the threshold are
// moved back to the pending queue; the durable attempt count already
// reflects the lost attempt, so the next execution logs the following
// attempt number.
type recoverer struct {
	logger *log.Logger
	broker base.Broker
	store  *sqlstore.Store
	clock  timeutil.Clock

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	// interval between orphan scans.
	interval time.Duration

	// age past which a processing entry counts as orphaned.
	threshold time.Duration
}

type recovererParams struct {
	logger    *log.Logger
	broker    base.Broker
	store     *sqlstore.Store
	interval  time.Duration
	threshold time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:    params.logger,
		broker:    params.broker,
		store:     params.store,
		clock:     timeutil.NewRealClock(),
		done:      make(chan struct{}),
		interval:  params.interval,
		threshold: params.threshold,
	}
}

func (r *recoverer) shutdown() {
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.exec() // an initial scan catches orphans from a prior crash
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.exec()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *recoverer) exec() {
	ctx := context.Background()
	cutoff := r.clock.Now().Add(-r.threshold)
	ids, err := r.broker.RequeueOrphaned(ctx, cutoff)
	if err != nil {
		r.logger.Errorf("Failed to reclaim orphaned requests: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	r.logger.Warnf("Reclaimed %d orphaned requests from the processing set", len(ids))
	for _, id := range ids {
		if err := r.store.UpdateStatus(ctx, id, base.StatePending, nil); err != nil {
			r.logger.Errorf("Failed to mark reclaimed request %s pending: %v", id, err)
		}
	}
}
