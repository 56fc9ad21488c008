// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

//go:build !windows

package hqm

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForSignals waits for signals and handles them.
// It handles SIGTERM and SIGINT.
// SIGTERM and SIGINT will signal the process to exit.
// SIGTSTP pauses dispatching; SIGCONT resumes it.
func (e *Engine) waitForSignals() {
	e.logger.Info("Listening for signals...")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP, unix.SIGCONT)
	for {
		sig := <-sigs
		if sig == unix.SIGTSTP {
			e.Pause()
			continue
		}
		if sig == unix.SIGCONT {
			if err := e.Resume(); err != nil {
				e.logger.Errorf("Failed to resume worker: %v", err)
			}
			continue
		}
		break
	}
}
