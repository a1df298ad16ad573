//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// handlePauseSignal toggles the controller on SIGUSR1.
func (a *app) handlePauseSignal() (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-signals:
				if a.controller.Paused() {
					a.logger.Infof("Resuming transfer")
					a.controller.Resume()
				} else {
					a.logger.Infof("Pausing transfer, send SIGUSR1 again to resume")
					a.controller.Pause()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
