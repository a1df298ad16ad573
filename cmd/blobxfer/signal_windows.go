package main

// handlePauseSignal is a no-op, Windows has no SIGUSR1.
func (a *app) handlePauseSignal() (stop func()) {
	return func() {}
}
