package engine

import (
	"os"
	"os/signal"
	"syscall"
)

// HandleSignals stops the running workflow when the process receives
// SIGINT, SIGTERM or SIGUSR1. The returned function unregisters the
// handler.
func (w *WorkflowRunner) HandleSignals() func() {
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		select {
		case sig := <-signals:
			w.interrupt(sig)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

func (w *WorkflowRunner) interrupt(sig os.Signal) {
	w.log.Warn().Msgf("received %s, stopping running tasks", sig)
	w.StopRunningTasks()
	if err := w.Close(); err != nil {
		w.log.Error().Err(err).Msg("failed to release runners")
	}
	w.exit(InterruptedExitCode)
}
