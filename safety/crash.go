package safety

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaban/macroute/hal"
)

// crashSignals are the abnormal-termination signals we intercept to destroy
// registered mix devices before dying.
var crashSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGABRT,
}

// InstallCrashHandler arranges for the global registry to be drained on
// abnormal termination. The handler first resets the signal's disposition to
// default so a failure inside cleanup cannot recurse, destroys every
// registered mix device via the cross-process call, then re-raises the signal
// so the process exits with the original status.
//
// Returns a stop function that uninstalls the handler (used by tests and
// orderly shutdown, where DestroyAll has already run).
func InstallCrashHandler() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, crashSignals...)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			signal.Reset(crashSignals...)
			Global().DestroyAll()
			// Re-raise with default disposition restored.
			p, _ := os.FindProcess(os.Getpid())
			_ = p.Signal(sig)
		case <-done:
			signal.Stop(ch)
		}
	}()

	return func() { close(done) }
}

// CleanupOrphans destroys every mix device published under the given naming
// prefix. Run synchronously at startup: it covers the case where the crash
// handler never got a chance to run (unconditional kill, power loss).
// Returns the number of devices destroyed.
func CleanupOrphans(sys hal.System, prefix string) (int, error) {
	ids, err := sys.ListMixDevices(prefix)
	if err != nil {
		return 0, fmt.Errorf("safety: orphan scan failed: %w", err)
	}
	destroyed := 0
	var firstErr error
	for _, id := range ids {
		if err := sys.DestroyMixDeviceByID(id); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("safety: destroying orphan %d: %w", id, err)
			}
			continue
		}
		destroyed++
	}
	return destroyed, firstErr
}
