package ipmask

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPWatcher resets the upstream chain whenever the process receives
// SIGHUP, putting every failed endpoint back into rotation without a
// restart. Call Cancel to stop watching.
type SIGHUPWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPWatcher) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that clears the failed set of
// proxy.Chain on each SIGHUP. onReset, if non-nil, runs after each reset.
func WatchSIGHUP(proxy *Proxy, logger *slog.Logger, onReset func()) *SIGHUPWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				failed := proxy.Chain.FailedCount()
				proxy.Chain.Reset()
				if proxy.Metrics != nil {
					proxy.Metrics.SetChainFailed(0)
				}
				logger.Info("received SIGHUP, upstream chain reset", "cleared", failed)
				if onReset != nil {
					onReset()
				}
			}
		}
	}()

	return &SIGHUPWatcher{cancel: cancel, done: done}
}
