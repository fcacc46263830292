package deltasync

import (
	"context"
	"time"
)

// autoSync is the background scheduler: one goroutine that syncs on a
// timer, rescheduling after the retry delay when a round fails. Disabling
// lets an in-flight round complete naturally.
type autoSync struct {
	stop chan struct{}
	done chan struct{}
}

// EnableAutoSync starts background syncing at the given interval (the
// configured default when interval is zero). A running scheduler is
// restarted with the new interval.
func (e *Engine) EnableAutoSync(interval time.Duration) {
	e.DisableAutoSync()

	if interval <= 0 {
		interval = e.opts.AutoSync.Interval
	}

	a := &autoSync{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	e.auto = a
	e.opts.AutoSync.Enabled = true
	retryDelay := e.opts.AutoSync.RetryDelay
	e.mu.Unlock()

	go e.autoSyncLoop(a, interval, retryDelay)
}

// DisableAutoSync stops the scheduler. Safe to call when not running.
func (e *Engine) DisableAutoSync() {
	e.mu.Lock()
	a := e.auto
	e.auto = nil
	e.opts.AutoSync.Enabled = false
	e.mu.Unlock()

	if a == nil {
		return
	}

	close(a.stop)
	<-a.done
}

// autoSyncLoop fires sync rounds until stopped. A busy or failed round
// reschedules after the retry delay; success reschedules after the full
// interval.
func (e *Engine) autoSyncLoop(a *autoSync, interval, retryDelay time.Duration) {
	defer close(a.done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-timer.C:
		}

		next := interval

		report, err := e.Sync(context.Background())

		switch {
		case err != nil:
			e.opts.Logger.Warn("auto-sync round failed", "error", err)

			next = retryDelay
		case report.Skipped:
			next = retryDelay
		}

		timer.Reset(next)
	}
}
