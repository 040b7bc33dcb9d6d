package sync

import (
	"context"
	"time"
)

// DefaultInterval is the background refresh cadence used when
// configuration specifies zero.
const DefaultInterval = 300 * time.Second

// Run drives the background scheduler until ctx is cancelled: it calls
// RefreshUpdated every interval, and a call to TriggerRefresh preempts
// the next scheduled tick rather than waiting for it. Bootstrap must
// have already completed before Run is called.
//
// interval is only the starting cadence. SetInterval retargets it
// while Run is already active, so a config file reload can change
// sync_interval_seconds without a restart.
func (s *Synchroniser) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.interval.Store(int64(interval))

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.manualTrigger:
		case <-timer.C:
		}
		timer.Reset(s.currentInterval())

		if err := s.RefreshUpdated(ctx); err != nil {
			s.log.Error("refresh_updated failed", "error", err)
			s.notifier.NotifyFailure("refresh_updated", err)
		}
	}
}

func (s *Synchroniser) currentInterval() time.Duration {
	if d := time.Duration(s.interval.Load()); d > 0 {
		return d
	}
	return DefaultInterval
}
