package bootstrap

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"

	"github.com/apolotel/billingcore/pkg/mlog"
)

// sweepTarget is the slice of reservation.Manager the sweeper drives.
type sweepTarget interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper runs reservation.Manager.Sweep on an interval, guarded by a
// redsync distributed lock so that only one coordinator replica in a fleet
// runs the sweep at a time (spec §4.4.7, SUPPLEMENTED FEATURES). Losing the
// lock on a given tick is not an error: it means another replica holds it.
type Sweeper struct {
	target   sweepTarget
	rs       *redsync.Redsync
	lockName string
	interval time.Duration
	logger   mlog.Logger
}

func NewSweeper(target sweepTarget, rs *redsync.Redsync, lockName string, interval time.Duration, logger mlog.Logger) *Sweeper {
	if logger == nil {
		logger = &mlog.NilLogger{}
	}

	if interval <= 0 {
		interval = time.Minute
	}

	return &Sweeper{target: target, rs: rs, lockName: lockName, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, attempting a sweep every interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	mutex := s.rs.NewMutex(s.lockName, redsync.WithExpiry(s.interval))

	if err := mutex.LockContext(ctx); err != nil {
		s.logger.Debugf("sweeper: lock not acquired, skipping tick: %v", err)
		return
	}

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			s.logger.Errorf("sweeper: unlock failed: %v", err)
		}
	}()

	n, err := s.target.Sweep(ctx)
	if err != nil {
		s.logger.Errorf("sweeper: sweep failed: %v", err)
		return
	}

	if n > 0 {
		s.logger.Infof("sweeper: expired %d reservations", n)
	}
}
