// Package sweeper periodically clears expired email secrets and lapsed
// lockouts from the credential store.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Purger is the slice of account.Store the sweeper needs.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Sweeper struct {
	store   Purger
	logger  *zap.SugaredLogger
	timeout time.Duration
	now     func() time.Time
}

func New(store Purger, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{store: store, logger: logger, timeout: 30 * time.Second, now: time.Now}
}

// RunOnce performs a single purge pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Infow("purged expired secrets and locks", "accounts", n)
	}
	return n, nil
}

// Schedule registers the purge on a cron spec such as "@hourly" and returns
// the scheduler unstarted.
func (s *Sweeper) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Warnw("sweep failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}
	return c, nil
}
