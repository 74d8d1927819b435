package service

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/port"
)

// Retention periodically deletes finished jobs older than the configured
// number of days.
type Retention struct {
	store port.JobStore
	keep  time.Duration
	cron  *cron.Cron
	log   *logger.Logger
	now   func() time.Time
}

func NewRetention(store port.JobStore, days int, log *logger.Logger) *Retention {
	return &Retention{
		store: store,
		keep:  time.Duration(days) * 24 * time.Hour,
		cron:  cron.New(),
		log:   log.Named("retention"),
		now:   time.Now,
	}
}

// Start schedules the sweep using a standard cron spec or descriptor such
// as "@hourly" and runs one sweep immediately.
func (r *Retention) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() { _, _ = r.Sweep() }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	r.log.Infof("history retention enabled: keeping %s, schedule %s", r.keep, schedule)
	_, _ = r.Sweep()
	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Retention) Sweep() (int64, error) {
	cutoff := r.now().UTC().Add(-r.keep)
	n, err := r.store.DeleteFinishedBefore(cutoff)
	if err != nil {
		r.log.Errorf("retention sweep failed: %v", err)
		return 0, err
	}
	if n > 0 {
		r.log.Infof("removed %d finished jobs older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
