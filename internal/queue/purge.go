package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a periodic maintenance step; it returns how many rows it touched
type Task func(ctx context.Context) (int64, error)

// Purger deletes terminal jobs older than a retention period on a cron schedule.
// Other maintenance tasks can share its scheduler through Schedule.
type Purger struct {
	store     JobStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	c         *cron.Cron
}

// NewPurger parses schedule (standard cron fields or descriptors such as "@every 10m")
func NewPurger(store JobStore, retention time.Duration, schedule string, logger *slog.Logger) (*Purger, error) {
	p := &Purger{
		store:     store,
		retention: retention,
		logger:    logger.With(slog.String("component", "purger")),
		now:       time.Now,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	p.c = cron.New(cron.WithParser(parser))
	if _, err := p.c.AddFunc(schedule, func() { p.PurgeOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Schedule runs task on spec alongside the purge
func (p *Purger) Schedule(name, spec string, task Task) error {
	if _, err := p.c.AddFunc(spec, func() { p.RunTask(context.Background(), name, task) }); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	return nil
}

// RunTask runs one maintenance task and logs its outcome
func (p *Purger) RunTask(ctx context.Context, name string, task Task) int64 {
	n, err := task(ctx)
	if err != nil {
		p.logger.Error("Maintenance task failed",
			slog.String("task", name),
			slog.Int64("count", n),
			slog.Any("error", err),
		)
		return n
	}
	if n > 0 {
		p.logger.Info("Maintenance task finished",
			slog.String("task", name),
			slog.Int64("count", n),
		)
	}
	return n
}

// Start runs the schedule in the background
func (p *Purger) Start() {
	p.c.Start()
}

// Stop halts the schedule and waits for a running purge
func (p *Purger) Stop() {
	<-p.c.Stop().Done()
}

// PurgeOnce deletes terminal jobs finished more than the retention period ago
func (p *Purger) PurgeOnce(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		p.logger.Error("Failed to purge terminal jobs", slog.Any("error", err))
		return 0
	}
	if n > 0 {
		p.logger.Info("Purged terminal jobs",
			slog.Int64("count", n),
			slog.Time("finished_before", cutoff),
		)
	}
	return n
}
