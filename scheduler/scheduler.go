// Package scheduler decides when the drain loop runs: on a cron schedule,
// once at startup, and again after a short delay while the mailbox still
// has more than one page.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dhcgn/mail-dl/mailbox"
	"github.com/dhcgn/mail-dl/runner"
)

const (
	DefaultSchedule      = "@every 1m"
	DefaultFollowUpDelay = 5 * time.Second
)

type Cycler interface {
	Cycle(ctx context.Context) (runner.CycleResult, error)
}

type CycleObserver interface {
	ObserveCycle(started time.Time, err error)
}

type Options struct {
	Schedule      string
	FollowUpDelay time.Duration
}

// Driver owns the single worker that runs cycles. Cycles never overlap.
type Driver struct {
	cycler   Cycler
	observer CycleObserver
	logger   *slog.Logger
	schedule string
	delay    time.Duration
	after    func(time.Duration) <-chan time.Time
}

func New(cycler Cycler, opts Options, observer CycleObserver, logger *slog.Logger) (*Driver, error) {
	if cycler == nil {
		return nil, fmt.Errorf("cycler must not be nil")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if opts.FollowUpDelay < 0 {
		return nil, fmt.Errorf("follow-up delay must not be negative")
	}

	return &Driver{
		cycler:   cycler,
		observer: observer,
		logger:   logger,
		schedule: schedule,
		delay:    opts.FollowUpDelay,
		after:    time.After,
	}, nil
}

// Drain runs cycles until one reports no further pages, waiting the
// follow-up delay in between. It stops at the first cycle error.
func (d *Driver) Drain(ctx context.Context) error {
	for {
		started := time.Now()
		res, err := d.cycler.Cycle(ctx)
		if d.observer != nil {
			d.observer.ObserveCycle(started, err)
		}
		if err != nil {
			return err
		}
		if !res.HasMore {
			return nil
		}

		if d.logger != nil {
			d.logger.Debug("more messages waiting, scheduling follow-up cycle", "delay", d.delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.after(d.delay):
		}
	}
}

// Run drains once at startup and then on every schedule tick until ctx is
// cancelled. Ticks that arrive while a drain is running are coalesced. An
// authentication failure ends Run with that error; other cycle errors are
// logged and retried on the next tick.
func (d *Driver) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(d.schedule, notify); err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	if d.logger != nil {
		d.logger.Info("scheduler started", "schedule", d.schedule, "followUpDelay", d.delay)
	}
	notify()

	for {
		select {
		case <-ctx.Done():
			if d.logger != nil {
				d.logger.Info("scheduler stopped")
			}
			return nil
		case <-trigger:
			err := d.Drain(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil && errors.Is(err, ctx.Err()):
				// shutdown, handled by the next select
			case mailbox.IsAuthError(err):
				if d.logger != nil {
					d.logger.Error("authentication failed, stopping", "err", err)
				}
				return err
			default:
				if d.logger != nil {
					d.logger.Error("drain failed, retrying on next tick", "err", err)
				}
			}
		}
	}
}
