// Package schedule runs the monthly credit reset on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ineyio/creditledger"
)

// DefaultSpec fires at 00:00 UTC on the first day of every month.
const DefaultSpec = "0 0 1 * *"

// Resetter applies the monthly reset to one account.
type Resetter interface {
	ApplyMonthlyReset(ctx context.Context, accountID string) (creditledger.Account, error)
}

// Report summarizes one reset pass.
type Report struct {
	Reset   int
	Skipped int // already reset this cycle
	Failed  map[string]error
}

// Scheduler resets every account once per billing cycle.
type Scheduler struct {
	accounts creditledger.AccountLister
	resetter Resetter
	logger   *slog.Logger
	spec     string
	now      func() time.Time
	cron     *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSpec sets the cron expression (default DefaultSpec, evaluated in UTC).
func WithSpec(spec string) Option {
	return func(s *Scheduler) { s.spec = spec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source used to detect finished cycles.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler over the accounts returned by accounts.
func New(accounts creditledger.AccountLister, resetter Resetter, opts ...Option) *Scheduler {
	s := &Scheduler{
		accounts: accounts,
		resetter: resetter,
		spec:     DefaultSpec,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start registers the reset job and starts the cron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.spec, func() {
		s.logger.Info("monthly reset started")
		report, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("monthly reset failed", "error", err)
			return
		}
		s.logger.Info("monthly reset completed",
			"reset", report.Reset,
			"skipped", report.Skipped,
			"failed", len(report.Failed),
		)
	})
	if err != nil {
		return fmt.Errorf("creditledger/schedule: invalid spec %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop stops the scheduler and waits for a running pass.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce resets every account not yet reset in the current cycle. Running
// it twice in one month resets nobody twice.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("creditledger/schedule: list accounts: %w", err)
	}

	now := s.now()
	report := Report{Failed: make(map[string]error)}
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if creditledger.SameCycle(acc.LastResetAt, now) {
			report.Skipped++
			continue
		}
		if _, err := s.resetter.ApplyMonthlyReset(ctx, acc.ID); err != nil {
			s.logger.Error("account reset failed", "account", acc.ID, "error", err)
			report.Failed[acc.ID] = err
			continue
		}
		report.Reset++
	}
	return report, nil
}
