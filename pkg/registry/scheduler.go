package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultWeeklyResetSchedule runs every Monday at midnight UTC.
const DefaultWeeklyResetSchedule = "CRON_TZ=UTC 0 0 * * 1"

type weeklyResetter interface {
	ResetWeeklyDownloads(ctx context.Context) (int64, error)
}

// WeeklyResetScheduler zeroes weekly download counters on a cron schedule.
type WeeklyResetScheduler struct {
	target   weeklyResetter
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

func NewWeeklyResetScheduler(target weeklyResetter, schedule string, logger *slog.Logger) (*WeeklyResetScheduler, error) {
	if schedule == "" {
		schedule = DefaultWeeklyResetSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid weekly reset schedule: %w", err)
	}

	return &WeeklyResetScheduler{
		target:   target,
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger.With("schedule", schedule),
	}, nil
}

func (s *WeeklyResetScheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	id, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return fmt.Errorf("failed to add weekly reset job: %w", err)
	}

	s.logger.InfoContext(ctx, "Weekly download reset scheduled", "id", id)
	s.cron.Start()

	return nil
}

func (s *WeeklyResetScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.target.ResetWeeklyDownloads(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Weekly download reset failed", "error", err)
	}
}

// Stop halts the schedule and waits for a running reset to finish.
func (s *WeeklyResetScheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
