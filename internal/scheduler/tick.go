package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// hourlyTick wraps a github.com/go-co-op/gocron/v2 scheduler running the
// single repeating job this daemon needs (spec §4.3 trigger 1), grounded
// on the teacher's shared-gocron-scheduler pattern in
// internal/orchestrator/scheduler.go — stripped down to the one job this
// daemon needs, with none of that pattern's per-job progress tracking
// machinery (scheduler runs here have no chunked progress to report).
type hourlyTick struct {
	sched gocron.Scheduler
}

func newHourlyTick() (*hourlyTick, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create tick scheduler: %w", err)
	}
	return &hourlyTick{sched: s}, nil
}

// Start registers fn to run once per hour and starts the underlying
// gocron scheduler.
func (t *hourlyTick) Start(_ context.Context, fn func()) error {
	_, err := t.sched.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(fn),
		gocron.WithName("scheduler-hourly-tick"),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register hourly tick: %w", err)
	}
	t.sched.Start()
	return nil
}

func (t *hourlyTick) Stop() error {
	return t.sched.Shutdown()
}
