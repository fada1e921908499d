// Package scheduler runs periodic jobs on a cron expression evaluated in UTC.
package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// JobScheduler owns a single cron entry.
type JobScheduler struct {
	scheduler *cron.Cron
	logger    *slog.Logger
	job       cron.Job
	jobID     cron.EntryID
}

// New schedules job on frequency. Six-field expressions enable second-level
// scheduling. A nil job yields a scheduler with no entries.
func New(logger *slog.Logger, frequency string, job cron.Job) (*JobScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []cron.Option{
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	}
	logger.Info("scheduling job", "cron", frequency)
	if strings.Count(strings.TrimSpace(frequency), " ") == 5 {
		logger.Warn("cron expression uses second-level scheduling", "cron", frequency)
		opts = append(opts, cron.WithSeconds())
	}

	js := &JobScheduler{scheduler: cron.New(opts...), logger: logger, job: job}
	if job == nil {
		return js, nil
	}

	id, err := js.scheduler.AddJob(frequency, job)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", frequency, err)
	}
	js.jobID = id
	return js, nil
}

func (js *JobScheduler) Start() {
	js.scheduler.Start()
}

// NextRun returns the next activation, or the zero time when nothing is scheduled
// or the scheduler has not started.
func (js *JobScheduler) NextRun() time.Time {
	return js.scheduler.Entry(js.jobID).Next
}

// Stop removes the entry and waits for a running job to return.
func (js *JobScheduler) Stop() {
	js.scheduler.Remove(js.jobID)
	<-js.scheduler.Stop().Done()
}
