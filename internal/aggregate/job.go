package aggregate

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DailyJob aggregates yesterday on every cron tick.
type DailyJob struct {
	aggregator *Aggregator
	ctx        context.Context
	logger     *slog.Logger
}

var _ cron.Job = (*DailyJob)(nil)

// NewDailyJob binds a job to ctx; a cancelled ctx interrupts a running batch.
func NewDailyJob(ctx context.Context, a *Aggregator, logger *slog.Logger) *DailyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyJob{aggregator: a, ctx: ctx, logger: logger}
}

func (j *DailyJob) Run() {
	if j.ctx.Err() != nil {
		return
	}
	j.logger.Info("starting scheduled daily aggregation")
	report, err := j.aggregator.RunYesterday(j.ctx)
	if err != nil {
		j.logger.Error("scheduled daily aggregation failed", "day", report.Day, "error", err)
	}
}
