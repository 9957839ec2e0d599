package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/fossawork/fossawork/job"
)

// Logging returns middleware that logs each inspection run. Work-order
// and station routing fields are attached when the job carries them so
// operators can correlate portal sessions with the jobs driving them.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		l := runLogger(logger, j)

		if j.RetryCount > 0 {
			l.Info("job started", slog.Int("attempt", j.RetryCount+1))
		} else {
			l.Info("job started")
		}

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			l.Error("job failed",
				slog.Duration("elapsed", elapsed),
				slog.Int("attempt", j.RetryCount+1),
				slog.String("error", err.Error()),
			)
		} else {
			l.Info("job completed", slog.Duration("elapsed", elapsed))
		}

		return err
	}
}

// runLogger binds the job's identity and routing fields. Work order,
// station, and dispenser count are omitted for jobs without routing so
// ad-hoc runs log compactly.
func runLogger(logger *slog.Logger, j *job.Job) *slog.Logger {
	l := logger.With(
		slog.String("job_name", j.Name),
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
	)
	if j.WorkOrderID != "" {
		l = l.With(slog.String("work_order_id", j.WorkOrderID))
	}
	if j.StationID != "" {
		l = l.With(slog.String("station_id", j.StationID))
	}
	if len(j.Dispensers) > 0 {
		l = l.With(slog.Int("dispensers", len(j.Dispensers)))
	}
	return l
}
