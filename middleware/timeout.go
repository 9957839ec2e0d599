package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fossawork/fossawork/job"
)

// Timeout returns middleware that enforces the job's execution deadline.
// Regulator portals expire idle sessions, so a stuck automation run is
// cut off rather than holding its station slot until the pool reaps it.
// Jobs with a zero Timeout run unbounded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		tctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		err := next(tctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && tctx.Err() != nil {
			logger.Warn("job exceeded timeout",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID.String()),
				slog.String("station_id", j.StationID),
				slog.Duration("timeout", j.Timeout),
			)
			return fmt.Errorf("job %s exceeded %s timeout: %w", j.Name, j.Timeout, err)
		}
		return err
	}
}
