package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/fossawork/fossawork/job"
)

// Recover returns middleware that converts handler panics into errors.
// Automation handlers drive headless browser sessions against external
// portals, so a panic must fail only its own job, never the worker. The
// stack and the job's routing fields are logged for the postmortem.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				runLogger(logger, j).Error("job handler panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", j.Name, r)
			}
		}()
		return next(ctx)
	}
}
