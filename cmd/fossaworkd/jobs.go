package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fossawork/fossawork/engine"
	"github.com/fossawork/fossawork/job"
)

// inspectPayload drives the built-in simulated inspection. Real
// deployments register their own automation definitions against the
// engine; this one exercises the full progress pipeline and doubles as
// a smoke test for dashboards.
type inspectPayload struct {
	WorkOrderID string   `json:"work_order_id"`
	StationID   string   `json:"station_id"`
	Dispensers  []string `json:"dispensers"`

	// StepDelayMs is the pause between phases. Zero means no pause.
	StepDelayMs int `json:"step_delay_ms"`

	// FailPhase, if set, makes the run fail when it reaches that phase.
	FailPhase string `json:"fail_phase"`
}

var inspectPhases = []struct {
	phase   string
	percent float64
	message string
}{
	{job.PhaseLogin, 10, "authenticating with portal"},
	{job.PhaseNavigation, 25, "navigating to work order"},
	{job.PhaseFormFill, 55, "filling inspection form"},
	{job.PhaseVerification, 80, "verifying entries"},
	{job.PhaseSubmission, 95, "submitting inspection"},
}

// registerBuiltins registers the automation definitions the daemon
// ships with.
func registerBuiltins(eng *engine.Engine, logger *slog.Logger) {
	engine.Register(eng, job.NewDefinition("compliance.inspect",
		func(ctx context.Context, p inspectPayload, report job.ReportFunc) error {
			delay := time.Duration(p.StepDelayMs) * time.Millisecond

			for _, step := range inspectPhases {
				if p.FailPhase != "" && p.FailPhase == step.phase {
					return fmt.Errorf("simulated failure in phase %s", step.phase)
				}

				report(ctx, job.Progress{
					Phase:   step.phase,
					Percent: step.percent,
					Message: step.message,
				})

				// Fan phase progress out per dispenser on form fill.
				if step.phase == job.PhaseFormFill {
					for _, d := range p.Dispensers {
						report(ctx, job.Progress{
							Phase:       step.phase,
							Percent:     100,
							Message:     "dispenser readings recorded",
							DispenserID: d,
						})
					}
				}

				if delay > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
					}
				}
			}

			logger.Debug("inspection simulation complete",
				"work_order", p.WorkOrderID,
				"station", p.StationID,
				"dispensers", len(p.Dispensers),
			)
			return nil
		},
	))
}
