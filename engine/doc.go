// Package engine wires all FossaWork subsystems together and provides
// the primary application-level API for registering and enqueuing work.
//
// The engine package exists to break a fundamental import cycle: the root
// fossawork package defines Entity (imported by job, schedule, etc.) and
// therefore cannot import those packages back. Engine sits above all
// subsystem packages and below the application layer.
//
// # Building an Engine
//
//	c, err := fossawork.New(
//	    fossawork.WithStore(pgStore),
//	    fossawork.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(c,
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:           "inspections",
//	        MaxConcurrency: 4,
//	    }),
//	)
//
// # Registering Work
//
//	// Jobs
//	engine.Register(eng, ComplianceInspect)
//
//	// Schedules
//	engine.RegisterSchedule(ctx, eng, &schedule.Definition[InspectInput]{
//	    Name:     "nightly-inspection",
//	    Schedule: "0 2 * * *",
//	    JobName:  "compliance.inspect",
//	})
//
// # Enqueuing Jobs
//
//	engine.Enqueue(ctx, eng, "compliance.inspect", InspectInput{WorkOrderID: "wo-1"},
//	    job.WithStation("st-145"))
//
// # Options
//
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the execution chain
//   - [WithBackoff] — set the retry backoff strategy
//   - [WithQueueConfig] — configure per-queue rate limits and concurrency
//   - [WithStationConfig] — configure per-station limits within a queue
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
