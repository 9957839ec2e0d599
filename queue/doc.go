// Package queue defines the queue abstraction with priority ordering
// and per-queue / per-station rate limiting.
//
// Queues are named channels that group related jobs. Jobs carry a Queue field
// that determines which queue they belong to. The controller polls the queues
// listed in [fossawork.Config.Queues] (default: ["default"]).
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "inspections",
//	    MaxConcurrency: 5,      // max 5 concurrent inspection jobs
//	    RateLimit:      10,     // max 10 jobs/s dequeued from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// Pass configs when building the engine:
//
//	engine.Build(c,
//	    engine.WithQueueConfig(
//	        queue.Config{Name: "inspections", MaxConcurrency: 8},
//	        queue.Config{Name: "bulk", RateLimit: 5, RateBurst: 10},
//	    ),
//	)
//
// # Manager
//
// [Manager] enforces per-queue and per-station limits at dequeue time.
// Regulator portals tolerate very little concurrency, so stations get
// their own token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate on top of the queue-level limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName, stationID) {
//	    defer m.Release(queueName, stationID)
//	    // process the job
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide concurrency.
package queue
