package fossawork

import "time"

// Config holds configuration for the Controller.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int `yaml:"concurrency"`

	// Queues is the list of queues this controller will poll.
	Queues []string `yaml:"queues"`

	// PollInterval is how often workers poll for new jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// HeartbeatInterval is how often running jobs send heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleJobThreshold is how long before a running job without a
	// heartbeat is considered abandoned and re-queued.
	StaleJobThreshold time.Duration `yaml:"stale_job_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       8,
		Queues:            []string{"default"},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleJobThreshold: 30 * time.Second,
	}
}
