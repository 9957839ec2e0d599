package queue

import (
	"fmt"

	"golang.org/x/time/rate"
)

// StationConfig defines rate limits and concurrency for a specific fuel
// station on a specific queue, identified by the job's StationID. Most
// regulator portals reject or throttle overlapping sessions, so stations
// are typically capped at one or two concurrent jobs.
type StationConfig struct {
	// QueueName is the queue this config applies to.
	QueueName string

	// StationID is the station identifier (the job.StationID field).
	StationID string

	// RateLimit is the sustained jobs per second for this station.
	RateLimit float64

	// RateBurst is the burst size for the station's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous jobs for this station on this
	// queue. Zero means no station-specific concurrency limit.
	MaxConcurrency int
}

// stationState tracks runtime state for a single queue+station pair.
type stationState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// stationKey builds the map key for a queue+station pair.
func stationKey(queue, stationID string) string {
	return fmt.Sprintf("%s:%s", queue, stationID)
}

// SetStationConfig configures rate limits and concurrency for a specific
// station on a specific queue. Calling this multiple times for the same
// queue+station replaces the previous configuration.
func (m *Manager) SetStationConfig(cfg StationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stationKey(cfg.QueueName, cfg.StationID)
	existing := m.stations[key]

	ss := &stationState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ss.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ss.active = existing.active
	}
	m.stations[key] = ss
}

// StationActiveCount returns the current number of active jobs for a
// queue+station pair.
func (m *Manager) StationActiveCount(queue, stationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss := m.stations[stationKey(queue, stationID)]; ss != nil {
		return ss.active
	}
	return 0
}
