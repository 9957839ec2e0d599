package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-queue", "") {
		t.Fatal("expected Acquire to succeed for unconfigured queue")
	}
	m.Release("any-queue", "")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Name:           "inspections",
		MaxConcurrency: 2,
	})
	if m.ActiveCount("inspections") != 0 {
		t.Fatal("expected 0 active jobs initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Name:           "inspections",
		MaxConcurrency: 2,
	})

	if !m.Acquire("inspections", "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("inspections", "") {
		t.Fatal("second Acquire should succeed")
	}
	// Third should be blocked.
	if m.Acquire("inspections", "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Release one slot.
	m.Release("inspections", "")
	if !m.Acquire("inspections", "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Name:           "q",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire("q", "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("q") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("q"))
	}

	m.Release("q", "")
	m.Release("q", "")
	if m.ActiveCount("q") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("q"))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Name:      "limited",
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	// First should succeed (burst allows it).
	if !m.Acquire("limited", "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited", "")

	// Immediately after, token bucket is empty.
	if m.Acquire("limited", "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	// Wait for token refill.
	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire("limited", "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release("limited", "")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Name:      "bursty",
		RateLimit: 10.0,
		RateBurst: 3,
	})

	// Three immediate acquires should succeed (burst = 3).
	for i := range 3 {
		if !m.Acquire("bursty", "") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release("bursty", "")
	}
}

// ---------------------------------------------------------------------------
// Per-station isolation
// ---------------------------------------------------------------------------

func TestManager_StationConcurrency(t *testing.T) {
	m := NewManager(Config{
		Name:           "inspections",
		MaxConcurrency: 100, // high queue limit
	})

	m.SetStationConfig(StationConfig{
		QueueName:      "inspections",
		StationID:      "st-145",
		MaxConcurrency: 1,
	})

	// Station st-145: first job succeeds.
	if !m.Acquire("inspections", "st-145") {
		t.Fatal("st-145 first Acquire should succeed")
	}
	// Station st-145: second job blocked (portal sessions don't overlap).
	if m.Acquire("inspections", "st-145") {
		t.Fatal("st-145 second Acquire should fail (station max 1)")
	}

	// Another station (no config): should still succeed.
	if !m.Acquire("inspections", "st-200") {
		t.Fatal("st-200 Acquire should succeed (no station limit)")
	}

	m.Release("inspections", "st-145")
	m.Release("inspections", "st-200")
}

func TestManager_StationIsolation(t *testing.T) {
	m := NewManager(Config{
		Name:           "work",
		MaxConcurrency: 100,
	})

	m.SetStationConfig(StationConfig{
		QueueName:      "work",
		StationID:      "st-a",
		MaxConcurrency: 2,
	})
	m.SetStationConfig(StationConfig{
		QueueName:      "work",
		StationID:      "st-b",
		MaxConcurrency: 2,
	})

	// Fill st-a slots.
	m.Acquire("work", "st-a")
	m.Acquire("work", "st-a")

	// st-a is maxed.
	if m.Acquire("work", "st-a") {
		t.Fatal("st-a should be blocked at max concurrency")
	}

	// st-b is unaffected.
	if !m.Acquire("work", "st-b") {
		t.Fatal("st-b should not be affected by st-a's limits")
	}

	m.Release("work", "st-a")
	m.Release("work", "st-a")
	m.Release("work", "st-b")
}

func TestManager_StationActiveCount(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 10})
	m.SetStationConfig(StationConfig{
		QueueName:      "q",
		StationID:      "st-1",
		MaxConcurrency: 5,
	})

	m.Acquire("q", "st-1")
	m.Acquire("q", "st-1")

	if got := m.StationActiveCount("q", "st-1"); got != 2 {
		t.Fatalf("expected station active 2, got %d", got)
	}

	m.Release("q", "st-1")
	if got := m.StationActiveCount("q", "st-1"); got != 1 {
		t.Fatalf("expected station active 1, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetQueueConfig(t *testing.T) {
	m := NewManager(Config{
		Name:           "dyn",
		MaxConcurrency: 1,
	})

	m.Acquire("dyn", "")
	if m.Acquire("dyn", "") {
		t.Fatal("should be blocked at concurrency 1")
	}

	// Raise the limit dynamically.
	m.SetQueueConfig(Config{
		Name:           "dyn",
		MaxConcurrency: 3,
	})

	// Now should succeed.
	if !m.Acquire("dyn", "") {
		t.Fatal("should succeed after raising concurrency")
	}
	m.Release("dyn", "")
	m.Release("dyn", "")
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{
		Name:           "concurrent",
		MaxConcurrency: 50,
	})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("concurrent", "") {
				acquired.Add(1)
				// Simulate work.
				time.Sleep(time.Millisecond)
				m.Release("concurrent", "")
			}
		}()
	}

	wg.Wait()

	// At least some should have succeeded.
	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}

	// Active should be back to 0.
	if m.ActiveCount("concurrent") != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount("concurrent"))
	}
}

func TestManager_UnconfiguredQueue_AlwaysSucceeds(t *testing.T) {
	m := NewManager(Config{
		Name:           "configured",
		MaxConcurrency: 1,
	})

	// "other" queue has no config — no limits.
	for range 10 {
		if !m.Acquire("other", "") {
			t.Fatal("unconfigured queue should always allow Acquire")
		}
	}
	for range 10 {
		m.Release("other", "")
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{
		Name:           "q",
		MaxConcurrency: 5,
	})

	// Release without Acquire should not go negative.
	m.Release("q", "")
	if m.ActiveCount("q") != 0 {
		t.Fatal("active count should not go below 0")
	}
}
