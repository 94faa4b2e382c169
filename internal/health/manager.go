package health

import (
	"context"
	"sync"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Manager runs registered checks in parallel, each bounded by a
// timeout, and aggregates their results.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewManager creates a manager with the default per-check timeout.
func NewManager() *Manager {
	return &Manager{timeout: defaultCheckTimeout}
}

// WithTimeout sets a custom per-check timeout.
func (m *Manager) WithTimeout(timeout time.Duration) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
	return m
}

// AddChecker registers one checker.
func (m *Manager) AddChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check runs every registered check and returns results by name.
// A check that overruns its timeout reports whatever it returns once
// its context expires; the manager never hangs on one slow checker.
func (m *Manager) Check(ctx context.Context) map[string]*Result {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	timeout := m.timeout
	m.mu.RUnlock()

	results := make(map[string]*Result, len(checkers))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			result := c.Check(checkCtx)
			if result.Latency == 0 {
				result.Latency = time.Since(start)
			}

			resultsMu.Lock()
			results[c.Name()] = result
			resultsMu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// OverallStatus folds a result set into one status: unhealthy if any
// check is unhealthy, degraded if any is degraded, healthy otherwise.
func (m *Manager) OverallStatus(results map[string]*Result) Status {
	hasDegraded := false
	for _, result := range results {
		if result.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if result.Status == StatusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Count returns the number of registered checkers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkers)
}
