package engine

import "sync"

// Process-wide scheduler handle for callers that cannot thread the instance
// through (signal handlers, future admin surfaces). Optional; the normal
// path passes *Scheduler explicitly.
var (
	globalMu    sync.Mutex
	globalSched *Scheduler
)

// SetScheduler installs the process-wide scheduler. Passing nil clears it.
func SetScheduler(s *Scheduler) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalSched = s
}

// GetScheduler returns the process-wide scheduler, or nil if none is set.
func GetScheduler() *Scheduler {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalSched
}
