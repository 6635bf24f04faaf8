package worker

import (
	"sync"

	"github.com/datastone-sprite/sprite-worker/logger"
)

// ConcurrencyModifier recomputes the admission cap from its previous value.
// The worker consults it on every poll, so implementations can resize
// capacity at runtime, for example by free GPU memory.
type ConcurrencyModifier func(previous int) int

// Limiter tracks in-flight request ids under a dynamic cap. The id set is
// mutated by the worker loop and read by the heartbeat, so access is
// mutex-guarded.
type Limiter struct {
	logger   logger.Logger
	modifier ConcurrencyModifier

	mu      sync.Mutex
	allowed int
	jobs    map[string]struct{}
}

func NewLimiter(l logger.Logger, modifier ConcurrencyModifier) *Limiter {
	if modifier == nil {
		modifier = func(previous int) int { return previous }
	}
	return &Limiter{
		logger:   l,
		modifier: modifier,
		allowed:  1,
		jobs:     make(map[string]struct{}),
	}
}

// IsAvailable recomputes the cap through the modifier and reports whether
// another task may be admitted. A panicking modifier resets the cap to 1.
// Only the worker loop calls this, so the cap is updated from one place.
func (l *Limiter) IsAvailable() bool {
	l.mu.Lock()
	previous := l.allowed
	l.mu.Unlock()

	// user code runs outside the lock so a slow modifier cannot stall the
	// heartbeat's snapshot
	allowed := l.safeModify(previous)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed = allowed
	return len(l.jobs) < l.allowed
}

func (l *Limiter) safeModify(previous int) (allowed int) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("failed to get concurrency: %v", r)
			allowed = 1
		}
	}()
	return l.modifier(previous)
}

// Add registers an accepted request id.
func (l *Limiter) Add(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[requestID] = struct{}{}
	l.logger.Debug("add job, allowed concurrency: %d, current jobs: %d", l.allowed, len(l.jobs))
}

// Remove drops a request id once its lifecycle completes. Removing an
// absent id is logged, not fatal.
func (l *Limiter) Remove(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[requestID]; !ok {
		l.logger.Error("remove job: request id %q is not in flight", requestID)
		return
	}
	delete(l.jobs, requestID)
	l.logger.Debug("remove job, allowed concurrency: %d, current jobs: %d", l.allowed, len(l.jobs))
}

// Jobs returns a snapshot of in-flight request ids. Never nil: the
// heartbeat payload serialises it as a JSON array.
func (l *Limiter) Jobs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := make([]string, 0, len(l.jobs))
	for id := range l.jobs {
		jobs = append(jobs, id)
	}
	return jobs
}

// Size reports how many requests are in flight.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}
