// Package ratelimit throttles how often a participant may request a source
// or ICE restart, independent of the XMPP transport's own flow control.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds a single participant's restart requests: no two requests
// closer together than MinInterval, and no more than MaxBurst accumulated
// within Window before the limiter starts rejecting.
type Config struct {
	MinInterval time.Duration
	Window      time.Duration
	MaxBurst    int
}

// DefaultConfig matches the restart cadence named in §4.5: restarts are rare
// under normal operation, so a participant attempting more than a handful in
// short order is almost certainly looping on a client-side bug rather than
// recovering from real network churn.
var DefaultConfig = Config{
	MinInterval: 10 * time.Second,
	Window:      time.Minute,
	MaxBurst:    3,
}

// Limiter enforces Config per participant. The zero value is not usable;
// construct with New.
type Limiter struct {
	mu   sync.Mutex
	cfg  Config
	byID map[string]*entry
}

type entry struct {
	limiter *rate.Limiter
	last    time.Time
}

// New returns a Limiter enforcing cfg.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, byID: make(map[string]*entry)}
}

// Allow reports whether participant id may make a restart request now, given
// now as the current time. Only an allowed attempt is recorded, so later calls
// see it; a rejected attempt leaves the participant's state unchanged. Callers pass now explicitly since the rate sub-package
// is otherwise wall-clock driven and this keeps the decision testable.
func (l *Limiter) Allow(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(l.cfg.Window/time.Duration(maxInt(l.cfg.MaxBurst, 1))), l.cfg.MaxBurst)}
		l.byID[id] = e
	}

	if !e.last.IsZero() && now.Sub(e.last) < l.cfg.MinInterval {
		return false
	}
	if !e.limiter.AllowN(now, 1) {
		return false
	}
	e.last = now
	return true
}

// Forget discards any rate-limiting state for id, e.g. once its participant
// session has ended.
func (l *Limiter) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, id)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
