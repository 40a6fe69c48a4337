// Package license implements the license gate's pure predicates.
package license

import (
	"time"

	"firestige.xyz/opsched/internal/config"
)

// forcedIntervalSeconds is the fixed cadence every task is coerced to while
// running on an unactivated (trial) license, regardless of what was
// requested.
const forcedIntervalSeconds = 7200

// unactivatedMaxTasks is the task-count ceiling while unactivated.
const unactivatedMaxTasks = 1

// Gate evaluates license-derived constraints. It holds no mutable state of
// its own; every predicate is a pure function of the configured license and
// the current time.
type Gate struct {
	cfg config.LicenseConfig
	now func() time.Time
}

// New creates a Gate from the loaded license configuration.
func New(cfg config.LicenseConfig, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{cfg: cfg, now: now}
}

// MaxTasks returns the maximum number of tasks the registry may hold.
// A zero or negative TaskNum while activated is treated as unlimited.
func (g *Gate) MaxTasks() (limit int, unlimited bool) {
	if !g.cfg.Activated {
		return unactivatedMaxTasks, false
	}
	if g.cfg.TaskNum <= 0 {
		return 0, true
	}
	return g.cfg.TaskNum, false
}

// ForcedInterval returns the fixed interval_seconds the license forces, and
// whether a fixed value is being forced at all.
func (g *Gate) ForcedInterval() (seconds int, forced bool) {
	if !g.cfg.Activated {
		return forcedIntervalSeconds, true
	}
	return 0, false
}

// IsExpired reports whether the license's end_time has passed. An
// unactivated license never expires (it has no end_time to exceed); an
// activated license with a zero end_time is treated as perpetual.
func (g *Gate) IsExpired() bool {
	if !g.cfg.Activated {
		return false
	}
	if g.cfg.EndTime == "" {
		return false
	}
	end, err := time.Parse(time.RFC3339, g.cfg.EndTime)
	if err != nil {
		return false
	}
	return g.now().After(end)
}

// CanExecuteNow reports whether the license permits the execute-now
// operation. Unactivated (trial) licenses never permit it, regardless of
// expiry, which is enforced separately via IsExpired.
func (g *Gate) CanExecuteNow() bool {
	return g.cfg.Activated
}

// CoerceInterval forces requested to the license's fixed value, if any,
// regardless of what was requested.
func (g *Gate) CoerceInterval(requested int) int {
	if fixed, forced := g.ForcedInterval(); forced {
		return fixed
	}
	return requested
}


