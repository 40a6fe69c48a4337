package license

import (
	"testing"
	"time"

	"firestige.xyz/opsched/internal/config"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGate_Unactivated_ForcesFixedIntervalAndSingleTask(t *testing.T) {
	g := New(config.LicenseConfig{Activated: false}, nil)

	limit, unlimited := g.MaxTasks()
	if unlimited || limit != unactivatedMaxTasks {
		t.Errorf("MaxTasks: got (%d, %v), want (%d, false)", limit, unlimited, unactivatedMaxTasks)
	}

	seconds, forced := g.ForcedInterval()
	if !forced || seconds != forcedIntervalSeconds {
		t.Errorf("ForcedInterval: got (%d, %v), want (%d, true)", seconds, forced, forcedIntervalSeconds)
	}

	if got := g.CoerceInterval(60); got != forcedIntervalSeconds {
		t.Errorf("CoerceInterval(60): got %d, want %d", got, forcedIntervalSeconds)
	}
	if got := g.CoerceInterval(forcedIntervalSeconds * 2); got != forcedIntervalSeconds {
		t.Errorf("CoerceInterval must force the fixed value even when requested is higher, got %d", got)
	}
}

func TestGate_Activated_Unlimited(t *testing.T) {
	g := New(config.LicenseConfig{Activated: true, TaskNum: 0}, nil)
	_, unlimited := g.MaxTasks()
	if !unlimited {
		t.Error("expected unlimited tasks when activated with TaskNum <= 0")
	}
	if _, forced := g.ForcedInterval(); forced {
		t.Error("activated license should not force an interval floor")
	}
}

func TestGate_Activated_TaskLimit(t *testing.T) {
	g := New(config.LicenseConfig{Activated: true, TaskNum: 5}, nil)
	limit, unlimited := g.MaxTasks()
	if unlimited || limit != 5 {
		t.Errorf("MaxTasks: got (%d, %v), want (5, false)", limit, unlimited)
	}
}

func TestGate_IsExpired(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	past := New(config.LicenseConfig{Activated: true, EndTime: "2026-01-01T00:00:00Z"}, fixedNow(now))
	if !past.IsExpired() {
		t.Error("expected expired license to report IsExpired=true")
	}

	future := New(config.LicenseConfig{Activated: true, EndTime: "2027-01-01T00:00:00Z"}, fixedNow(now))
	if future.IsExpired() {
		t.Error("expected non-expired license to report IsExpired=false")
	}

	perpetual := New(config.LicenseConfig{Activated: true, EndTime: ""}, fixedNow(now))
	if perpetual.IsExpired() {
		t.Error("activated license with no end_time must never expire")
	}

	trial := New(config.LicenseConfig{Activated: false}, fixedNow(now))
	if trial.IsExpired() {
		t.Error("unactivated license must never report expired")
	}
}

func TestGate_CanExecuteNow_RequiresActivation(t *testing.T) {
	trial := New(config.LicenseConfig{Activated: false}, nil)
	if trial.CanExecuteNow() {
		t.Error("unactivated license must not permit execute-now")
	}

	activated := New(config.LicenseConfig{Activated: true}, nil)
	if !activated.CanExecuteNow() {
		t.Error("activated license must permit execute-now")
	}
}


