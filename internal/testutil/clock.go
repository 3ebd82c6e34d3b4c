// Package testutil holds the deterministic clock, id and logging helpers
// shared by tests and the scenario harness.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// Epoch is the instant fake clocks start at, so lease expirations read as
// fixed offsets across runs.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a fake clock at Epoch.
//
// Timers and tickers created on it fire only when it is stepped.
func NewClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(Epoch)
}

// StepWhenWaiting waits until a goroutine has a timer or ticker armed on
// clk, then advances it by d. Stepping earlier would move time past a
// deadline that was not yet set.
func StepWhenWaiting(t testing.TB, clk *testingclock.FakeClock, d time.Duration) {
	t.Helper()
	require.Eventually(t, clk.HasWaiters, 2*time.Second, time.Millisecond, "nothing is waiting on the clock")
	clk.Step(d)
}
