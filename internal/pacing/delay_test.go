package pacing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStrategy() Strategy {
	return Strategy{BaseDelay: 1.0, Variance: 0.5, Increment: 0.3, MaxDelay: 5.0}
}

func TestBlockingFailuresClampAtMax(t *testing.T) {
	d := New(testStrategy())

	// 1.0 + 0.3*(1+2+3+4+5) = 5.5，钳制到 5.0
	for i := 0; i < 5; i++ {
		d.ReportFailure(true)
	}
	require.Equal(t, 5.0, d.CurrentDelay())
	require.Equal(t, 5, d.ConsecutiveFailures())
}

func TestDelayBoundsInvariant(t *testing.T) {
	d := New(testStrategy())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		switch rng.Intn(3) {
		case 0:
			d.ReportSuccess()
		case 1:
			d.ReportFailure(false)
		case 2:
			d.ReportFailure(true)
		}
		require.GreaterOrEqual(t, d.CurrentDelay(), 1.0, "currentDelay must never drop below base")
		require.LessOrEqual(t, d.CurrentDelay(), 5.0, "currentDelay must never exceed max")
	}
}

func TestMonotoneEscalation(t *testing.T) {
	// k 次连续封锁失败产生的延迟 >= k-1 次的延迟
	prev := 0.0
	for k := 1; k <= 10; k++ {
		d := New(testStrategy())
		for i := 0; i < k; i++ {
			d.ReportFailure(true)
		}
		require.GreaterOrEqual(t, d.CurrentDelay(), prev)
		prev = d.CurrentDelay()
	}
}

func TestBlockingEscalatesFasterThanOrdinary(t *testing.T) {
	blocking := New(testStrategy())
	ordinary := New(testStrategy())

	for i := 0; i < 3; i++ {
		blocking.ReportFailure(true)
		ordinary.ReportFailure(false)
	}
	require.Greater(t, blocking.CurrentDelay(), ordinary.CurrentDelay())
}

func TestSuccessDecaysSlowly(t *testing.T) {
	d := New(testStrategy())
	d.ReportFailure(true)
	d.ReportFailure(true)
	escalated := d.CurrentDelay()

	d.ReportSuccess()
	require.Equal(t, 0, d.ConsecutiveFailures())
	require.Less(t, d.CurrentDelay(), escalated, "success erodes caution")
	require.Greater(t, d.CurrentDelay(), 1.0, "but not instantly back to base")

	// 足够多的成功最终回落到基准，不会越过下界
	for i := 0; i < 100; i++ {
		d.ReportSuccess()
	}
	require.Equal(t, 1.0, d.CurrentDelay())
}

func TestNextDelayWithinBounds(t *testing.T) {
	d := New(Strategy{BaseDelay: 0.2, Variance: 5.0, Increment: 0.1, MaxDelay: 1.0})

	for i := 0; i < 1000; i++ {
		delay := d.NextDelay()
		require.GreaterOrEqual(t, delay, 100*time.Millisecond)
		require.LessOrEqual(t, delay, time.Second)
	}
}

func TestReset(t *testing.T) {
	d := New(testStrategy())
	d.ReportFailure(true)
	d.ReportFailure(true)

	d.Reset()
	require.Equal(t, 1.0, d.CurrentDelay())
	require.Equal(t, 0, d.ConsecutiveFailures())
}

func TestPresetFallback(t *testing.T) {
	require.Equal(t, PresetStrategy("normal"), PresetStrategy("no-such-preset"))

	fast := PresetStrategy("ultra_fast")
	stealth := PresetStrategy("stealth")
	require.Less(t, fast.BaseDelay, stealth.BaseDelay)
	require.Less(t, fast.MaxDelay, stealth.MaxDelay)
}
