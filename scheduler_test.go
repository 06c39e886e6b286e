package pondsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSchedulerSchedule(t *testing.T) {
	t.Run("fires once after the delay", func(t *testing.T) {
		clock := NewFakeClock(epoch)
		s := NewScheduler(clock)
		fired := 0

		s.Schedule("a", time.Second, func() { fired++ })

		clock.Advance(999 * time.Millisecond)
		assert.Equal(t, 0, fired)
		assert.True(t, s.Pending("a"))

		clock.Advance(time.Millisecond)
		assert.Equal(t, 1, fired)
		assert.False(t, s.Pending("a"))

		clock.Advance(time.Hour)
		assert.Equal(t, 1, fired)
	})

	t.Run("rescheduling a key restarts the timer", func(t *testing.T) {
		clock := NewFakeClock(epoch)
		s := NewScheduler(clock)
		var calls []string

		s.Schedule("debounce", 300*time.Millisecond, func() { calls = append(calls, "first") })
		clock.Advance(200 * time.Millisecond)
		s.Schedule("debounce", 300*time.Millisecond, func() { calls = append(calls, "second") })

		clock.Advance(200 * time.Millisecond)
		assert.Empty(t, calls)

		clock.Advance(100 * time.Millisecond)
		assert.Equal(t, []string{"second"}, calls)
		assert.Equal(t, 0, clock.Pending())
	})

	t.Run("cancel stops a pending timer", func(t *testing.T) {
		clock := NewFakeClock(epoch)
		s := NewScheduler(clock)
		fired := false

		s.Schedule("a", time.Second, func() { fired = true })
		assert.True(t, s.Cancel("a"))
		assert.False(t, s.Cancel("a"))

		clock.Advance(time.Minute)
		assert.False(t, fired)
	})
}

func TestSchedulerEvery(t *testing.T) {
	t.Run("repeats until cancelled", func(t *testing.T) {
		clock := NewFakeClock(epoch)
		s := NewScheduler(clock)
		ticks := 0

		s.Every("heartbeat", 30*time.Second, func() { ticks++ })

		clock.Advance(90 * time.Second)
		assert.Equal(t, 3, ticks)

		s.Cancel("heartbeat")
		clock.Advance(90 * time.Second)
		assert.Equal(t, 3, ticks)
	})

	t.Run("callback may cancel its own key", func(t *testing.T) {
		clock := NewFakeClock(epoch)
		s := NewScheduler(clock)
		ticks := 0

		s.Every("tick", time.Second, func() {
			ticks++
			if ticks == 2 {
				s.Cancel("tick")
			}
		})

		clock.Advance(10 * time.Second)
		assert.Equal(t, 2, ticks)
		assert.Equal(t, 0, s.Len())
	})
}

func TestSchedulerCancelPrefix(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := NewScheduler(clock)
	fired := map[string]bool{}

	for _, key := range []string{"mux#1/reconnect/", "mux#1/debounce/0/", "mux#2/reconnect/"} {
		key := key
		s.Schedule(key, time.Second, func() { fired[key] = true })
	}

	assert.Equal(t, 2, s.CancelPrefix("mux#1/"))
	clock.Advance(time.Second)

	assert.Equal(t, map[string]bool{"mux#2/reconnect/": true}, fired)
}

func TestSchedulerClose(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := NewScheduler(clock)
	fired := 0

	s.Schedule("a", time.Second, func() { fired++ })
	s.Every("b", time.Second, func() { fired++ })
	s.Close()

	s.Schedule("c", time.Second, func() { fired++ })
	clock.Advance(time.Minute)

	assert.Equal(t, 0, fired)
	assert.Equal(t, 0, s.Len())
	require.Equal(t, 0, clock.Pending())
}

func TestFakeClockOrdersTimersByDeadline(t *testing.T) {
	clock := NewFakeClock(epoch)
	var order []int
	var seen []time.Time

	clock.AfterFunc(3*time.Second, func() { order = append(order, 3); seen = append(seen, clock.Now()) })
	clock.AfterFunc(time.Second, func() {
		order = append(order, 1)
		seen = append(seen, clock.Now())
		clock.AfterFunc(time.Second, func() { order = append(order, 2); seen = append(seen, clock.Now()) })
	})

	clock.Advance(5 * time.Second)

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(2 * time.Second), epoch.Add(3 * time.Second)}, seen)
	assert.Equal(t, epoch.Add(5*time.Second), clock.Now())
}

func TestFakeClockTimerReset(t *testing.T) {
	clock := NewFakeClock(epoch)
	fired := 0
	timer := clock.AfterFunc(time.Second, func() { fired++ })

	clock.Advance(500 * time.Millisecond)
	assert.True(t, timer.Reset(time.Second))
	assert.Nil(t, timer.Chan())

	clock.Advance(900 * time.Millisecond)
	assert.Equal(t, 0, fired)
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, fired)

	assert.False(t, timer.Stop())
	assert.False(t, timer.Reset(time.Second))
	clock.Advance(time.Second)
	assert.Equal(t, 2, fired)
}

func TestSchedulerOnClockwork(t *testing.T) {
	t.Run("fake clock", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := NewScheduler(clock)
		defer s.Close()
		var fired, replaced int32

		s.Schedule("a", time.Second, func() { atomic.AddInt32(&replaced, 1) })
		s.Schedule("a", 2*time.Second, func() { atomic.AddInt32(&fired, 1) })
		assert.Equal(t, epoch, s.Now())

		clock.Advance(2 * time.Second)

		require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(0), atomic.LoadInt32(&replaced))
		assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("system clock", func(t *testing.T) {
		s := NewScheduler(nil)
		defer s.Close()
		done := make(chan struct{})

		s.Schedule("a", 5*time.Millisecond, func() { close(done) })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	})
}
