package reconnect

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// fakeClock records scheduled delays and lets the test fire them by hand
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (f *fakeClock) schedule(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	return time.NewTimer(time.Hour)
}

func (f *fakeClock) fireLast() {
	f.mu.Lock()
	fn := f.fns[len(f.fns)-1]
	f.mu.Unlock()
	fn()
}

func newTestController(cfg Config, attemptFn func(int)) (*Controller, *fakeClock) {
	clock := &fakeClock{}
	c := New("test", cfg, attemptFn)
	c.schedule = clock.schedule
	return c, clock
}

func TestController_BackoffThenPermanentFailure(t *testing.T) {
	var attempts []int
	c, clock := newTestController(Config{BaseDelay: time.Second, MaxAttempts: 3}, func(n int) {
		attempts = append(attempts, n)
	})

	permanent := 0
	var permErr error
	c.OnPermanentFailure(func(err error) {
		permanent++
		permErr = err
	})

	c.OnDisconnect(false)
	for i := 0; i < 3; i++ {
		clock.fireLast()
		c.OnReconnectOutcome(false)
	}

	assert.DeepEqual(t, clock.delays, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second})
	assert.DeepEqual(t, attempts, []int{1, 2, 3})
	assert.Equal(t, permanent, 1)
	assert.Assert(t, errors.Is(permErr, ErrMaxReconnectAttempts))

	// Further disconnects do not signal again
	c.OnDisconnect(false)
	c.OnReconnectOutcome(false)
	assert.Equal(t, permanent, 1)
	assert.Equal(t, len(clock.delays), 3)
}

func TestController_CleanDisconnectDoesNotRetry(t *testing.T) {
	called := false
	c, clock := newTestController(Config{BaseDelay: time.Second, MaxAttempts: 3}, func(int) { called = true })

	c.OnDisconnect(true)

	assert.Equal(t, len(clock.delays), 0)
	assert.Assert(t, !called)
	assert.Equal(t, c.Attempt(), 0)
}

func TestController_CleanDisconnectResetsCycle(t *testing.T) {
	c, clock := newTestController(Config{BaseDelay: time.Second, MaxAttempts: 5}, func(int) {})

	c.OnDisconnect(false)
	clock.fireLast()
	c.OnReconnectOutcome(false)
	assert.Equal(t, c.Attempt(), 2)

	c.OnDisconnect(true)
	assert.Equal(t, c.Attempt(), 0)
	assert.Assert(t, !c.Pending())

	c.OnDisconnect(false)
	assert.Equal(t, clock.delays[len(clock.delays)-1], time.Second)
}

func TestController_SuccessResets(t *testing.T) {
	c, clock := newTestController(Config{BaseDelay: 100 * time.Millisecond, MaxAttempts: 3}, func(int) {})

	c.OnDisconnect(false)
	clock.fireLast()
	c.OnReconnectOutcome(false)
	clock.fireLast()
	c.OnReconnectOutcome(true)

	assert.Equal(t, c.Attempt(), 0)
	assert.Assert(t, !c.Failed())

	c.OnDisconnect(false)
	assert.Equal(t, clock.delays[len(clock.delays)-1], 100*time.Millisecond)
}

func TestController_DuplicateDisconnectIgnoredWhilePending(t *testing.T) {
	c, clock := newTestController(Config{BaseDelay: time.Second, MaxAttempts: 3}, func(int) {})

	c.OnDisconnect(false)
	c.OnDisconnect(false)

	assert.Equal(t, len(clock.delays), 1)
}

func TestController_DropDuringAttemptCountsAsFailure(t *testing.T) {
	c, clock := newTestController(Config{BaseDelay: time.Second, MaxAttempts: 3}, func(int) {})

	c.OnDisconnect(false)
	clock.fireLast()

	// The new connection dies before its attempt reports success
	c.OnDisconnect(false)
	assert.Equal(t, len(clock.delays), 2)
	assert.Equal(t, c.Attempt(), 2)

	// The stale success is ignored and the retry stays queued
	c.OnReconnectOutcome(true)
	assert.Equal(t, c.Attempt(), 2)
	assert.Assert(t, c.Pending())
}

func TestController_CancelledTimerDoesNotFire(t *testing.T) {
	called := false
	c, clock := newTestController(Config{BaseDelay: time.Second, MaxAttempts: 3}, func(int) { called = true })

	c.OnDisconnect(false)
	c.Cancel()
	clock.fireLast()

	assert.Assert(t, !called)
}

func TestController_DelayCap(t *testing.T) {
	c := New("test", Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10}, nil)

	assert.Equal(t, c.Delay(0), time.Second)
	assert.Equal(t, c.Delay(4), 16*time.Second)
	assert.Equal(t, c.Delay(5), 30*time.Second)
	assert.Equal(t, c.Delay(9), 30*time.Second)
}

func TestController_RealTimer(t *testing.T) {
	done := make(chan int, 1)
	c := New("test", Config{BaseDelay: 5 * time.Millisecond, MaxAttempts: 2}, func(n int) { done <- n })

	var scheduled []time.Duration
	c.OnScheduled(func(_ int, d time.Duration) { scheduled = append(scheduled, d) })
	c.OnDisconnect(false)

	select {
	case n := <-done:
		if n != 1 {
			t.Fatalf("Expected attempt 1, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Attempt never fired")
	}
	assert.DeepEqual(t, scheduled, []time.Duration{5 * time.Millisecond})
}
