package reconnect

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/glasslink/logger"
)

// ErrMaxReconnectAttempts is delivered once when all attempts are spent
var ErrMaxReconnectAttempts = errors.New("reconnect: max attempts reached")

// Config controls the backoff schedule
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 leaves the delay uncapped
	MaxAttempts int
}

// DefaultConfig matches the phone side: 1s doubling up to 30s, ten tries
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Controller schedules reconnection attempts with exponential backoff.
// A clean disconnect resets it; abnormal ones retry until MaxAttempts,
// after which the permanent failure callback fires once.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	name    string
	attempt int
	gen     int
	timer   *time.Timer
	waiting bool // an attempt is running and its outcome is due
	failed  bool // permanent failure already signalled

	attemptFn   func(attempt int)
	onScheduled func(attempt int, delay time.Duration)
	onPermanent func(err error)

	// schedule is swapped in tests
	schedule func(d time.Duration, f func()) *time.Timer
}

// New creates a controller that calls attemptFn for every scheduled attempt.
// attemptFn must report back through OnReconnectOutcome.
func New(name string, cfg Config, attemptFn func(attempt int)) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Controller{
		cfg:       cfg,
		name:      name,
		attemptFn: attemptFn,
		schedule:  time.AfterFunc,
	}
}

// OnScheduled registers the transient signal, emitted each time an attempt is queued
func (c *Controller) OnScheduled(fn func(attempt int, delay time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onScheduled = fn
}

// OnPermanentFailure registers the permanent signal
func (c *Controller) OnPermanentFailure(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPermanent = fn
}

// Delay returns BaseDelay * 2^attempt, capped at MaxDelay when set
func (c *Controller) Delay(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if c.cfg.MaxDelay > 0 && d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}

// OnDisconnect handles a lost connection. clean means the close was
// intentional; the controller resets and schedules nothing. An abnormal
// drop while an attempt's outcome is still due fails that attempt, and a
// later outcome for it is ignored.
func (c *Controller) OnDisconnect(clean bool) {
	if clean {
		logger.Debug(c.name, "Clean disconnect, not reconnecting")
		c.Reset()
		return
	}

	c.mu.Lock()
	if c.timer != nil {
		c.mu.Unlock()
		return
	}
	if c.waiting {
		logger.Debug(c.name, "Attempt %d dropped before reporting, counting it as failed", c.attempt)
		c.waiting = false
	}
	c.scheduleNextLocked()
}

// OnReconnectOutcome reports the result of the attempt started by attemptFn
func (c *Controller) OnReconnectOutcome(success bool) {
	c.mu.Lock()
	if !c.waiting {
		c.mu.Unlock()
		return
	}
	c.waiting = false

	if success {
		logger.Info(c.name, "Reconnected after %d attempt(s)", c.attempt)
		c.attempt = 0
		c.failed = false
		c.mu.Unlock()
		return
	}
	c.scheduleNextLocked()
}

// scheduleNextLocked queues the next attempt or signals permanent failure.
// It releases c.mu before invoking callbacks.
func (c *Controller) scheduleNextLocked() {
	if c.failed {
		c.mu.Unlock()
		return
	}

	if c.attempt >= c.cfg.MaxAttempts {
		c.failed = true
		cb := c.onPermanent
		attempts := c.attempt
		c.mu.Unlock()

		err := fmt.Errorf("%w (%d)", ErrMaxReconnectAttempts, attempts)
		logger.Error(c.name, "Giving up: %v", err)
		if cb != nil {
			cb(err)
		}
		return
	}

	delay := c.Delay(c.attempt)
	c.attempt++
	n := c.attempt
	cb := c.onScheduled

	c.gen++
	gen := c.gen
	c.timer = c.schedule(delay, func() { c.fire(gen, n) })
	c.mu.Unlock()

	logger.Info(c.name, "Reconnect attempt %d/%d in %v", n, c.cfg.MaxAttempts, delay)
	if cb != nil {
		cb(n, delay)
	}
}

func (c *Controller) fire(gen, n int) {
	c.mu.Lock()
	if c.gen != gen || c.timer == nil {
		// cancelled or superseded
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.waiting = true
	fn := c.attemptFn
	c.mu.Unlock()

	if fn != nil {
		fn(n)
	}
}

// Cancel stops any scheduled attempt without resetting the attempt count
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Reset cancels pending work and rearms the controller
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.attempt = 0
	c.failed = false
}

func (c *Controller) stopLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.waiting = false
}

// Attempt returns the number of attempts scheduled in the current cycle
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Pending reports whether an attempt is scheduled or awaiting its outcome
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil || c.waiting
}

// Failed reports whether the permanent failure signal has fired
func (c *Controller) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}
