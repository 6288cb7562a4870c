// Package peer manages peer connections and handshakes for Muti Metroo.
package peer

import (
	"math"
	"sync"
	"time"
)

// ReconnectConfig tunes the exponential backoff between redial attempts
// for a lost peer address.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// Reconnector redials lost peer addresses with exponential backoff. It
// holds no connection state of its own: the caller decides which
// addresses deserve a retry (by calling Schedule) and supplies the dial
// callback; the reconnector only owns the timing. A successful dial
// clears the address's attempt count so a later loss starts the backoff
// over from InitialDelay.
type Reconnector struct {
	cfg  ReconnectConfig
	dial func(addr string) error

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]*time.Timer
	stopped  bool
}

// NewReconnector creates a reconnector driving dial. Zero-valued config
// fields fall back to a 1s initial delay, a 60s cap, and doubling.
func NewReconnector(cfg ReconnectConfig, dial func(addr string) error) *Reconnector {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	return &Reconnector{
		cfg:      cfg,
		dial:     dial,
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule arms a redial of addr after the backoff delay for its next
// attempt. Scheduling an address whose timer is already armed is a
// no-op: the pending attempt covers it. Once MaxAttempts is exhausted
// the address is forgotten and a later Schedule starts over.
func (r *Reconnector) Schedule(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if _, armed := r.timers[addr]; armed {
		return
	}

	attempt := r.attempts[addr]
	if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
		delete(r.attempts, addr)
		return
	}
	r.attempts[addr] = attempt + 1
	r.timers[addr] = time.AfterFunc(r.delay(attempt), func() { r.fire(addr) })
}

// fire runs one redial attempt, clearing the address on success and
// re-arming it for the next, longer delay on failure.
func (r *Reconnector) fire(addr string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.timers, addr)
	r.mu.Unlock()

	if err := r.dial(addr); err == nil {
		r.mu.Lock()
		delete(r.attempts, addr)
		r.mu.Unlock()
		return
	}

	r.Schedule(addr)
}

// delay computes the backoff before the given 0-based attempt, jittered
// so that many peers lost at once do not all redial in lockstep.
func (r *Reconnector) delay(attempt int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if cap := float64(r.cfg.MaxDelay); d > cap {
		d = cap
	}
	if r.cfg.Jitter > 0 {
		spread := d * r.cfg.Jitter
		d += (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Stop cancels every armed timer and refuses further schedules. Attempts
// already past their timer may still complete their dial callback.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for addr, t := range r.timers {
		t.Stop()
		delete(r.timers, addr)
	}
}
