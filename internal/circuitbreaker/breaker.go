// Package circuitbreaker guards optional side channels (Redis export, alert
// webhooks) so a dead endpoint cannot stall or spam the soak loop.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // rejecting calls
	HalfOpen              // probing whether the endpoint recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options tune the breaker. Zero values take the defaults.
type Options struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	// Default 5.
	FailureThreshold int
	// RecoveryProbes is how many consecutive successes in half-open close
	// it again. Default 2.
	RecoveryProbes int
	// OpenFor is how long the breaker rejects before probing. Default 30s.
	OpenFor time.Duration
	// OnStateChange observes transitions, for metrics and logging.
	OnStateChange func(from, to State)
	// now is swappable in tests.
	now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	opts Options

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryProbes <= 0 {
		opts.RecoveryProbes = 2
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Breaker{opts: opts, state: Closed}
}

// Do runs fn if the breaker allows it, recording the outcome. Returns
// ErrOpen without invoking fn when the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State reports the current state, promoting open to half-open once the
// open window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	if b.state == Open {
		return ErrOpen
	}
	return nil
}

func (b *Breaker) maybeProbe() {
	if b.state == Open && b.opts.now().Sub(b.openedAt) > b.opts.OpenFor {
		b.transition(HalfOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == HalfOpen {
		b.successes++
		if b.successes >= b.opts.RecoveryProbes {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.successes = 0
	b.openedAt = b.opts.now()
	switch {
	case b.state == HalfOpen:
		b.transition(Open)
	case b.state == Closed && b.failures >= b.opts.FailureThreshold:
		b.transition(Open)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}
