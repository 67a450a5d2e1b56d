// Package resilience holds the circuit breaker guarding the primary store and
// outbound mail, plus the backoff used by queue retries.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

const (
	defaultWindow  = 20
	defaultOpenFor = 30 * time.Second
	// maxBackoffShift bounds the exponent so long retry chains cannot overflow.
	maxBackoffShift = 16
)

// State is the breaker position.
type State int

const (
	// Closed admits every call and records outcomes.
	Closed State = iota
	// Open refuses calls until OpenFor has passed.
	Open
	// HalfOpen admits a single probe call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Settings configures a Breaker.
type Settings struct {
	// Target labels metrics and logs, e.g. "primary_store" or "smtp".
	Target string
	// Window is how many recent outcomes are kept. Defaults to 20 and is
	// never smaller than MinRequests.
	Window int
	// MinRequests is the number of outcomes in the window before the
	// failure ratio is evaluated.
	MinRequests  int
	FailureRatio float64
	OpenFor      time.Duration
	Logger       *zerolog.Logger
	Now          func() time.Time
}

// Breaker opens when the share of failures among the most recent calls
// reaches FailureRatio. After OpenFor it lets one probe through; the probe's
// outcome closes or reopens it.
type Breaker struct {
	mu       sync.Mutex
	cfg      Settings
	state    State
	openedAt time.Time
	probing  bool
	outcomes outcomeWindow
}

// New returns a closed breaker.
func New(s Settings) *Breaker {
	if s.MinRequests <= 0 {
		s.MinRequests = 1
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	s.FailureRatio = min(s.FailureRatio, 1)
	if s.OpenFor <= 0 {
		s.OpenFor = defaultOpenFor
	}
	if s.Window <= 0 {
		s.Window = defaultWindow
	}
	s.Window = max(s.Window, s.MinRequests)
	s.Target = strings.TrimSpace(s.Target)
	if s.Now == nil {
		s.Now = time.Now
	}
	b := &Breaker{cfg: s, outcomes: newOutcomeWindow(s.Window)}
	b.publishState()
	return b
}

// NewBreaker is shorthand for New with the threshold settings only.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	return New(Settings{MinRequests: minRequests, FailureRatio: failureRatio, OpenFor: openFor})
}

// WithTarget sets the label used for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Target = strings.TrimSpace(target)
	b.publishState()
	return b
}

// WithLogger sets the logger for state transitions.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Logger = &logger
	return b
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.cfg.Now = now
	}
	return b
}

// Allow reports whether a call may proceed. A nil breaker admits everything.
func (b *Breaker) Allow(ctx context.Context) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.OpenFor {
			return false
		}
		b.transition(ctx, HalfOpen)
	}
	if b.state == HalfOpen {
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

// Report records the outcome of an admitted call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.transition(ctx, Closed)
		} else {
			b.transition(ctx, Open)
		}
		return
	}

	b.outcomes.add(!success)
	if b.outcomes.len() >= b.cfg.MinRequests && b.outcomes.failureRatio() >= b.cfg.FailureRatio {
		b.transition(ctx, Open)
	}
}

// Guard runs fn when the breaker admits it and reports the outcome. Errors
// for which ignore returns true are caller errors and count as successes.
func (b *Breaker) Guard(ctx context.Context, fn func(context.Context) error, ignore func(error) bool) error {
	if !b.Allow(ctx) {
		return ErrOpenCircuit
	}
	err := fn(ctx)
	b.Report(ctx, err == nil || (ignore != nil && ignore(err)))
	return err
}

// State returns the current position, reporting HalfOpen once an open
// breaker's cool-off has elapsed.
func (b *Breaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenFor {
		return HalfOpen
	}
	return b.state
}

// transition moves to next, clearing the outcome window and publishing
// telemetry. Callers hold b.mu.
func (b *Breaker) transition(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.outcomes.reset()
	if next == Open {
		b.openedAt = b.cfg.Now()
	}
	b.publishState()

	target := b.target()
	BreakerTransitions.WithLabelValues(target, prev.String(), next.String()).Inc()
	log := b.logger(ctx)
	evt := log.Info()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(target).Inc()
		evt = log.Warn()
	}
	evt = evt.Str("target", target).Str("from_state", prev.String()).Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishState() {
	BreakerState.WithLabelValues(b.target()).Set(float64(b.state))
}

func (b *Breaker) target() string {
	if b.cfg.Target == "" {
		return "default"
	}
	return b.cfg.Target
}

// logger prefers a request logger carried by ctx.
func (b *Breaker) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if b.cfg.Logger != nil {
		return b.cfg.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// outcomeWindow is a ring of the most recent call outcomes.
type outcomeWindow struct {
	failed   []bool
	next     int
	filled   int
	failures int
}

func newOutcomeWindow(size int) outcomeWindow {
	return outcomeWindow{failed: make([]bool, size)}
}

func (w *outcomeWindow) add(failed bool) {
	if w.filled == len(w.failed) {
		if w.failed[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.failed[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.failed)
}

func (w *outcomeWindow) len() int { return w.filled }

func (w *outcomeWindow) failureRatio() float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.filled)
}

func (w *outcomeWindow) reset() {
	clear(w.failed)
	w.next, w.filled, w.failures = 0, 0, 0
}

// Backoff returns base doubled per attempt after the first, spread by
// ±jitterPct (0.2 is 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	shift := min(max(attempt-1, 0), maxBackoffShift)
	d := base << uint(shift)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
