// Package breaker implements per-backend circuit breakers with four states.
//
//	CLOSED --(error rate >= threshold over min requests)--> OPEN
//	OPEN --(open timeout elapsed)--> HALF_OPEN
//	HALF_OPEN --(probe failure)--> OPEN (timeout grows by the backoff multiplier)
//	HALF_OPEN --(success threshold consecutive probe successes)--> RAMPING
//	RAMPING --(error rate breach)--> OPEN
//	RAMPING --(ramp duration elapsed)--> CLOSED
//
// Time-driven transitions are evaluated lazily on every call, so a breaker
// observed exactly at its deadline has already moved.
package breaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

var (
	// ErrOpen is returned by Allow when the breaker rejects a call.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeLimit is returned in HALF_OPEN when all probe slots are taken.
	ErrProbeLimit = fmt.Errorf("%w: probe limit reached", ErrOpen)
	// ErrRampLimit is returned in RAMPING for calls outside the admitted fraction.
	ErrRampLimit = fmt.Errorf("%w: ramping", ErrOpen)
)

const fullCredit = 10000

// Config holds breaker parameters.
type Config struct {
	Window            time.Duration
	Buckets           int
	MinRequests       int
	ErrorThreshold    float64
	OpenTimeout       time.Duration
	MaxOpenTimeout    time.Duration
	BackoffMultiplier float64
	HalfOpenMaxProbes int
	SuccessThreshold  int
	// RampStartPct is the traffic percentage admitted when RAMPING begins.
	RampStartPct float64
	RampDuration time.Duration
}

// DefaultConfig returns the default breaker parameters.
func DefaultConfig() Config {
	return Config{
		Window:            10 * time.Second,
		Buckets:           10,
		MinRequests:       10,
		ErrorThreshold:    0.5,
		OpenTimeout:       30 * time.Second,
		MaxOpenTimeout:    5 * time.Minute,
		BackoffMultiplier: 2,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  3,
		RampStartPct:      10,
		RampDuration:      time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Buckets <= 0 {
		c.Buckets = d.Buckets
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.MaxOpenTimeout < c.OpenTimeout {
		c.MaxOpenTimeout = max(d.MaxOpenTimeout, c.OpenTimeout)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RampStartPct <= 0 || c.RampStartPct > 100 {
		c.RampStartPct = d.RampStartPct
	}
	if c.RampDuration <= 0 {
		c.RampDuration = d.RampDuration
	}
	return c
}

// StateChangeFunc observes transitions. It runs without the breaker lock held.
type StateChangeFunc func(backend string, from, to domain.BreakerState)

type transition struct {
	from, to domain.BreakerState
}

// Breaker guards one backend target. Safe for concurrent use.
type Breaker struct {
	name     string
	clock    clock.Clock
	onChange StateChangeFunc

	mu               sync.Mutex
	cfg              Config
	state            domain.BreakerState
	gen              uint64
	window           *window
	openedAt         time.Time
	openTimeout      time.Duration
	consecutiveOpens int
	probesInFlight   int
	probeSuccesses   int
	rampStartedAt    time.Time
	rampCredit       int64
	pending          []transition
}

// New creates a CLOSED breaker.
func New(name string, cfg Config, clk clock.Clock, onChange StateChangeFunc) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	return &Breaker{
		name:     name,
		clock:    clk,
		onChange: onChange,
		cfg:      cfg,
		state:    domain.BreakerClosed,
		window:   newWindow(cfg.Window, cfg.Buckets),
	}
}

// Name returns the backend name.
func (b *Breaker) Name() string { return b.name }

// Permit is a single admitted call. Exactly one of Success or Failure should
// be called; later calls are ignored.
type Permit struct {
	b     *Breaker
	gen   uint64
	probe bool
	once  sync.Once
}

// Success records a successful call, including 4xx client errors.
func (p *Permit) Success() { p.once.Do(func() { p.b.report(p, false) }) }

// Failure records a transport failure or 5xx.
func (p *Permit) Failure() { p.once.Do(func() { p.b.report(p, true) }) }

// Probe reports whether the permit was a HALF_OPEN probe.
func (p *Permit) Probe() bool { return p.probe }

// Allow admits or rejects a call. Rejections wrap ErrOpen.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	now := b.clock.Now()
	b.advance(now)

	var (
		permit *Permit
		err    error
	)
	switch b.state {
	case domain.BreakerClosed:
		permit = &Permit{b: b, gen: b.gen}
	case domain.BreakerOpen:
		err = ErrOpen
	case domain.BreakerHalfOpen:
		if b.probesInFlight < b.cfg.HalfOpenMaxProbes {
			b.probesInFlight++
			permit = &Permit{b: b, gen: b.gen, probe: true}
		} else {
			err = ErrProbeLimit
		}
	case domain.BreakerRamping:
		b.rampCredit += b.rampPermille(now)
		if b.rampCredit >= fullCredit {
			b.rampCredit -= fullCredit
			permit = &Permit{b: b, gen: b.gen}
		} else {
			err = ErrRampLimit
		}
	}

	fire := b.drain()
	b.mu.Unlock()
	b.notify(fire)
	return permit, err
}

// State returns the current state after applying time-driven transitions.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	b.advance(b.clock.Now())
	s := b.state
	fire := b.drain()
	b.mu.Unlock()
	b.notify(fire)
	return s
}

// Snapshot returns a read-only view of the breaker.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	b.mu.Lock()
	now := b.clock.Now()
	b.advance(now)
	reqs, errs := b.window.totals(now)
	snap := domain.BreakerSnapshot{
		Backend:            b.name,
		State:              b.state,
		WindowRequestCount: reqs,
		WindowErrorCount:   errs,
		OpenedAt:           b.openedAt,
		OpenTimeout:        b.openTimeout,
		HalfOpenSuccesses:  b.probeSuccesses,
		RampStartedAt:      b.rampStartedAt,
		ConsecutiveOpens:   b.consecutiveOpens,
	}
	switch b.state {
	case domain.BreakerRamping:
		snap.RampTrafficPct = float64(b.rampPermille(now)) / 100
	case domain.BreakerClosed:
		snap.RampTrafficPct = 100
	}
	fire := b.drain()
	b.mu.Unlock()
	b.notify(fire)
	return snap
}

// SetConfig replaces the parameters. Counts and state are kept.
func (b *Breaker) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.Window != b.cfg.Window || cfg.Buckets != b.cfg.Buckets {
		b.window = newWindow(cfg.Window, cfg.Buckets)
	}
	b.cfg = cfg
}

func (b *Breaker) report(p *Permit, failed bool) {
	b.mu.Lock()
	now := b.clock.Now()
	b.advance(now)

	if p.gen == b.gen {
		switch b.state {
		case domain.BreakerHalfOpen:
			if p.probe {
				b.probesInFlight--
				if failed {
					b.toOpen(now)
				} else {
					b.probeSuccesses++
					if b.probeSuccesses >= b.cfg.SuccessThreshold {
						b.toRamping(now)
					}
				}
			}
		case domain.BreakerClosed, domain.BreakerRamping:
			b.window.record(now, failed)
			if b.breached(now) {
				b.toOpen(now)
			}
		}
	}

	fire := b.drain()
	b.mu.Unlock()
	b.notify(fire)
}

func (b *Breaker) breached(now time.Time) bool {
	reqs, errs := b.window.totals(now)
	minReqs := int64(b.cfg.MinRequests)
	if b.state == domain.BreakerRamping {
		// Reduced traffic during ramp lowers the evidence bar proportionally.
		minReqs = max(int64(math.Ceil(float64(minReqs)*float64(b.rampPermille(now))/fullCredit)), 1)
	}
	if reqs < minReqs || reqs == 0 {
		return false
	}
	return float64(errs)/float64(reqs) >= b.cfg.ErrorThreshold
}

// rampPermille is the admitted fraction in units of 1/10000.
func (b *Breaker) rampPermille(now time.Time) int64 {
	start := int64(b.cfg.RampStartPct * 100)
	elapsed := now.Sub(b.rampStartedAt)
	if elapsed <= 0 {
		return start
	}
	if elapsed >= b.cfg.RampDuration {
		return fullCredit
	}
	return start + (fullCredit-start)*int64(elapsed)/int64(b.cfg.RampDuration)
}

func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case domain.BreakerOpen:
		if !now.Before(b.openedAt.Add(b.openTimeout)) {
			b.setState(domain.BreakerHalfOpen)
			b.probesInFlight = 0
			b.probeSuccesses = 0
		}
	case domain.BreakerRamping:
		if !now.Before(b.rampStartedAt.Add(b.cfg.RampDuration)) {
			b.setState(domain.BreakerClosed)
			b.consecutiveOpens = 0
			b.openTimeout = 0
			b.openedAt = time.Time{}
			b.rampStartedAt = time.Time{}
			b.window.reset()
		}
	}
}

func (b *Breaker) toOpen(now time.Time) {
	b.consecutiveOpens++
	timeout := float64(b.cfg.OpenTimeout) * math.Pow(b.cfg.BackoffMultiplier, float64(b.consecutiveOpens-1))
	if timeout >= float64(b.cfg.MaxOpenTimeout) {
		b.openTimeout = b.cfg.MaxOpenTimeout
	} else {
		b.openTimeout = time.Duration(timeout)
	}
	b.openedAt = now
	b.probesInFlight = 0
	b.probeSuccesses = 0
	b.rampStartedAt = time.Time{}
	b.window.reset()
	b.setState(domain.BreakerOpen)
}

func (b *Breaker) toRamping(now time.Time) {
	b.rampStartedAt = now
	b.rampCredit = 0
	b.window.reset()
	b.setState(domain.BreakerRamping)
}

func (b *Breaker) setState(to domain.BreakerState) {
	if b.state == to {
		return
	}
	b.pending = append(b.pending, transition{from: b.state, to: to})
	b.state = to
	b.gen++
}

func (b *Breaker) drain() []transition {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

func (b *Breaker) notify(ts []transition) {
	if b.onChange == nil {
		return
	}
	for _, t := range ts {
		b.onChange(b.name, t.from, t.to)
	}
}
