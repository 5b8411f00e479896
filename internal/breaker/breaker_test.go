package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/clock"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

func testConfig() Config {
	return Config{
		Window:            10 * time.Second,
		Buckets:           10,
		MinRequests:       10,
		ErrorThreshold:    0.5,
		OpenTimeout:       30 * time.Second,
		MaxOpenTimeout:    2 * time.Minute,
		BackoffMultiplier: 2,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  3,
		RampStartPct:      10,
		RampDuration:      100 * time.Second,
	}
}

func newTestBreaker(t *testing.T) (*Breaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New("orders", testConfig(), clk, nil), clk
}

func call(t *testing.T, b *Breaker, failed bool) {
	t.Helper()
	p, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow() error = %v in state %s", err, b.State())
	}
	if failed {
		p.Failure()
	} else {
		p.Success()
	}
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 10; i++ {
		call(t, b, true)
	}
	if s := b.State(); s != domain.BreakerOpen {
		t.Fatalf("State() = %s, want OPEN", s)
	}
}

func toRamping(t *testing.T, b *Breaker, clk *clock.Fake) {
	t.Helper()
	trip(t, b)
	clk.Advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		call(t, b, false)
	}
	if s := b.State(); s != domain.BreakerRamping {
		t.Fatalf("State() = %s, want RAMPING", s)
	}
}

func TestBreaker_OpensAtThresholdAfterMinRequests(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		call(t, b, false)
	}
	for i := 0; i < 4; i++ {
		call(t, b, true)
	}
	if s := b.State(); s != domain.BreakerClosed {
		t.Fatalf("State() = %s after 9 observations, want CLOSED", s)
	}

	call(t, b, true)
	if s := b.State(); s != domain.BreakerOpen {
		t.Fatalf("State() = %s, want OPEN at 50%% over 10 requests", s)
	}

	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() error = %v, want ErrOpen", err)
	}
}

func TestBreaker_BelowMinRequestsStaysClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	for i := 0; i < 9; i++ {
		call(t, b, true)
	}
	if s := b.State(); s != domain.BreakerClosed {
		t.Errorf("State() = %s, want CLOSED", s)
	}
}

func TestBreaker_WindowRolloverResetsCounts(t *testing.T) {
	b, clk := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		call(t, b, true)
	}
	clk.Advance(10 * time.Second)
	for i := 0; i < 5; i++ {
		call(t, b, true)
	}
	if s := b.State(); s != domain.BreakerClosed {
		t.Errorf("State() = %s, want CLOSED after rollover", s)
	}
	if snap := b.Snapshot(); snap.WindowRequestCount != 5 {
		t.Errorf("WindowRequestCount = %d, want 5", snap.WindowRequestCount)
	}
}

func TestBreaker_HalfOpenExactlyAtOpenTimeout(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(t, b)

	clk.Advance(30*time.Second - time.Nanosecond)
	if s := b.State(); s != domain.BreakerOpen {
		t.Fatalf("State() = %s just before timeout, want OPEN", s)
	}
	clk.Advance(time.Nanosecond)
	if s := b.State(); s != domain.BreakerHalfOpen {
		t.Fatalf("State() = %s at timeout, want HALF_OPEN", s)
	}
}

func TestBreaker_HalfOpenProbeLimit(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(t, b)
	clk.Advance(30 * time.Second)

	p, err := b.Allow()
	if err != nil || !p.Probe() {
		t.Fatalf("Allow() = %v, %v, want probe", p, err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrProbeLimit) || !errors.Is(err, ErrOpen) {
		t.Errorf("second Allow() error = %v, want ErrProbeLimit", err)
	}
	p.Success()
	if _, err := b.Allow(); err != nil {
		t.Errorf("Allow() after probe finished error = %v", err)
	}
}

func TestBreaker_SuccessThresholdReachesRampingNotClosed(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(t, b)
	clk.Advance(30 * time.Second)

	for i := 0; i < 3; i++ {
		if s := b.State(); s != domain.BreakerHalfOpen {
			t.Fatalf("State() = %s before probe %d, want HALF_OPEN", s, i)
		}
		call(t, b, false)
	}
	if s := b.State(); s != domain.BreakerRamping {
		t.Errorf("State() = %s, want RAMPING", s)
	}
}

func TestBreaker_ProbeFailureReopensWithBackoff(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(t, b)

	want := []time.Duration{60 * time.Second, 120 * time.Second, 120 * time.Second}
	timeout := 30 * time.Second
	for i, w := range want {
		clk.Advance(timeout)
		if s := b.State(); s != domain.BreakerHalfOpen {
			t.Fatalf("round %d: State() = %s, want HALF_OPEN", i, s)
		}
		call(t, b, true)

		snap := b.Snapshot()
		if snap.State != domain.BreakerOpen {
			t.Fatalf("round %d: State = %s, want OPEN", i, snap.State)
		}
		if snap.OpenTimeout != w {
			t.Errorf("round %d: OpenTimeout = %v, want %v", i, snap.OpenTimeout, w)
		}
		timeout = w
	}
}

func TestBreaker_RampAdmitsLinearFraction(t *testing.T) {
	b, clk := newTestBreaker(t)
	toRamping(t, b, clk)

	count := func() int {
		n := 0
		for i := 0; i < 100; i++ {
			if p, err := b.Allow(); err == nil {
				n++
				p.Success()
			} else if !errors.Is(err, ErrRampLimit) {
				t.Fatalf("Allow() error = %v", err)
			}
		}
		return n
	}

	if got := count(); got != 10 {
		t.Errorf("admitted at ramp start = %d, want 10", got)
	}
	clk.Advance(50 * time.Second)
	if got := count(); got != 55 {
		t.Errorf("admitted at half ramp = %d, want 55", got)
	}
	if pct := b.Snapshot().RampTrafficPct; pct != 55 {
		t.Errorf("RampTrafficPct = %v, want 55", pct)
	}
}

func TestBreaker_RampBreachReopensImmediately(t *testing.T) {
	b, clk := newTestBreaker(t)
	toRamping(t, b, clk)

	var p *Permit
	for p == nil {
		p, _ = b.Allow()
	}
	p.Failure()

	snap := b.Snapshot()
	if snap.State != domain.BreakerOpen {
		t.Fatalf("State = %s, want OPEN", snap.State)
	}
	if snap.OpenTimeout != 60*time.Second {
		t.Errorf("OpenTimeout = %v, want 60s backoff", snap.OpenTimeout)
	}
}

func TestBreaker_RampCompletionClosesAndResetsBackoff(t *testing.T) {
	b, clk := newTestBreaker(t)
	toRamping(t, b, clk)

	clk.Advance(100 * time.Second)
	if s := b.State(); s != domain.BreakerClosed {
		t.Fatalf("State() = %s, want CLOSED", s)
	}

	trip(t, b)
	if got := b.Snapshot().OpenTimeout; got != 30*time.Second {
		t.Errorf("OpenTimeout = %v, want base after full recovery", got)
	}
}

func TestBreaker_StaleReportIgnored(t *testing.T) {
	b, clk := newTestBreaker(t)
	stale, _ := b.Allow()
	trip(t, b)
	clk.Advance(30 * time.Second)

	stale.Failure()
	if s := b.State(); s != domain.BreakerHalfOpen {
		t.Errorf("State() = %s, want HALF_OPEN unaffected by a pre-open call", s)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var mu sync.Mutex
	var got []string
	b := New("orders", testConfig(), clk, func(name string, from, to domain.BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, name+":"+string(from)+"->"+string(to))
	})

	trip(t, b)
	clk.Advance(30 * time.Second)
	b.State()

	want := []string{"orders:CLOSED->OPEN", "orders:OPEN->HALF_OPEN"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(testConfig(), clk, nil)

	a := r.Get("b")
	if r.Get("b") != a {
		t.Error("Get() should return the same breaker")
	}
	r.Get("a")
	if _, ok := r.Lookup("zzz"); ok {
		t.Error("Lookup() should not create breakers")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Backend != "a" || snaps[1].Backend != "b" {
		t.Errorf("Snapshots() = %+v", snaps)
	}
	if snaps[0].State != domain.BreakerClosed {
		t.Errorf("new breaker state = %s, want CLOSED", snaps[0].State)
	}
}
