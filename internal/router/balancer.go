package router

import (
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// Balancer produces an ordered candidate list per request. The first
// candidate is the strategy's pick; the rest are fallbacks for targets whose
// breaker rejects the call.
type Balancer struct {
	counters sync.Map // route name -> *atomic.Uint64
	intn     func(n int) int
}

// NewBalancer creates a balancer.
func NewBalancer() *Balancer {
	return &Balancer{intn: rand.IntN}
}

// Order returns route targets in the order they should be tried.
func (b *Balancer) Order(route *domain.Route) []domain.BackendTarget {
	n := len(route.Targets)
	out := make([]domain.BackendTarget, n)
	if n == 0 {
		return out
	}

	switch route.Strategy {
	case domain.BalanceRandom:
		for i, j := range rand.Perm(n) {
			out[i] = route.Targets[j]
		}

	case domain.BalanceWeighted:
		first := b.weightedPick(route.Targets)
		out[0] = route.Targets[first]
		rest := out[1:1]
		for i, t := range route.Targets {
			if i != first {
				rest = append(rest, t)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return weight(rest[i]) > weight(rest[j]) })

	default:
		v, _ := b.counters.LoadOrStore(route.Name, new(atomic.Uint64))
		start := int((v.(*atomic.Uint64).Add(1) - 1) % uint64(n))
		for i := range out {
			out[i] = route.Targets[(start+i)%n]
		}
	}
	return out
}

func weight(t domain.BackendTarget) int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

func (b *Balancer) weightedPick(targets []domain.BackendTarget) int {
	total := 0
	for _, t := range targets {
		total += weight(t)
	}
	r := b.intn(total)
	for i, t := range targets {
		r -= weight(t)
		if r < 0 {
			return i
		}
	}
	return len(targets) - 1
}
