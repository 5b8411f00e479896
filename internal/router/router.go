// Package router resolves requests to route definitions and orders each
// route's backend targets for execution.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// ErrNoRoute is returned when no route matches a request.
var ErrNoRoute = errors.New("no matching route")

type segment struct {
	literal string
	param   string
}

type compiled struct {
	route    *domain.Route
	segments []segment
	wildcard bool
	literals int
	methods  map[string]bool
	order    int
}

func compile(r domain.Route, order int) (*compiled, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("route %d: name is required", order)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return nil, fmt.Errorf("route %s: path must start with /", r.Name)
	}
	if len(r.Targets) == 0 {
		return nil, fmt.Errorf("route %s: at least one target is required", r.Name)
	}
	for _, t := range r.Targets {
		if t.Name == "" || t.URL == "" {
			return nil, fmt.Errorf("route %s: targets need a name and url", r.Name)
		}
	}
	switch r.Strategy {
	case "":
		r.Strategy = domain.BalanceRoundRobin
	case domain.BalanceRoundRobin, domain.BalanceRandom, domain.BalanceWeighted:
	default:
		return nil, fmt.Errorf("route %s: unknown strategy %q", r.Name, r.Strategy)
	}

	c := &compiled{route: &r, order: order}
	parts := splitPath(r.Path)
	for i, p := range parts {
		switch {
		case p == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("route %s: wildcard must be the last segment", r.Name)
			}
			c.wildcard = true
		case strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}"):
			name := p[1 : len(p)-1]
			if name == "" {
				return nil, fmt.Errorf("route %s: empty parameter name", r.Name)
			}
			c.segments = append(c.segments, segment{param: name})
		default:
			c.segments = append(c.segments, segment{literal: p})
			c.literals++
		}
	}

	if len(r.Methods) > 0 {
		c.methods = make(map[string]bool, len(r.Methods))
		for _, m := range r.Methods {
			c.methods[strings.ToUpper(m)] = true
		}
	}
	return c, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// moreSpecific orders routes so the first match is the most specific one.
func moreSpecific(a, b *compiled) bool {
	if len(a.segments) != len(b.segments) {
		return len(a.segments) > len(b.segments)
	}
	if a.literals != b.literals {
		return a.literals > b.literals
	}
	if a.wildcard != b.wildcard {
		return !a.wildcard
	}
	if av, bv := a.route.Version != "", b.route.Version != ""; av != bv {
		return av
	}
	if am, bm := a.methods != nil, b.methods != nil; am != bm {
		return am
	}
	return a.order < b.order
}

func (c *compiled) match(method, version string, parts []string) (map[string]string, bool) {
	if c.methods != nil && !c.methods[strings.ToUpper(method)] {
		return nil, false
	}
	if c.route.Version != "" && c.route.Version != version {
		return nil, false
	}
	if len(parts) < len(c.segments) || (!c.wildcard && len(parts) != len(c.segments)) {
		return nil, false
	}

	var params map[string]string
	for i, s := range c.segments {
		if s.param == "" {
			if parts[i] != s.literal {
				return nil, false
			}
			continue
		}
		if parts[i] == "" {
			return nil, false
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[s.param] = parts[i]
	}
	if c.wildcard {
		if params == nil {
			params = make(map[string]string)
		}
		params["*"] = strings.Join(parts[len(c.segments):], "/")
	}
	return params, true
}

// Table is an immutable, pre-ordered set of routes.
type Table struct {
	routes []*compiled
}

// NewTable validates and orders routes.
func NewTable(routes []domain.Route) (*Table, error) {
	t := &Table{routes: make([]*compiled, 0, len(routes))}
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		c, err := compile(r, i)
		if err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("route %s: duplicate name", r.Name)
		}
		seen[r.Name] = true
		t.routes = append(t.routes, c)
	}
	sort.SliceStable(t.routes, func(i, j int) bool { return moreSpecific(t.routes[i], t.routes[j]) })
	return t, nil
}

// Match returns the most specific route for the request.
func (t *Table) Match(method, path, version string) (*domain.RouteMatch, error) {
	parts := splitPath(path)
	for _, c := range t.routes {
		if params, ok := c.match(method, version, parts); ok {
			return &domain.RouteMatch{Route: c.route, Params: params}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, method, path)
}

// Routes returns the route definitions in match order.
func (t *Table) Routes() []domain.Route {
	out := make([]domain.Route, len(t.routes))
	for i, c := range t.routes {
		out[i] = *c.route
	}
	return out
}

// Router holds the current table and balancer state. Tables are swapped
// atomically so in-flight requests keep the table they matched against.
type Router struct {
	table    atomic.Pointer[Table]
	balancer *Balancer
}

// New builds a router from routes.
func New(routes []domain.Route) (*Router, error) {
	t, err := NewTable(routes)
	if err != nil {
		return nil, err
	}
	r := &Router{balancer: NewBalancer()}
	r.table.Store(t)
	return r, nil
}

// Update replaces the route table. On error the current table is kept.
func (r *Router) Update(routes []domain.Route) error {
	t, err := NewTable(routes)
	if err != nil {
		return err
	}
	r.table.Store(t)
	return nil
}

// Match resolves a request against the current table.
func (r *Router) Match(method, path, version string) (*domain.RouteMatch, error) {
	return r.table.Load().Match(method, path, version)
}

// Table returns the current table.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Candidates orders the route's targets by its balancing strategy.
func (r *Router) Candidates(route *domain.Route) []domain.BackendTarget {
	return r.balancer.Order(route)
}
