package domain

import "time"

// BalanceStrategy selects how a route spreads traffic over its targets.
type BalanceStrategy string

const (
	BalanceRoundRobin BalanceStrategy = "round_robin"
	BalanceRandom     BalanceStrategy = "random"
	BalanceWeighted   BalanceStrategy = "weighted"
)

// BackendTarget is one upstream a route may send traffic to. Name is the
// circuit breaker identity.
type BackendTarget struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Weight int    `json:"weight,omitempty"`
}

// Route is a resolved route definition.
type Route struct {
	Name string `json:"name"`
	// Methods is empty when the route accepts any method.
	Methods []string `json:"methods,omitempty"`
	Path    string   `json:"path"`
	// Version is empty when the route accepts any API version.
	Version    string          `json:"version,omitempty"`
	Targets    []BackendTarget `json:"targets"`
	Strategy   BalanceStrategy `json:"strategy"`
	Timeout    time.Duration   `json:"timeout"`
	MaxRetries int             `json:"max_retries"`
	Cost       int64           `json:"cost"`
	// Async routes deliver their result to the consumer webhook.
	Async bool `json:"async"`
}

// RouteMatch is a route selected for a request with its captured parameters.
type RouteMatch struct {
	Route  *Route
	Params map[string]string
}
