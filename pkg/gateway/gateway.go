// Package gateway provides the public API for embedding the resilient
// gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/resilient-gateway/internal/runtime"
)

// Gateway is the main entry point for running the gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Stores
	WithCoordinationStore = runtime.WithCoordinationStore
	WithJobStore          = runtime.WithJobStore

	// Advanced options
	WithLogger    = runtime.WithLogger
	WithEventSink = runtime.WithEventSink
	WithClock     = runtime.WithClock
	WithBackend   = runtime.WithBackend
	WithListener  = runtime.WithListener
)
