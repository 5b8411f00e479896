// Package storage hosts the webhook job store implementations.
package storage

import (
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// Re-export job store types from core/ports.
type (
	JobStore  = ports.JobStore
	JobFilter = ports.JobFilter
)

// ErrJobNotFound is returned when a job does not exist.
var ErrJobNotFound = ports.ErrJobNotFound

// DefaultListLimit caps ListJobs when the filter has no limit.
const DefaultListLimit = 100
