// Package async wraps an event sink with a bounded buffer so Emit never
// blocks the request path. Events that do not fit are dropped and counted.
package async

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

// DefaultBufferSize is the queue length when none is configured.
const DefaultBufferSize = 1024

// Sink forwards events to an inner sink from a single background goroutine.
type Sink struct {
	inner   ports.EventSink
	logger  *slog.Logger
	queue   chan domain.Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ ports.EventSink = (*Sink)(nil)

// New starts the forwarding goroutine. Close stops it after draining.
func New(inner ports.EventSink, bufferSize int, logger *slog.Logger) *Sink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		inner:  inner,
		logger: logger,
		queue:  make(chan domain.Event, bufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.queue {
		s.inner.Emit(context.Background(), event)
	}
}

// Emit enqueues event, dropping it when the buffer is full or the sink is
// closed.
func (s *Sink) Emit(_ context.Context, event domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- event:
	default:
		if n := s.dropped.Add(1); n&(n-1) == 0 {
			s.logger.Warn("audit event buffer full, dropping events",
				slog.Int64("dropped_total", n),
				slog.String("event", string(event.Type)),
			)
		}
	}
}

// Dropped returns how many events were discarded.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains buffered events into the inner sink and closes it.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.inner.Close()
}
