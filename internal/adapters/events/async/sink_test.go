package async

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tjfontaine/resilient-gateway/internal/adapters/events/memory"
	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
)

// blockingSink holds every Emit until release is closed.
type blockingSink struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
	rec     *memory.Recorder
}

func (b *blockingSink) Emit(ctx context.Context, e domain.Event) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.rec.Emit(ctx, e)
}

func (b *blockingSink) Close() error { return nil }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSink_ForwardsAndDrainsOnClose(t *testing.T) {
	rec := memory.NewRecorder()
	s := New(rec, 16, quiet())

	for i := 0; i < 10; i++ {
		s.Emit(context.Background(), domain.Event{Type: domain.EventStageEntered})
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := len(rec.Events()); n != 10 {
		t.Errorf("forwarded %d events, want 10", n)
	}
	if s.Dropped() != 0 {
		t.Errorf("Dropped() = %d", s.Dropped())
	}
}

func TestSink_DropsWhenFull(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{}), started: make(chan struct{}), rec: memory.NewRecorder()}
	s := New(inner, 2, quiet())
	ctx := context.Background()

	// First event is taken by the forwarder and blocks it.
	s.Emit(ctx, domain.Event{Type: domain.EventStageEntered})
	<-inner.started

	for i := 0; i < 5; i++ {
		s.Emit(ctx, domain.Event{Type: domain.EventStageEntered})
	}
	if got := s.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}

	close(inner.release)
	s.Close()
	if n := len(inner.rec.Events()); n != 3 {
		t.Errorf("forwarded %d events, want 3", n)
	}
}

func TestSink_EmitAfterCloseIsDropped(t *testing.T) {
	rec := memory.NewRecorder()
	s := New(rec, 4, quiet())
	s.Close()
	s.Close()

	s.Emit(context.Background(), domain.Event{Type: domain.EventStageEntered})
	if s.Dropped() != 1 || len(rec.Events()) != 0 {
		t.Errorf("Dropped() = %d, forwarded = %d", s.Dropped(), len(rec.Events()))
	}
}
