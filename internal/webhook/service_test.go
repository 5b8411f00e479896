package webhook

import (
	"context"
	"testing"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/core/ports"
)

func domainFilter(status domain.JobStatus) ports.JobFilter {
	return ports.JobFilter{Status: status}
}

func TestService_EnqueueFillsDefaults(t *testing.T) {
	h := newHarness()
	job := h.enqueue(t, "https://hooks.example.com/hook")

	if job.ID == "" {
		t.Fatal("Enqueue() should assign an ID")
	}
	got, err := h.service.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobPending || got.MaxAttempts != domain.DefaultMaxAttempts || got.AttemptCount != 0 {
		t.Errorf("job = %+v", got)
	}
	if !got.NextAttemptAt.Equal(testNow) || !got.CreatedAt.Equal(testNow) {
		t.Errorf("first attempt should be due immediately: %+v", got)
	}
}

func TestService_EnqueueInvalidURLIsDeadLettered(t *testing.T) {
	h := newHarness()
	job := h.enqueue(t, "ftp://hooks.example.com/hook")

	got, err := h.service.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobDeadLettered || got.LastError == "" {
		t.Errorf("job = %+v", got)
	}
	if h.sink.count(domain.EventWebhookRejected) != 1 {
		t.Error("rejection should be audited")
	}
}
