package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/storage"
	"github.com/tjfontaine/resilient-gateway/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.JobStore { return New() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := &domain.WebhookDeliveryJob{ID: "j", Status: domain.JobPending, Payload: []byte(`{}`), NextAttemptAt: time.Now()}
	_ = s.CreateJob(ctx, job)

	got, _ := s.GetJob(ctx, "j")
	got.Status = domain.JobDelivered
	got.Payload[0] = 'x'

	again, _ := s.GetJob(ctx, "j")
	if again.Status != domain.JobPending || string(again.Payload) != `{}` {
		t.Errorf("store state mutated through returned job: %+v", again)
	}
}
