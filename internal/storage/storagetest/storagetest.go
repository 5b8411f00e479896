// Package storagetest holds behavior tests shared by every JobStore
// implementation.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id, consumer string, next time.Time) *domain.WebhookDeliveryJob {
	return &domain.WebhookDeliveryJob{
		ID:            id,
		ConsumerID:    consumer,
		OperationID:   "op-" + id,
		WebhookURL:    "https://hooks.example.com/" + id,
		Payload:       []byte(`{"id":"` + id + `"}`),
		SecretRef:     "env:HOOK_SECRET",
		MaxAttempts:   domain.DefaultMaxAttempts,
		NextAttemptAt: next,
		Status:        domain.JobPending,
		CreatedAt:     next,
		UpdatedAt:     next,
	}
}

// Run exercises the JobStore contract against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.JobStore) {
	t.Run("CreateGetUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		job := newJob("j1", "c1", base)
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		if err := s.CreateJob(ctx, job); err == nil {
			t.Error("CreateJob() duplicate should fail")
		}

		got, err := s.GetJob(ctx, "j1")
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if got.WebhookURL != job.WebhookURL || string(got.Payload) != string(job.Payload) || got.SecretRef != job.SecretRef {
			t.Errorf("GetJob() = %+v", got)
		}
		if !got.NextAttemptAt.Equal(base) {
			t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, base)
		}

		got.AttemptCount = 5
		got.MarkDeadLettered(base.Add(time.Minute), 503, "boom")
		if err := s.UpdateJob(ctx, got); err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		again, _ := s.GetJob(ctx, "j1")
		if again.Status != domain.JobDeadLettered || again.AttemptCount != 5 || again.LastError != "boom" || again.LastStatus != 503 {
			t.Errorf("after update = %+v", again)
		}
		if again.DeadAt == nil || !again.DeadAt.Equal(base.Add(time.Minute)) {
			t.Errorf("DeadAt = %v", again.DeadAt)
		}

		if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, storage.ErrJobNotFound) {
			t.Errorf("GetJob(missing) error = %v, want ErrJobNotFound", err)
		}
		if err := s.UpdateJob(ctx, newJob("missing", "c", base)); !errors.Is(err, storage.ErrJobNotFound) {
			t.Errorf("UpdateJob(missing) error = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("ClaimDueJobsHonorsScheduleAndLease", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_ = s.CreateJob(ctx, newJob("due", "c1", base))
		_ = s.CreateJob(ctx, newJob("later", "c1", base.Add(time.Hour)))
		dead := newJob("dead", "c1", base)
		dead.Status = domain.JobDeadLettered
		_ = s.CreateJob(ctx, dead)

		claimed, err := s.ClaimDueJobs(ctx, base, time.Minute, 10)
		if err != nil {
			t.Fatalf("ClaimDueJobs() error = %v", err)
		}
		if len(claimed) != 1 || claimed[0].ID != "due" {
			t.Fatalf("claimed = %v, want [due]", ids(claimed))
		}

		again, _ := s.ClaimDueJobs(ctx, base.Add(30*time.Second), time.Minute, 10)
		if len(again) != 0 {
			t.Errorf("leased job reclaimed: %v", ids(again))
		}

		expired, _ := s.ClaimDueJobs(ctx, base.Add(time.Minute), time.Minute, 10)
		if len(expired) != 1 || expired[0].ID != "due" {
			t.Errorf("claim after lease expiry = %v, want [due]", ids(expired))
		}
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			_ = s.CreateJob(ctx, newJob(string(rune('a'+i)), "c1", base))
		}

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				jobs, err := s.ClaimDueJobs(ctx, base, time.Minute, 20)
				if err != nil {
					t.Errorf("ClaimDueJobs() error = %v", err)
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(seen) != 20 {
			t.Errorf("claimed %d distinct jobs, want 20", len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("job %s claimed %d times", id, n)
			}
		}
	})

	t.Run("ListJobsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, c := range []string{"c1", "c1", "c2"} {
			j := newJob(string(rune('a'+i)), c, base.Add(time.Duration(i)*time.Second))
			_ = s.CreateJob(ctx, j)
		}
		dead := newJob("d", "c2", base)
		dead.Status = domain.JobDeadLettered
		_ = s.CreateJob(ctx, dead)

		all, _ := s.ListJobs(ctx, storage.JobFilter{})
		if len(all) != 4 {
			t.Errorf("ListJobs() = %d jobs, want 4", len(all))
		}
		c1, _ := s.ListJobs(ctx, storage.JobFilter{ConsumerID: "c1"})
		if len(c1) != 2 {
			t.Errorf("ListJobs(c1) = %d jobs, want 2", len(c1))
		}
		dlq, _ := s.ListJobs(ctx, storage.JobFilter{Status: domain.JobDeadLettered})
		if len(dlq) != 1 || dlq[0].ID != "d" {
			t.Errorf("ListJobs(DLQ) = %v", ids(dlq))
		}
		limited, _ := s.ListJobs(ctx, storage.JobFilter{Limit: 1})
		if len(limited) != 1 || limited[0].ID != "c" {
			t.Errorf("ListJobs(limit 1) = %v, want newest first", ids(limited))
		}
	})

	t.Run("PurgeJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		old := newJob("old", "c1", base)
		old.MarkDelivered(base, 200)
		_ = s.CreateJob(ctx, old)
		recent := newJob("recent", "c1", base)
		recent.MarkDelivered(base.Add(2*time.Hour), 200)
		_ = s.CreateJob(ctx, recent)
		_ = s.CreateJob(ctx, newJob("pending", "c1", base))

		n, err := s.PurgeJobs(ctx, domain.JobDelivered, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("PurgeJobs() error = %v", err)
		}
		if n != 1 {
			t.Errorf("purged %d, want 1", n)
		}
		if _, err := s.GetJob(ctx, "old"); !errors.Is(err, storage.ErrJobNotFound) {
			t.Error("old delivered job should be purged")
		}
		for _, id := range []string{"recent", "pending"} {
			if _, err := s.GetJob(ctx, id); err != nil {
				t.Errorf("job %s should remain: %v", id, err)
			}
		}
	})
}

func ids(jobs []*domain.WebhookDeliveryJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
