// Package memory is an in-memory webhook job store for tests and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/resilient-gateway/internal/core/domain"
	"github.com/tjfontaine/resilient-gateway/internal/storage"
)

// Store is an in-memory implementation of JobStore.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*domain.WebhookDeliveryJob
}

var _ storage.JobStore = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*domain.WebhookDeliveryJob),
	}
}

func clone(j *domain.WebhookDeliveryJob) *domain.WebhookDeliveryJob {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	if j.DeliveredAt != nil {
		t := *j.DeliveredAt
		c.DeliveredAt = &t
	}
	if j.DeadAt != nil {
		t := *j.DeadAt
		c.DeadAt = &t
	}
	return &c
}

func (s *Store) CreateJob(ctx context.Context, job *domain.WebhookDeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.WebhookDeliveryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	return clone(job), nil
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.WebhookDeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("%w: %s", storage.ErrJobNotFound, job.ID)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.WebhookDeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.WebhookDeliveryJob
	for _, job := range s.jobs {
		if job.Status != domain.JobPending || job.NextAttemptAt.After(now) || job.LeaseUntil.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.WebhookDeliveryJob, len(due))
	for i, job := range due {
		job.LeaseUntil = now.Add(lease)
		out[i] = clone(job)
	}
	return out, nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.WebhookDeliveryJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.WebhookDeliveryJob
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.ConsumerID != "" && job.ConsumerID != filter.ConsumerID {
			continue
		}
		result = append(result, clone(job))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PurgeJobs(ctx context.Context, status domain.JobStatus, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error {
	return nil
}
